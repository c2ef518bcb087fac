package types

// redactedPlaceholder replaces secret values in logs and serialized output.
const redactedPlaceholder = "***REDACTED***"

// redactedJSON is the pre-computed JSON encoding of the redacted placeholder.
var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a sensitive value (API keys, connection strings, the
// admin key hash) and keeps it out of logs and JSON. String() and
// MarshalJSON() return a redacted placeholder; only Unmask() yields the raw
// value, so every real use of a secret is greppable.
type SecretString string

// String returns a redacted placeholder instead of the raw value. Invoked by
// fmt and by slog's default value formatting.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value of the secret. Limit calls to the
// points that genuinely need it (HTTP Authorization headers, pgx connection
// strings, bcrypt comparisons).
func (s SecretString) Unmask() string {
	return string(s)
}

// IsSet reports whether the secret holds a non-empty value.
func (s SecretString) IsSet() bool {
	return s != ""
}
