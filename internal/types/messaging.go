package types

// Values for the "source" message attribute, recording which path enqueued
// a job.
const (
	JobSourceSweep  = "sweep"
	JobSourceReplay = "replay"
)

// EnrichmentJob is the queue message payload for a single ABV lookup. It is
// immutable once enqueued and carries no mutable state: all state lives in
// the catalog record and the dead-letter store. JSON tags are the wire
// contract shared with the dead-letter raw_message column.
type EnrichmentJob struct {
	RecordID      string `json:"recordId"`
	Name          string `json:"name"`
	AttributeHint string `json:"attribute_hint,omitempty"`
}

// Validate checks the structural invariants a job must satisfy before it is
// enqueued or replayed. A job failing this check is counted as a replay
// failure for its row rather than enqueued.
func (j EnrichmentJob) Validate() error {
	if j.RecordID == "" {
		return NewAppError(ErrCodeValidationMissingField, "enrichment job requires recordId", nil)
	}
	if j.Name == "" {
		return NewAppError(ErrCodeValidationMissingField, "enrichment job requires name", nil)
	}
	return nil
}
