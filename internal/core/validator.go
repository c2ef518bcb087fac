package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"taproom/internal/types"
)

// Validator wraps go-playground/validator for request DTO validation. One
// instance is shared across handlers; the library caches struct metadata
// internally and is safe for concurrent use.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates the shared request validator.
func NewValidator() *Validator {
	return &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ValidateStruct checks the tagged constraints on a request DTO and maps
// violations to an AppError with a per-field detail map. The error code is
// generic validation_invalid_field; field names come from the struct's JSON
// tags where present.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		// Non-validation failures (nil input, unsupported type) are caller
		// bugs, not client errors.
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fieldName(fe)] = violationMessage(fe)
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationInvalidField,
		"request failed validation",
		err,
		details,
	)
}

// fieldName lowercases the Go field name as an approximation of the JSON
// tag. The request DTOs in this service keep the two aligned.
func fieldName(fe validator.FieldError) string {
	return strings.ToLower(fe.Field())
}

// violationMessage renders a human-readable message for the failed tag.
func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s items or be at least %s", fe.Param(), fe.Param())
	case "max":
		return fmt.Sprintf("must have at most %s items or be at most %s", fe.Param(), fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
