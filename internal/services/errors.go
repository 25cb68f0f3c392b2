package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidCredentials covers both an unknown identifier and a wrong
	// password; callers cannot tell the two apart.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrPendingApproval is returned when valid credentials belong to an
	// account that is not admissible yet.
	ErrPendingApproval = errors.New("account pending approval")

	// ErrAccountRejected is returned for accounts whose application was
	// rejected. It matches ErrPendingApproval under errors.Is.
	ErrAccountRejected = fmt.Errorf("account rejected: %w", ErrPendingApproval)

	// ErrForbidden is returned when a reviewer may not act on an application.
	ErrForbidden = errors.New("forbidden")
)

// FieldError describes one invalid or missing submission field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every field problem found in a request.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ConflictError reports an identifier already registered in the school.
type ConflictError struct {
	Field string
	Value string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already registered", e.Field, e.Value)
}
