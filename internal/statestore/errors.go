package statestore

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("state not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrIsolationViolation = errors.New("client isolation violation")
	ErrStateLimit         = errors.New("state limit reached")
	ErrAlreadyExists      = errors.New("state already exists")
	ErrInactive           = errors.New("state is inactive")
	ErrUpdateFinalized    = errors.New("update already finalized")
	ErrValidation         = errors.New("validation failed")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrQueueFull          = errors.New("update queue full")
	ErrClosed             = errors.New("store closed")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationError struct {
	StateID string
	Fields  []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation failed for %s", e.StateID)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.StateID, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
