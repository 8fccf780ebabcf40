package store

import (
	"errors"
	"fmt"
)

var (
	// ErrConstraintViolation is the sentinel matched by every *ConstraintError.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrNotFound is returned when a row does not exist or is tombstoned.
	ErrNotFound = errors.New("row not found")

	// ErrUnknownTable is returned for tables missing from the schema.
	ErrUnknownTable = errors.New("unknown table")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// ConstraintReason categorizes constraint violations.
type ConstraintReason string

const (
	ReasonDuplicateKey   ConstraintReason = "DUPLICATE_KEY"
	ReasonInvalidColumn  ConstraintReason = "INVALID_COLUMN"
	ReasonMissingKey     ConstraintReason = "MISSING_KEY"
	ReasonKeyChanged     ConstraintReason = "KEY_CHANGED"
	ReasonDanglingRef    ConstraintReason = "DANGLING_REFERENCE"
	ReasonRestrictDelete ConstraintReason = "RESTRICT_DELETE"
)

// ConstraintError describes a rejected local mutation. The transaction it
// occurred in is rolled back; nothing is written.
type ConstraintError struct {
	Table   string
	PK      string
	Column  string
	Reason  ConstraintReason
	Message string
}

// Error implements the error interface.
func (e *ConstraintError) Error() string {
	target := e.Table
	if e.PK != "" {
		target += "/" + e.PK
	}
	if e.Column != "" {
		target += "." + e.Column
	}
	return fmt.Sprintf("%s: %s (%s)", e.Reason, e.Message, target)
}

// Unwrap makes errors.Is(err, ErrConstraintViolation) hold.
func (e *ConstraintError) Unwrap() error {
	return ErrConstraintViolation
}

// IsConstraintViolation returns true if the error is a constraint violation.
// Uses errors.As to handle wrapped errors.
func IsConstraintViolation(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// IsNotFound returns true if the error is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func notFound(table, pk string) error {
	return fmt.Errorf("%s/%s: %w", table, pk, ErrNotFound)
}

func unknownTable(table string) error {
	return fmt.Errorf("%q: %w", table, ErrUnknownTable)
}
