package shape

import (
	"errors"
	"fmt"

	"github.com/roach88/lofi/internal/ir"
)

var (
	// ErrShapeDefinitionInvalid is matched by every *DefinitionError.
	ErrShapeDefinitionInvalid = errors.New("shape definition invalid")

	// ErrUnsubscribed is returned by Wait after Unsubscribe.
	ErrUnsubscribed = errors.New("shape subscription cancelled")
)

// DefinitionError lists everything wrong with a shape definition.
type DefinitionError struct {
	Table  string
	Errors []ir.ValidationError
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("shape on %q: %s", e.Table, ir.JoinValidationErrors(e.Errors))
}

// Unwrap makes errors.Is(err, ErrShapeDefinitionInvalid) hold.
func (e *DefinitionError) Unwrap() error {
	return ErrShapeDefinitionInvalid
}

// IsDefinitionError returns true if err is or wraps a *DefinitionError.
func IsDefinitionError(err error) bool {
	var de *DefinitionError
	return errors.As(err, &de)
}
