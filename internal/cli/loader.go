package cli

import (
	"errors"
	"fmt"
	"os"

	"cuelang.org/go/cue/token"

	"github.com/roach88/lofi/internal/compiler"
)

// Error code constants shared by all commands. Schema validation codes
// (E100 and up) come from the compiler package.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeNotFound    = "E002" // Schema path not found
	ErrCodeLoadFailed  = "E003" // CUE load or build failed
	ErrCodeWriteFailed = "E004" // File write error
	ErrCodeStore       = "E005" // Replica store could not be opened or read
	ErrCodeQuery       = "E006" // Invalid where or order_by
)

// LoadError represents an error that occurred while loading a schema.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadSchema compiles the schema at path. A nil error means the schema was
// built; the result may still carry validation errors and cycle warnings.
func LoadSchema(path string) (*compiler.SchemaResult, error) {
	if path == "" {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: "no schema given (use --schema or schema: in lofi.yaml)"}
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema not found: %s", path)}
		}
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing schema: %v", err)}
	}

	result, err := compiler.Load(path)
	if err != nil {
		return nil, convertCompileError(err)
	}
	return result, nil
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    ErrCodeLoadFailed,
			Message: fmt.Sprintf("%s: %s", compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{Code: ErrCodeLoadFailed, Message: err.Error()}
}

// loadValidSchema loads the configured schema for commands that need a
// usable one. Any load or validation error is a command error.
func loadValidSchema(opts *RootOptions) (*compiler.SchemaResult, error) {
	result, err := LoadSchema(opts.Config.Schema)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load schema", err)
	}
	if err := result.Err(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid schema", err)
	}
	for _, w := range result.Warnings {
		opts.logger().Warn("schema reference cycle", "path", w.Path, "message", w.Message)
	}
	return result, nil
}
