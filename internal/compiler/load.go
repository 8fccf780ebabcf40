package compiler

import (
	"errors"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/lofi/internal/ir"
)

// CompileString compiles schema source held in memory. filename is used in
// error positions.
func CompileString(src, filename string) (*SchemaResult, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	return compileValue(v)
}

// Load compiles the schema at path: a single .cue file, or a directory
// whose .cue files form one CUE package.
func Load(path string) (*SchemaResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("schema not found: %w", err)
	}
	if !info.IsDir() {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		return CompileString(string(src), path)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances in %s", path)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, formatCUEError(inst.Err)
	}
	ctx := cuecontext.New()
	return compileValue(ctx.BuildInstance(inst))
}

// SchemaResult is a compiled schema plus everything found checking it.
type SchemaResult struct {
	Schema   *ir.Schema
	Errors   []ValidationError
	Warnings []CycleWarning
}

// Err returns the validation errors joined, or nil.
func (r *SchemaResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func compileValue(v cue.Value) (*SchemaResult, error) {
	schema, err := CompileSchema(v)
	if err != nil {
		return nil, err
	}
	return &SchemaResult{
		Schema:   schema,
		Errors:   Validate(schema),
		Warnings: AnalyzeCycles(schema),
	}, nil
}
