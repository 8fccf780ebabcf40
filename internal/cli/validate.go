package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/lofi/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Tables   int                        `json:"tables"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Warnings []compiler.CycleWarning    `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [schema]",
		Short: "Validate a schema",
		Long: `Validate a CUE schema: column types, primary keys, names and
relations. Reference cycles are reported as warnings.

Exit codes:
  0 - Schema valid
  1 - Validation errors
  2 - Schema could not be loaded`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config.Schema
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loaded, err := LoadSchema(path)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	formatter.VerboseLog("Loaded %d table(s) from %s", len(loaded.Schema.Tables), path)

	result := ValidationResult{
		Valid:    len(loaded.Errors) == 0,
		Tables:   len(loaded.Schema.Tables),
		Errors:   loaded.Errors,
		Warnings: loaded.Warnings,
	}
	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "ok Schema valid (%d table(s))\n", result.Tables)
	printWarnings(formatter, result.Warnings)
	return nil
}

// outputValidationErrors outputs validation errors. Validation failures
// exit with code 1.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	errs := result.Errors
	if formatter.json() {
		if err := formatter.Fail(errs[0].Code, errs[0].Message, result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "x Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n", err.Code, err.Field, err.Message)
	}
	printWarnings(formatter, result.Warnings)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
