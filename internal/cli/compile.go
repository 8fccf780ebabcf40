package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/lofi/internal/compiler"
	"github.com/roach88/lofi/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult is the compiled schema with any cycle warnings.
type CompilationResult struct {
	Schema   *ir.Schema              `json:"schema"`
	Warnings []compiler.CycleWarning `json:"warnings,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile [schema]",
		Short: "Compile a CUE schema to its table IR",
		Long: `Compile a CUE schema to the table IR used by replicas and the
reference server, and print it as JSON.

The schema argument defaults to --schema or the schema key of lofi.yaml.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.Config.Schema
			if len(args) == 1 {
				path = args[0]
			}
			return runCompile(opts, path, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loaded, err := LoadSchema(path)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	if len(loaded.Errors) > 0 {
		return outputCompileErrors(formatter, loaded.Errors)
	}

	result := &CompilationResult{Schema: loaded.Schema, Warnings: loaded.Warnings}
	for _, name := range loaded.Schema.TableNames() {
		formatter.VerboseLog("Compiled table: %s", name)
	}

	if opts.Output != "" {
		if err := writeIRToFile(result, opts.Output); err != nil {
			return outputCommandError(formatter, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err))
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Compiled %d table(s)\n\n", len(loaded.Schema.Tables))
	for _, name := range loaded.Schema.TableNames() {
		t := loaded.Schema.Tables[name]
		fmt.Fprintf(w, "  %s: %d column(s), pk %s", name, len(t.Columns), t.PrimaryKey)
		if len(t.Relations) > 0 {
			fmt.Fprintf(w, ", %d relation(s)", len(t.Relations))
		}
		fmt.Fprintln(w)
	}
	printWarnings(formatter, loaded.Warnings)
	if opts.Output != "" {
		fmt.Fprintf(w, "\nWrote schema IR to %s\n", opts.Output)
	}
	return nil
}

func printWarnings(formatter *OutputFormatter, warnings []compiler.CycleWarning) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintln(formatter.Writer)
	for _, w := range warnings {
		fmt.Fprintf(formatter.Writer, "warning: %s\n", w.Message)
	}
}

// outputLoadError reports a schema that could not be loaded at all.
func outputLoadError(formatter *OutputFormatter, err error) error {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		if formatter.Format != "json" && loadErr.Pos.IsValid() {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n", loadErr.Pos.Filename(), loadErr.Pos.Line(), loadErr.Pos.Column())
		}
		return outputCommandError(formatter, loadErr.Code, loadErr.Message)
	}
	return outputCommandError(formatter, ErrCodeGeneric, err.Error())
}

// outputCommandError outputs a single error (exit code 2).
func outputCommandError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputCompileErrors outputs schema validation errors (exit code 2).
func outputCompileErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	failed := NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
	if formatter.json() {
		if err := formatter.Fail(errs[0].Code, errs[0].Message, errs); err != nil {
			return err
		}
		return failed
	}

	fmt.Fprintln(formatter.Writer, "x Compilation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range errs {
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n", e.Code, e.Field, e.Message)
	}
	return failed
}

// writeIRToFile writes the compilation result as indented JSON.
func writeIRToFile(result *CompilationResult, filename string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling IR: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
