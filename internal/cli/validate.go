package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teamdynamiq/marten/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool                       `json:"valid"`
	Settings  *compiler.Settings         `json:"settings,omitempty"`
	Documents []compiler.DocumentSpec    `json:"documents,omitempty"`
	Errors    []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <mapping-dir>",
		Short: "Validate CUE mapping files",
		Long: `Compile and check the CUE mapping files in a directory.

Mapping files declare store-wide settings and per-document identity kinds:

  settings: { block_size: 100, batch_size: 250 }
  document: user:  { identity: "numeric", block_size: 25 }
  document: order: { identity: "token" }`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	value, count, loadErr := loadValue(dir)
	if loadErr != nil {
		return outputValidateError(formatter, loadErr.Code, loadErr.Message, nil)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", count, dir)

	spec, err := compiler.Compile(value)
	if err != nil {
		le := convertCompileError(err)
		return outputValidationErrors(formatter, []compiler.ValidationError{{
			Field:   compileField(err),
			Message: le.Message,
			Code:    le.Code,
			Line:    lineOf(le),
		}})
	}

	errs := compiler.Validate(spec)
	if len(spec.Documents) == 0 && spec.Settings == (compiler.Settings{}) {
		errs = append(errs, compiler.ValidationError{
			Field:   "mappings",
			Message: "no settings or documents found in mapping files",
			Code:    ErrCodeGeneric,
		})
	}
	if len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}

	for _, doc := range spec.Documents {
		formatter.VerboseLog("document %s: %s identity", doc.Alias, doc.Kind)
	}
	return outputValidateSuccess(formatter, spec)
}

func compileField(err error) string {
	var ce *compiler.CompileError
	if errors.As(err, &ce) {
		return ce.Field
	}
	return "mappings"
}

func lineOf(le *LoadError) int {
	if le.Pos.IsValid() {
		return le.Pos.Line()
	}
	return 0
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, spec *compiler.MappingSpec) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{
			Valid:     true,
			Settings:  &spec.Settings,
			Documents: spec.Documents,
		})
	}

	fmt.Fprintf(formatter.Writer, "✓ Mappings valid (%d document(s))\n", len(spec.Documents))
	return nil
}

// outputValidateError outputs a single load error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	// Load errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	failure := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if formatter.Format == "json" {
		if err := formatter.encode(CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}); err != nil {
			return err
		}
		return failure
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}
	return failure
}
