package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerops/internal/validate"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Kind       string               `json:"kind"`
	Valid      bool                 `json:"valid"`
	Violations []validate.Violation `json:"violations,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <operation.yaml>",
		Short: "Validate an operation without executing it",
		Long: `Check an operation file against the ledger without submitting anything.

Wallets and mints declared in the file are applied for the check only; the
ledger snapshot is not written back. Every violation is reported, not just
the first.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	f, err := loadOperationOrReport(formatter, path)
	if err != nil {
		return err
	}
	formatter.VerboseLog("Loaded %s operation from %s", f.Kind, path)

	sess, err := openSession(cmd.Context(), opts, cmd, formatter, f.prepare)
	if err != nil {
		return err
	}
	defer sess.Close()

	params, err := f.decode(sess.sim)
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidFile, err.Error(), map[string]string{"path": path})
		return WrapExitError(ExitCommandError, "failed to decode params", err)
	}

	res, err := sess.orch.Validate(cmd.Context(), params)
	if err != nil {
		_ = formatter.Error(ErrCodeChain, err.Error(), nil)
		return WrapExitError(ExitCommandError, "validation could not run", err)
	}

	result := ValidationResult{Kind: f.Kind, Valid: res.OK, Violations: res.Violations}
	message := fmt.Sprintf("%d violation(s)", len(res.Violations))
	if err := formatter.Report(result, !res.OK, ErrCodeValidation, message, func(w io.Writer) {
		if res.OK {
			fmt.Fprintln(w, "✓ operation valid")
			return
		}
		fmt.Fprintf(w, "✗ operation invalid: %s\n", message)
		for _, v := range res.Violations {
			fmt.Fprintf(w, "  - %s: %s\n", v.Field, v.Message)
		}
	}); err != nil {
		return err
	}

	if !res.OK {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}
