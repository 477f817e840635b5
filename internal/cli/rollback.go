package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerops/internal/compensation"
	"github.com/roach88/ledgerops/internal/ir"
)

// RollbackOptions holds flags for the rollback command.
type RollbackOptions struct {
	*RootOptions
	Events bool
}

// NewRollbackCommand creates the rollback command.
func NewRollbackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RollbackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rollback <operation-id>",
		Short: "Roll back a failed operation",
		Long: `Compensate the side effects of a failed operation.

Records are processed newest first. Transfers and liquidity moves cannot
be reversed and are listed as manual actions; accounts that are still
empty are closed and metadata uploads are withdrawn. Resolutions are
stored, so running rollback again reports the same result without
touching the ledger.

Exit codes:
  0 - Every record is resolved
  1 - Some compensation actions failed and can be retried
  2 - Unknown operation, operation not rollbackable, or command error

Examples:
  ledgerops rollback 3f0c6a8e-...
  ledgerops rollback 3f0c6a8e-... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollback(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Events, "events", false, "stream rollback events to stderr")

	return cmd
}

func runRollback(opts *RollbackOptions, id string, cmd *cobra.Command) error {
	if opts.Events {
		serializeOutput(cmd)
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var printer *eventPrinter
	if opts.Events {
		printer = startEventPrinter(cmd.ErrOrStderr())
	}
	sess, err := openSession(cmd.Context(), opts.RootOptions, cmd, formatter, nil, printer.observers()...)
	if err != nil {
		printer.stop()
		return err
	}
	defer sess.Close()

	ctx, stop := signalContext(cmd, sess.logger)
	defer stop()

	report, err := sess.orch.Rollback(ctx, id)
	printer.stop()
	if saveErr := sess.save(); saveErr != nil {
		_ = formatter.Error(ErrCodeChain, saveErr.Error(), nil)
		return saveErr
	}
	switch {
	case errors.Is(err, ir.ErrOperationNotFound):
		_ = formatter.Error(ErrCodeUnknownOp, fmt.Sprintf("operation not found: %s", id), nil)
		return WrapExitError(ExitCommandError, "rollback failed", err)
	case errors.Is(err, compensation.ErrNotRollbackable):
		_ = formatter.Error(ErrCodeNotRollbackable, err.Error(), nil)
		return WrapExitError(ExitCommandError, "rollback failed", err)
	case err != nil:
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "rollback failed", err)
	}

	message := fmt.Sprintf("rollback of %s incomplete", id)
	if err := formatter.Report(report, !report.Complete, ErrCodeRollback, message, func(w io.Writer) {
		writeRollbackReport(w, report)
	}); err != nil {
		return err
	}
	if !report.Complete {
		return NewExitError(ExitFailure, message)
	}
	return nil
}

// writeRollbackSummary renders the short form shown after execute.
func writeRollbackSummary(w io.Writer, report *compensation.RollbackReport) {
	state := "complete"
	if !report.Complete {
		state = "incomplete"
	}
	fmt.Fprintf(w, "Rollback: %s, %d compensated, %d manual action(s)\n",
		state, len(report.Compensated()), len(report.ManualActions))
	writeManualActions(w, report.ManualActions)
}

// writeRollbackReport renders every entry of a rollback.
func writeRollbackReport(w io.Writer, report *compensation.RollbackReport) {
	mark := "✓"
	if !report.Complete {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s Rollback of %s (%s)\n", mark, report.OperationID, report.Kind)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Entries ===")
	if len(report.Entries) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, e := range report.Entries {
		line := fmt.Sprintf("  [%d] %-20s %-12s", e.GroupIndex, e.Action, e.State)
		if e.Err != "" {
			line += " error: " + e.Err
		} else if e.Detail != "" {
			line += " " + e.Detail
		}
		if e.TxID != "" {
			line += " tx=" + truncateID(e.TxID)
		}
		if e.Replayed {
			line += " (replayed)"
		}
		fmt.Fprintln(w, line)
	}
	writeManualActions(w, report.ManualActions)
}

func writeManualActions(w io.Writer, actions []compensation.ManualAction) {
	if len(actions) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Manual Actions ===")
	for _, a := range actions {
		fmt.Fprintf(w, "  - %s\n", a.Description)
	}
}
