package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/orchestrator"
)

// ExecuteOptions holds flags for the execute command.
type ExecuteOptions struct {
	*RootOptions
	Events bool // stream progress events to stderr
}

// NewExecuteCommand creates the execute command.
func NewExecuteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecuteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "execute <operation.yaml>",
		Short: "Execute a ledger operation",
		Long: `Execute an operation described by a YAML file.

The operation is validated, built into instruction groups and submitted
atomically when the network offers an atomic channel, sequentially
otherwise. A failed operation is rolled back automatically; anything that
cannot be undone is reported as a manual action.

Exit codes:
  0 - Operation completed
  1 - Operation failed validation or was rolled back
  2 - Command error (unreadable file, database error, etc.)

Examples:
  ledgerops execute ./asset.yaml
  ledgerops execute ./distribution.yaml --events
  ledgerops execute ./pool.yaml --format json --db ./ops.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Events, "events", false, "stream progress events to stderr")

	return cmd
}

func runExecute(opts *ExecuteOptions, path string, cmd *cobra.Command) error {
	if opts.Events {
		serializeOutput(cmd)
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	f, err := loadOperationOrReport(formatter, path)
	if err != nil {
		return err
	}

	var printer *eventPrinter
	if opts.Events {
		printer = startEventPrinter(cmd.ErrOrStderr())
	}
	sess, err := openSession(cmd.Context(), opts.RootOptions, cmd, formatter, f.prepare, printer.observers()...)
	if err != nil {
		printer.stop()
		return err
	}
	defer sess.Close()

	ctx, stop := signalContext(cmd, sess.logger)
	defer stop()

	params, err := f.decode(sess.sim)
	if err != nil {
		printer.stop()
		_ = formatter.Error(ErrCodeInvalidFile, err.Error(), map[string]string{"path": path})
		return WrapExitError(ExitCommandError, "failed to decode params", err)
	}

	res, err := sess.orch.Execute(ctx, params)
	if dropped := printer.stop(); dropped > 0 {
		sess.logger.Warn("progress events dropped", "count", dropped)
	}
	if saveErr := sess.save(); saveErr != nil {
		_ = formatter.Error(ErrCodeChain, saveErr.Error(), nil)
		return saveErr
	}
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to execute operation", err)
	}
	sess.logMetrics()

	code := ErrCodeExecution
	if res.ErrorKind == chain.KindValidation {
		code = ErrCodeValidation
	}
	message := fmt.Sprintf("operation %s %s", res.OperationID, res.Status)
	if res.Error != "" {
		message += ": " + res.Error
	}
	if err := formatter.Report(res, !res.Success, code, message, func(w io.Writer) {
		writeOperationResult(w, res)
	}); err != nil {
		return err
	}

	if !res.Success {
		return NewExitError(ExitFailure, message)
	}
	return nil
}

// writeOperationResult renders an execute result as text.
func writeOperationResult(w io.Writer, res *orchestrator.OperationResult) {
	mark := "✓"
	if !res.Success {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %s %s (%s)\n", mark, res.OperationID, res.Status, res.Kind)
	if res.Method != "" {
		fmt.Fprintf(w, "  Method:   %s", res.Method)
		if res.FellBack {
			fmt.Fprint(w, " (fell back from atomic)")
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  Attempts: %d\n", res.Attempts)
	if res.Fee > 0 {
		fmt.Fprintf(w, "  Fee:      %d\n", res.Fee)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "  Error:    %s\n", res.Error)
	}

	if len(res.Violations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Violations:")
		for _, v := range res.Violations {
			fmt.Fprintf(w, "  - %s: %s\n", v.Field, v.Message)
		}
	}

	if len(res.Groups) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Groups:")
		for _, g := range res.Groups {
			state := "not attempted"
			switch {
			case g.Landed:
				state = "landed"
			case g.Attempted:
				state = "failed"
			}
			fmt.Fprintf(w, "  [%d] %-15s %-13s %s\n", g.Index, g.Label, state, truncateID(g.TxID))
		}
	}

	if res.Rollback != nil {
		fmt.Fprintln(w)
		writeRollbackSummary(w, res.Rollback)
	}
}
