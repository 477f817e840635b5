package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerops/internal/compensation"
	"github.com/roach88/ledgerops/internal/ir"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <operation-id>",
		Short: "Show everything recorded about an operation",
		Long: `Show the recorded history of an operation: its status changes,
checkpoints, compensation records, transaction outcomes and rollback
resolutions, each in the order they were written.

Examples:
  ledgerops history 3f0c6a8e-...
  ledgerops history 3f0c6a8e-... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runHistory(opts *RootOptions, id string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	sess, err := openSession(cmd.Context(), opts, cmd, formatter, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	h, err := sess.orch.GetOperationHistory(cmd.Context(), id)
	if errors.Is(err, ir.ErrOperationNotFound) {
		_ = formatter.Error(ErrCodeUnknownOp, fmt.Sprintf("operation not found: %s", id), nil)
		return WrapExitError(ExitCommandError, "history failed", err)
	}
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "history failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(h)
	}
	writeHistory(cmd.OutOrStdout(), h)
	return nil
}

func writeHistory(w io.Writer, h *compensation.History) {
	fmt.Fprintf(w, "Operation: %s\n", h.Operation.ID)
	fmt.Fprintf(w, "Kind:      %s\n", h.Operation.Kind)
	fmt.Fprintf(w, "Status:    %s\n", h.Status)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Status ===")
	for _, c := range h.Changes {
		from := string(c.From)
		if from == "" {
			from = "-"
		}
		line := fmt.Sprintf("  %4d  %s  %s -> %s", c.Seq, stamp(c.At), from, c.To)
		if c.Reason != "" {
			line += "  (" + c.Reason + ")"
		}
		fmt.Fprintln(w, line)
	}

	if len(h.Checkpoints) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Checkpoints ===")
		for _, c := range h.Checkpoints {
			fmt.Fprintf(w, "  %4d  %s  %s %s\n", c.Seq, stamp(c.At), c.Name, c.Detail)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Records ===")
	if len(h.Records) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, r := range h.Records {
		fmt.Fprintf(w, "  %4d  [%d] %-20s %-22s", r.Seq, r.GroupIndex, r.Action, r.Reversibility)
		if r.Amount > 0 {
			fmt.Fprintf(w, " amount=%d", r.Amount)
		}
		if r.Participant {
			fmt.Fprint(w, " participant")
		}
		if r.TxID != "" {
			fmt.Fprintf(w, " tx=%s", truncateID(r.TxID))
		}
		fmt.Fprintln(w)
	}

	if len(h.Outcomes) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Outcomes ===")
		for _, o := range h.Outcomes {
			fmt.Fprintf(w, "  %4d  %s  %-8s %s\n", o.Seq, truncateID(o.TxID), o.Outcome, o.Detail)
		}
	}

	if len(h.Resolutions) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Resolutions ===")
		for _, r := range h.Resolutions {
			fmt.Fprintf(w, "  %4d  %s  %-11s %s\n", r.Seq, r.RecordID, r.State, r.Detail)
		}
	}
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
