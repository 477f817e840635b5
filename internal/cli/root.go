package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions are the persistent flags shared by every subcommand.
type RootOptions struct {
	Verbose bool
	Format  string // text or json

	// Database is the SQLite file holding operations and their
	// compensation records.
	Database string

	// Config is an optional policy file; config.Default is used without it.
	Config string

	// Chain is the snapshot file of the simulated ledger. It is created on
	// first use and saved after every command that touches the ledger.
	Chain string
}

// ValidFormats lists the values accepted by --format.
var ValidFormats = []string{"text", "json"}

// NewRootCommand builds the ledgerops command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	root := &cobra.Command{
		Use:   "ledgerops",
		Short: "Multi-transaction ledger operations with rollback",
		Long: `Execute multi-transaction ledger operations atomically when the network
allows it and sequentially otherwise, tracking every side effect so that a
failed operation can be rolled back.

Operations run against a simulated ledger whose state is kept in the
--chain snapshot file between invocations.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: opts.check,
	}
	opts.bind(root)

	root.AddCommand(
		NewExecuteCommand(opts),
		NewValidateCommand(opts),
		NewRollbackCommand(opts),
		NewHistoryCommand(opts),
		NewTestCommand(opts),
		NewConfigCommand(opts),
	)
	return root
}

func (o *RootOptions) bind(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.BoolVarP(&o.Verbose, "verbose", "v", false, "verbose output")
	fs.StringVar(&o.Format, "format", "text", "output format (json|text)")
	fs.StringVar(&o.Database, "db", "ledgerops.db", "path to SQLite database")
	fs.StringVar(&o.Config, "config", "", "path to policy config file")
	fs.StringVar(&o.Chain, "chain", "ledgerops-chain.json", "path to simulated ledger snapshot")
}

func (o *RootOptions) check(*cobra.Command, []string) error {
	if !isValidFormat(o.Format) {
		return fmt.Errorf("invalid format %q: must be one of %v", o.Format, ValidFormats)
	}
	return nil
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
