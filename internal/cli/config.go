package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgerops/internal/config"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config [config.yaml]",
		Short: "Check a policy config and print the effective settings",
		Long: `Check a policy config file against the schema and print the settings
that commands would run with: the file's values over the built-in defaults.

Without an argument the --config file is used, or the defaults when none is
set.

Examples:
  ledgerops config
  ledgerops config ./mainnet.yaml
  ledgerops config --config ./mainnet.yaml --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config
			if len(args) == 1 {
				path = args[0]
			}
			return runConfig(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runConfig(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := config.Load(path)
	if err != nil {
		var details any
		var schemaErr *config.SchemaError
		if errors.As(err, &schemaErr) {
			details = map[string]string{"path": schemaErr.Source, "schema": schemaErr.Err.Error()}
		}
		_ = formatter.Error(ErrCodeConfig, err.Error(), details)
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	data, err := cfg.Marshal()
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to render config", err)
	}

	if opts.Format == "json" {
		// Re-read the YAML so JSON keys and durations match the file form.
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return WrapExitError(ExitCommandError, "failed to render config", err)
		}
		return formatter.Success(doc)
	}

	return formatter.Report(cfg, false, "", "", func(w io.Writer) {
		if path == "" {
			fmt.Fprintln(w, "# built-in defaults")
		} else {
			fmt.Fprintf(w, "# %s\n", path)
		}
		_, _ = w.Write(data)
	})
}
