package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/ledgerops/internal/chain/simchain"
	"github.com/roach88/ledgerops/internal/config"
	"github.com/roach88/ledgerops/internal/orchestrator"
	"github.com/roach88/ledgerops/internal/store"
)

// session holds what the ledger commands share: the policy config, the
// store, the simulated ledger and an orchestrator wired to them.
type session struct {
	opts     *RootOptions
	cfg      *config.Config
	st       *store.Store
	sim      *simchain.Chain
	orch     *orchestrator.Orchestrator
	registry *prometheus.Registry
	logger   *slog.Logger
}

// sessionSetup adjusts the config and ledger before the orchestrator is
// built.
type sessionSetup func(cfg *config.Config, sim *simchain.Chain) error

// newLogger configures slog the way every command logs: text to w, debug
// when --verbose is set.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadChain restores the ledger snapshot at path, or starts an empty
// ledger when there is none yet.
func loadChain(path string) (*simchain.Chain, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return simchain.New(), nil
	}
	return simchain.Load(path)
}

// openSession loads config, store and ledger and builds the orchestrator.
// Failures are reported through formatter and returned as ExitErrors
// carrying the command error code.
func openSession(ctx context.Context, opts *RootOptions, cmd *cobra.Command, formatter *OutputFormatter, setup sessionSetup, observers ...orchestrator.Observer) (*session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(opts, cmd.ErrOrStderr())
	fail := func(code, message string, err error) error {
		_ = formatter.Error(code, fmt.Sprintf("%s: %v", message, err), nil)
		return WrapExitError(ExitCommandError, message, err)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, fail(ErrCodeConfig, "failed to load config", err)
	}

	sim, err := loadChain(opts.Chain)
	if err != nil {
		return nil, fail(ErrCodeChain, "failed to load ledger snapshot", err)
	}
	if setup != nil {
		if err := setup(cfg, sim); err != nil {
			return nil, fail(ErrCodeChain, "failed to prepare ledger", err)
		}
	}

	logger.Debug("opening database", "path", opts.Database)
	st, err := store.Open(opts.Database)
	if err != nil {
		return nil, fail(ErrCodeStore, "failed to open database", err)
	}

	s := &session{
		opts:     opts,
		cfg:      cfg,
		st:       st,
		sim:      sim,
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithConfig(cfg),
		orchestrator.WithMetrics(orchestrator.NewMetrics(s.registry)),
		orchestrator.WithLogger(logger),
	}
	for _, obs := range observers {
		orchOpts = append(orchOpts, orchestrator.WithObserver(obs))
	}
	s.orch, err = orchestrator.New(ctx, orchestrator.Deps{
		Encoder:  sim,
		Signer:   sim,
		Ledger:   sim,
		Atomic:   sim,
		Metadata: sim,
		Store:    st,
	}, orchOpts...)
	if err != nil {
		s.Close()
		return nil, fail(ErrCodeGeneric, "failed to create orchestrator", err)
	}
	logger.Debug("session ready",
		"network", cfg.Network,
		"atomic_channel", s.orch.AtomicAvailable(),
		"chain", opts.Chain)
	return s, nil
}

// save writes the ledger snapshot back.
func (s *session) save() error {
	if err := s.sim.Save(s.opts.Chain); err != nil {
		return WrapExitError(ExitCommandError, "failed to save ledger snapshot", err)
	}
	return nil
}

// Close closes the store.
func (s *session) Close() {
	if err := s.st.Close(); err != nil {
		s.logger.Error("error closing database", "error", err)
	}
}

// logMetrics writes the counters recorded during the command at debug
// level.
func (s *session) logMetrics() {
	families, err := s.registry.Gather()
	if err != nil {
		s.logger.Debug("failed to gather metrics", "error", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			c := m.GetCounter()
			if c == nil {
				continue
			}
			attrs := []any{"metric", mf.GetName(), "value", c.GetValue()}
			for _, lp := range m.GetLabel() {
				attrs = append(attrs, lp.GetName(), lp.GetValue())
			}
			s.logger.Debug("metric", attrs...)
		}
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM so an
// interrupted execute stops between attempts and rolls back.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, cancelling", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
