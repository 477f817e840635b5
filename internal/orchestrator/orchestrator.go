// Package orchestrator runs operations end to end. An operation is
// validated, built into ordered instruction groups, signed and submitted
// under the retry controller, and compensated after a terminal failure.
//
// The orchestrator holds no global state. Every collaborator is passed to
// New, and independent operations may execute concurrently on one
// Orchestrator.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/ledgerops/internal/builder"
	"github.com/roach88/ledgerops/internal/bundler"
	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/clock"
	"github.com/roach88/ledgerops/internal/compensation"
	"github.com/roach88/ledgerops/internal/config"
	"github.com/roach88/ledgerops/internal/gateway"
	"github.com/roach88/ledgerops/internal/ir"
	"github.com/roach88/ledgerops/internal/participants"
	"github.com/roach88/ledgerops/internal/retry"
	"github.com/roach88/ledgerops/internal/validate"
)

const tracerName = "github.com/roach88/ledgerops/internal/orchestrator"

var (
	// ErrNilParams is returned by Execute for nil parameters.
	ErrNilParams = errors.New("orchestrator: nil params")

	// ErrMissingDependency is returned by New when a required
	// collaborator is nil.
	ErrMissingDependency = errors.New("orchestrator: missing dependency")
)

// Deps are the external collaborators.
type Deps struct {
	Encoder chain.Encoder
	Signer  chain.Signer
	Ledger  chain.Ledger

	// Atomic is nil on networks without an atomic channel.
	Atomic chain.AtomicChannel

	// Metadata is optional; without it metadata uploads cannot be rolled
	// back automatically.
	Metadata chain.MetadataStore

	Store compensation.Store
}

// Orchestrator executes operations.
type Orchestrator struct {
	cfg         *config.Config
	policies    retry.Policies
	validator   *validate.Validator
	builder     *builder.Builder
	bundler     *bundler.Bundler
	gateway     *gateway.Gateway
	ledger      *compensation.Ledger
	coordinator *participants.Coordinator
	signer      chain.Signer
	status      chain.StatusReader

	ids         IDGenerator
	now         clock.Now
	sleep       clock.Sleeper
	jitter      func(n int64) int64
	observers   []Observer
	observe     Observer
	metrics     *Metrics
	tracer      trace.Tracer
	concurrency int
	logger      *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces config.Default.
func WithConfig(cfg *config.Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithIDGenerator replaces the UUIDv7 operation id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *Orchestrator) { o.ids = g }
}

// WithNow replaces the wall clock used for timestamps.
func WithNow(now clock.Now) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleeper replaces the sleeper used for back-off and polling.
func WithSleeper(s clock.Sleeper) Option {
	return func(o *Orchestrator) { o.sleep = s }
}

// WithJitterSource replaces the random source of back-off jitter.
func WithJitterSource(fn func(n int64) int64) Option {
	return func(o *Orchestrator) { o.jitter = fn }
}

// WithObserver adds an observer. It may be given more than once.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// WithMetrics enables Prometheus collection.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer replaces the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithConcurrency bounds concurrent participant balance checks.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) { o.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New wires an Orchestrator. The compensation ledger resumes from the
// store's highest sequence number.
func New(ctx context.Context, deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Encoder == nil:
		return nil, fmt.Errorf("%w: encoder", ErrMissingDependency)
	case deps.Signer == nil:
		return nil, fmt.Errorf("%w: signer", ErrMissingDependency)
	case deps.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger", ErrMissingDependency)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	}

	o := &Orchestrator{
		cfg:         config.Default(),
		signer:      deps.Signer,
		status:      deps.Ledger,
		ids:         UUIDv7Generator{},
		now:         clock.System,
		sleep:       clock.Sleep,
		tracer:      otel.Tracer(tracerName),
		concurrency: participants.DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: config: %w", err)
	}
	policies, err := o.cfg.RetryPolicies()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: config: %w", err)
	}
	o.policies = policies
	o.observe = fanout(o.observers)

	atomic := deps.Atomic
	if !o.cfg.AtomicChannel {
		atomic = nil
	}

	o.validator = validate.New(deps.Ledger,
		validate.WithLimits(o.cfg.ValidatorLimits()),
		validate.WithLogger(o.logger))
	o.builder = builder.New(deps.Encoder, deps.Ledger,
		builder.WithMaxTransactionSize(o.cfg.Limits.MaxTransactionSize),
		builder.WithTransfersPerGroup(o.cfg.Limits.TransfersPerGroup),
		builder.WithLogger(o.logger))
	o.bundler = bundler.New(deps.Encoder, deps.Signer, deps.Ledger,
		bundler.WithAtomic(atomic != nil),
		bundler.WithLogger(o.logger))
	o.coordinator = participants.New(o.validator, deps.Encoder,
		participants.WithConcurrency(o.concurrency),
		participants.WithLogger(o.logger))

	actions := &chainActions{enc: deps.Encoder, bundler: o.bundler, ledger: deps.Ledger, metadata: deps.Metadata}
	o.ledger, err = compensation.NewLedger(ctx, deps.Store,
		compensation.WithActions(actions),
		compensation.WithNow(o.now),
		compensation.WithRollbackObserver(o.rollbackEntry),
		compensation.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	gwOpts := []gateway.Option{gateway.WithLogger(o.logger)}
	gwOpts = append(gwOpts, o.cfg.GatewayOptions()...)
	gwOpts = append(gwOpts, gateway.WithSleeper(o.sleep), gateway.WithObserver(o.gatewayEvent))
	o.gateway = gateway.New(atomic, deps.Ledger, o.ledger, gwOpts...)
	actions.gateway = o.gateway

	o.logger.Debug("orchestrator ready",
		"network", o.cfg.Network,
		"atomic_channel", atomic != nil,
		"policies", len(o.policies.Kinds()))
	return o, nil
}

// Ledger returns the compensation ledger.
func (o *Orchestrator) Ledger() *compensation.Ledger { return o.ledger }

// AtomicAvailable reports whether operations can use the atomic channel.
func (o *Orchestrator) AtomicAvailable() bool { return o.gateway.AtomicAvailable() }

// Validate checks params without tracking or submitting anything.
func (o *Orchestrator) Validate(ctx context.Context, params ir.Params) (*validate.Result, error) {
	if params == nil {
		return nil, ErrNilParams
	}
	return o.validator.Validate(ctx, ir.NewOperation("", params, o.now()))
}

// Rollback compensates a failed operation. It is idempotent: resolved
// records are replayed from the store, never re-executed.
func (o *Orchestrator) Rollback(ctx context.Context, operationID string) (*compensation.RollbackReport, error) {
	ctx, span := o.tracer.Start(ctx, "ledgerops.rollback",
		trace.WithAttributes(attribute.String("operation.id", operationID)))
	defer span.End()

	before, err := o.ledger.Status(ctx, operationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown operation")
		return nil, fmt.Errorf("rollback %s: %w", operationID, err)
	}
	report, err := o.ledger.Rollback(ctx, operationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rollback failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("rollback.complete", report.Complete),
		attribute.Int("rollback.entries", len(report.Entries)),
		attribute.Int("rollback.manual", len(report.ManualActions)))

	if after, err := o.ledger.Status(ctx, operationID); err == nil && after != before {
		o.observe(Event{Type: EventStatusChanged, OperationID: operationID, Kind: report.Kind, Status: after, Detail: "rollback complete"})
	}
	return report, nil
}

// GetOperationHistory returns the status, checkpoints, change log and
// records of an operation.
func (o *Orchestrator) GetOperationHistory(ctx context.Context, operationID string) (*compensation.History, error) {
	return o.ledger.History(ctx, operationID)
}

func (o *Orchestrator) gatewayEvent(ev gateway.Event) {
	if !ev.Confirmed {
		return
	}
	o.observe(Event{
		Type:        EventGroupConfirmed,
		OperationID: ev.OperationID,
		Method:      ev.Method,
		GroupIndex:  ev.GroupIndex,
		GroupLabel:  ev.GroupLabel,
		TxID:        ev.TxID,
	})
}

func (o *Orchestrator) rollbackEntry(operationID string, e compensation.Entry) {
	state := string(e.State)
	if e.Err != "" {
		state = "failed"
	}
	o.metrics.rollbackEntry(state)
	o.observe(Event{
		Type:        EventRollbackAction,
		OperationID: operationID,
		GroupIndex:  e.GroupIndex,
		GroupLabel:  e.GroupLabel,
		TxID:        e.TxID,
		Resolution:  e.State,
		Detail:      string(e.Action) + ": " + e.Detail,
	})
}
