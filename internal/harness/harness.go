package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/roach88/ledgerops/internal/chain/simchain"
	"github.com/roach88/ledgerops/internal/config"
	"github.com/roach88/ledgerops/internal/ir"
	"github.com/roach88/ledgerops/internal/orchestrator"
	"github.com/roach88/ledgerops/internal/store"
	"github.com/roach88/ledgerops/internal/testutil"
)

// Option configures a run.
type Option func(*options)

type options struct {
	logger *slog.Logger
	cfg    *config.Config
}

// WithLogger sets the logger handed to the orchestrator. Runs are silent
// by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithConfig replaces config.Default. The scenario's atomic_channel
// setting still applies on top of it.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// runner is the state of one scenario run.
type runner struct {
	sim    *simchain.Chain
	st     *store.Store
	orch   *orchestrator.Orchestrator
	result *Result
	lastOp string

	mu  sync.Mutex
	txs map[string]string
}

// Run executes scenario against a fresh simulated chain and in-memory
// store and evaluates its assertions. The error is reserved for scenarios
// that cannot be set up; failed expectations are reported in the result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.DiscardHandler), cfg: config.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	r := &runner{
		sim:    simchain.New(),
		st:     st,
		result: NewResult(),
		txs:    map[string]string{},
	}
	if err := Setup(r.sim, scenario.Wallets, scenario.Mints, scenario.Chain); err != nil {
		return nil, fmt.Errorf("failed to set up %s: %w", scenario.Name, err)
	}

	cfg := *o.cfg
	if scenario.Chain.AtomicChannel != nil {
		cfg.AtomicChannel = *scenario.Chain.AtomicChannel
	}
	deps := orchestrator.Deps{
		Encoder:  r.sim,
		Signer:   r.sim,
		Ledger:   r.sim,
		Atomic:   r.sim,
		Metadata: r.sim,
		Store:    st,
	}
	if !cfg.AtomicChannel {
		deps.Atomic = nil
	}
	clk := testutil.NewClock(testutil.Epoch, 0)
	r.orch, err = orchestrator.New(ctx, deps,
		orchestrator.WithConfig(&cfg),
		orchestrator.WithIDGenerator(orchestrator.NewSequenceGenerator("op")),
		orchestrator.WithNow(clk.Now),
		orchestrator.WithSleeper(testutil.NewSleeper(clk).Sleep),
		orchestrator.WithJitterSource(func(int64) int64 { return 0 }),
		orchestrator.WithObserver(r.observe),
		orchestrator.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	for i, step := range scenario.Flow {
		r.step(ctx, i, step)
	}

	actx := &AssertionContext{Ctx: ctx, DB: st.DB(), Resolve: r.resolveMap}
	for _, msg := range EvaluateAssertions(r.result, scenario.Assertions, actx) {
		r.result.AddError(msg)
	}
	return r.result, nil
}

func (r *runner) step(ctx context.Context, i int, step FlowStep) {
	switch step.Invoke {
	case InvokeExecute, InvokeValidate:
		r.trace(EventInvoke, Field{"action", step.Invoke}, Field{"kind", step.Kind})
		params, err := r.params(step)
		if err != nil {
			r.result.AddError(fmt.Sprintf("flow[%d]: %v", i, err))
			r.result.Steps = append(r.result.Steps, StepResult{Invoke: step.Invoke, Err: err.Error()})
			return
		}
		if step.Invoke == InvokeExecute {
			r.execute(ctx, i, step, params)
		} else {
			r.validate(ctx, i, step, params)
		}
	case InvokeRollback:
		r.rollback(ctx, i, step)
	}
}

func (r *runner) execute(ctx context.Context, i int, step FlowStep, params ir.Params) {
	res, err := r.orch.Execute(ctx, params)
	if err != nil {
		r.callFailed(i, step, err)
		return
	}
	r.lastOp = res.OperationID
	r.result.Steps = append(r.result.Steps, StepResult{Invoke: step.Invoke, Operation: res})

	fields := []Field{
		{"success", strconv.FormatBool(res.Success)},
		{"status", string(res.Status)},
	}
	if res.Method != "" {
		fields = append(fields, Field{"method", string(res.Method)})
	}
	fields = append(fields,
		Field{"attempts", strconv.Itoa(res.Attempts)},
		Field{"ids", strconv.Itoa(len(res.IDs))})
	if res.ErrorKind != "" {
		fields = append(fields, Field{"kind", string(res.ErrorKind)})
	}
	r.trace(EventResult, fields...)

	for _, msg := range checkOperation(step.Expect, res) {
		r.result.AddError(fmt.Sprintf("flow[%d]: %s", i, msg))
	}
}

func (r *runner) validate(ctx context.Context, i int, step FlowStep, params ir.Params) {
	res, err := r.orch.Validate(ctx, params)
	if err != nil {
		r.callFailed(i, step, err)
		return
	}
	r.result.Steps = append(r.result.Steps, StepResult{Invoke: step.Invoke, Validation: res})
	r.trace(EventResult,
		Field{"ok", strconv.FormatBool(res.OK)},
		Field{"violations", strconv.Itoa(len(res.Violations))})

	for _, msg := range checkValidation(step.Expect, res) {
		r.result.AddError(fmt.Sprintf("flow[%d]: %s", i, msg))
	}
}

func (r *runner) rollback(ctx context.Context, i int, step FlowStep) {
	id := step.Operation
	if id == "" {
		id = r.lastOp
	}
	r.trace(EventInvoke, Field{"action", step.Invoke}, Field{"op", id})
	if id == "" {
		r.callFailed(i, step, errors.New("no operation to roll back"))
		return
	}
	report, err := r.orch.Rollback(ctx, id)
	if err != nil {
		r.callFailed(i, step, err)
		return
	}
	r.result.Steps = append(r.result.Steps, StepResult{Invoke: step.Invoke, Rollback: report})
	r.trace(EventResult,
		Field{"complete", strconv.FormatBool(report.Complete)},
		Field{"entries", strconv.Itoa(len(report.Entries))},
		Field{"manual", strconv.Itoa(len(report.ManualActions))})

	for _, msg := range checkRollback(step.Expect, report) {
		r.result.AddError(fmt.Sprintf("flow[%d]: %s", i, msg))
	}
}

// callFailed handles an error return. It is a failure unless the step
// expects an error.
func (r *runner) callFailed(i int, step FlowStep, err error) {
	r.result.Steps = append(r.result.Steps, StepResult{Invoke: step.Invoke, Err: err.Error()})
	r.trace(EventResult, Field{"error", err.Error()})
	if step.Expect != nil && step.Expect.Error != "" {
		if !strings.Contains(err.Error(), step.Expect.Error) {
			r.result.AddError(fmt.Sprintf("flow[%d]: error: expected %q in %q", i, step.Expect.Error, err.Error()))
		}
		return
	}
	r.result.AddError(fmt.Sprintf("flow[%d]: %s failed: %v", i, step.Invoke, err))
}

// params resolves $references and decodes the step's parameters.
func (r *runner) params(step FlowStep) (ir.Params, error) {
	return DecodeParams(r.sim, step.Kind, step.Params)
}

func (r *runner) resolveMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	v, err := Resolve(r.sim, m)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// trace appends a harness event.
func (r *runner) trace(typ string, fields ...Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Trace = append(r.result.Trace, TraceEvent{Seq: len(r.result.Trace) + 1, Type: typ, Fields: fields})
}

// observe turns an orchestrator event into a trace event.
func (r *runner) observe(ev orchestrator.Event) {
	fields := []Field{{"op", ev.OperationID}}
	switch ev.Type {
	case orchestrator.EventOperationStarted:
		fields = append(fields, Field{"kind", string(ev.Kind)})
	case orchestrator.EventStatusChanged:
		fields = append(fields, Field{"status", string(ev.Status)}, Field{"detail", ev.Detail})
	case orchestrator.EventAttemptStarted:
		fields = append(fields,
			Field{"attempt", strconv.Itoa(ev.Attempt)},
			Field{"method", string(ev.Method)},
			Field{"fee", strconv.FormatUint(ev.Fee, 10)})
	case orchestrator.EventAttemptFailed:
		fields = append(fields,
			Field{"attempt", strconv.Itoa(ev.Attempt)},
			Field{"method", string(ev.Method)},
			Field{"kind", string(ev.ErrorKind)})
		if ev.Delay > 0 {
			fields = append(fields, Field{"delay", ev.Delay.String()})
		}
	case orchestrator.EventFeeEscalated:
		fields = append(fields, Field{"attempt", strconv.Itoa(ev.Attempt)}, Field{"detail", ev.Detail})
	case orchestrator.EventFallingBack:
		fields = append(fields, Field{"attempt", strconv.Itoa(ev.Attempt)}, Field{"kind", string(ev.ErrorKind)})
	case orchestrator.EventGroupConfirmed:
		fields = append(fields,
			Field{"method", string(ev.Method)},
			Field{"group", strconv.Itoa(ev.GroupIndex)},
			Field{"label", string(ev.GroupLabel)},
			Field{"tx", r.txName(ev.TxID)})
	case orchestrator.EventRollbackAction:
		fields = append(fields, Field{"group", strconv.Itoa(ev.GroupIndex)})
		if ev.GroupLabel != "" {
			fields = append(fields, Field{"label", string(ev.GroupLabel)})
		}
		action, _, _ := strings.Cut(ev.Detail, ": ")
		fields = append(fields, Field{"resolution", string(ev.Resolution)}, Field{"action", action})
	}
	r.trace(string(ev.Type), fields...)
}

// txName maps a transaction id to tx1, tx2, ... by first appearance.
func (r *runner) txName(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.txs[id]; ok {
		return name
	}
	name := "tx" + strconv.Itoa(len(r.txs)+1)
	r.txs[id] = name
	return name
}
