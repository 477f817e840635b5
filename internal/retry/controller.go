// Package retry decides, for each failed attempt, whether to wait and try
// again, escalate the priority fee, fall back from the atomic channel to
// sequential submission, or give up.
//
// The controller is a small state machine:
//
//	idle -> attempting -> succeeded
//	attempting -> retry-wait -> attempting
//	attempting -> falling-back -> attempting
//	attempting -> exhausted
//
// The number of attempts per path is bounded by the error kind's policy
// and the total number of re-attempts by a global budget.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/clock"
	"github.com/roach88/ledgerops/internal/ir"
)

// State is a controller state.
type State string

const (
	StateIdle        State = "idle"
	StateAttempting  State = "attempting"
	StateSucceeded   State = "succeeded"
	StateRetryWait   State = "retry-wait"
	StateFallingBack State = "falling-back"
	StateExhausted   State = "exhausted"
)

// Defaults used by New.
const (
	DefaultMaxGlobalRetries = 10
	DefaultBaseFee          = 10_000
	DefaultMaxFee           = 1_000_000
	DefaultMaxDelay         = 30 * time.Second
)

// Transition is reported to the observer on every state change.
type Transition struct {
	OperationID string
	From        State
	To          State
	Attempt     int
	Method      ir.Method
	Kind        chain.Kind
	Delay       time.Duration
	Fee         uint64
	Err         error
}

// AttemptFunc performs one attempt with the given context and reports the
// path it actually used. Prepare may choose sequential submission even
// when the context directs atomic, so the method is returned explicitly.
type AttemptFunc func(ctx context.Context, ectx *ir.ExecutionContext) (ir.Method, error)

// Outcome summarises a controller run.
type Outcome struct {
	State    State
	Attempts int
	Method   ir.Method
	FellBack bool
	Fee      uint64

	// LastErr is the error of the final attempt. It is set whenever State
	// is StateExhausted.
	LastErr error

	// Err explains why the run stopped. It is LastErr unless the budget was
	// exceeded or the context was cancelled during back-off.
	Err error
}

// Controller drives retries for one operation at a time. It holds no
// per-operation state and is safe for concurrent use.
type Controller struct {
	policies         Policies
	maxGlobalRetries int
	baseFee          uint64
	maxFee           uint64
	maxDelay         time.Duration
	sleep            clock.Sleeper
	jitter           func(n int64) int64
	observe          func(Transition)
	logger           *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxGlobalRetries caps the re-attempts of one operation across all
// kinds and both paths.
func WithMaxGlobalRetries(n int) Option {
	return func(c *Controller) { c.maxGlobalRetries = n }
}

// WithFees sets the starting fee and the escalation ceiling.
func WithFees(base, max uint64) Option {
	return func(c *Controller) {
		c.baseFee = base
		c.maxFee = max
	}
}

// WithMaxDelay caps a single back-off delay.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Controller) { c.maxDelay = d }
}

// WithSleeper replaces clock.Sleep.
func WithSleeper(s clock.Sleeper) Option {
	return func(c *Controller) { c.sleep = s }
}

// WithJitterSource replaces the random source used for jitter. fn must
// return a value in [0, n).
func WithJitterSource(fn func(n int64) int64) Option {
	return func(c *Controller) { c.jitter = fn }
}

// WithObserver receives every state transition.
func WithObserver(fn func(Transition)) Option {
	return func(c *Controller) { c.observe = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a controller with the given policy table.
func New(policies Policies, opts ...Option) *Controller {
	c := &Controller{
		policies:         policies,
		maxGlobalRetries: DefaultMaxGlobalRetries,
		baseFee:          DefaultBaseFee,
		maxFee:           DefaultMaxFee,
		maxDelay:         DefaultMaxDelay,
		sleep:            clock.Sleep,
		jitter:           rand.Int64N,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxFee < c.baseFee {
		c.maxFee = c.baseFee
	}
	return c
}

// Policies returns the controller's policy table.
func (c *Controller) Policies() Policies {
	return c.policies
}

// Run executes fn until it succeeds or the controller gives up. When
// atomic is false the first attempt is already directed at the sequential
// path and fallback is never offered. The returned error is nil only on
// success.
func (c *Controller) Run(ctx context.Context, operationID string, atomic bool, fn AttemptFunc) (*Outcome, error) {
	ectx := &ir.ExecutionContext{
		OperationID: operationID,
		Fee:         c.baseFee,
		Fallback:    !atomic,
	}
	budget := NewBudget(c.maxGlobalRetries)
	out := &Outcome{State: StateIdle}
	state := StateIdle

	move := func(to State, t Transition) {
		t.OperationID = operationID
		t.From = state
		t.To = to
		t.Attempt = ectx.Attempt
		t.Fee = ectx.Fee
		state = to
		if c.observe != nil {
			c.observe(t)
		}
	}
	finish := func(to State, lastErr, err error) (*Outcome, error) {
		move(to, Transition{Method: out.Method, Kind: chain.KindOf(lastErr), Err: err})
		out.State = to
		out.Fee = ectx.Fee
		out.LastErr = lastErr
		out.Err = err
		return out, err
	}

	for {
		if err := ctx.Err(); err != nil {
			cerr := chain.Wrap(chain.KindCancelled, "retry", err)
			if out.LastErr == nil {
				return finish(StateExhausted, cerr, cerr)
			}
			return finish(StateExhausted, out.LastErr, cerr)
		}

		ectx.Attempt++
		move(StateAttempting, Transition{Method: ectx.Method()})
		method, err := fn(ctx, ectx)
		out.Attempts++
		out.Method = method
		if err == nil {
			return finish(StateSucceeded, nil, nil)
		}
		out.LastErr = err
		kind := chain.KindOf(err)

		c.logger.Debug("attempt failed",
			"operation_id", operationID,
			"attempt", ectx.Attempt,
			"method", method,
			"kind", kind,
			"error", err)

		if kind == chain.KindCancelled {
			return finish(StateExhausted, err, err)
		}

		if policy, ok := c.policies.Lookup(kind); ok && ectx.Attempt < policy.MaxRetries {
			if berr := budget.Check(operationID); berr != nil {
				return finish(StateExhausted, err, fmt.Errorf("%w: %w", berr, err))
			}
			delay := c.Delay(policy, ectx.Attempt)
			move(StateRetryWait, Transition{Method: method, Kind: kind, Delay: delay, Err: err})
			if policy.EscalateFee {
				c.escalate(ectx, policy)
			}
			if serr := c.sleep(ctx, delay); serr != nil {
				return finish(StateExhausted, err, chain.Wrap(chain.KindCancelled, "retry", serr))
			}
			continue
		}

		if c.canFallBack(ectx, method, kind) {
			if berr := budget.Check(operationID); berr != nil {
				return finish(StateExhausted, err, fmt.Errorf("%w: %w", berr, err))
			}
			move(StateFallingBack, Transition{Method: method, Kind: kind, Err: err})
			c.logger.Info("falling back to sequential submission",
				"operation_id", operationID,
				"kind", kind,
				"attempts", ectx.Attempt)
			ectx.Fallback = true
			ectx.Attempt = 0
			out.FellBack = true
			continue
		}

		return finish(StateExhausted, err, err)
	}
}

// canFallBack reports whether a failure on method permits switching to
// sequential submission. Only atomic-path and transient network kinds do;
// a transaction that fails simulation would fail the same way on its own.
func (c *Controller) canFallBack(ectx *ir.ExecutionContext, method ir.Method, kind chain.Kind) bool {
	if ectx.Fallback || method != ir.MethodAtomic {
		return false
	}
	switch {
	case kind.AtomicPath():
		return true
	case kind == chain.KindTransportError, kind == chain.KindNetworkCongestion:
		return true
	}
	return false
}

// Delay returns the back-off before the attempt following attempt:
// base * multiplier^(attempt-1), capped at the maximum delay, plus uniform
// jitter in [0, delay) when the policy asks for it.
func (c *Controller) Delay(p Policy, attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	exp := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(max(attempt-1, 0)))
	delay := c.maxDelay
	if exp < float64(c.maxDelay) {
		delay = time.Duration(exp)
	}
	if p.Jitter && delay > 0 {
		delay += time.Duration(c.jitter(int64(delay)))
	}
	return delay
}

// escalate raises the context fee by the policy multiplier, rounding up,
// never exceeding the configured ceiling and never lowering it.
func (c *Controller) escalate(ectx *ir.ExecutionContext, p Policy) {
	next := EscalateFee(ectx.Fee, p.FeeMultiplier, c.baseFee, c.maxFee)
	if ectx.RaiseFee(next) {
		c.logger.Debug("priority fee escalated",
			"operation_id", ectx.OperationID,
			"fee", next)
	}
}

// EscalateFee returns ceil(fee * multiplier) bounded by maxFee. A zero fee
// starts from floor. The result is never below fee.
func EscalateFee(fee uint64, multiplier float64, floor, maxFee uint64) uint64 {
	if fee == 0 {
		fee = floor
	}
	next := decimal.NewFromUint64(fee).Mul(decimal.NewFromFloat(multiplier)).Ceil()
	if next.GreaterThan(decimal.NewFromUint64(maxFee)) {
		return max(fee, maxFee)
	}
	n := next.BigInt()
	if !n.IsUint64() {
		return max(fee, maxFee)
	}
	return max(fee, n.Uint64())
}
