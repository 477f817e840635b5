// Package gateway submits prepared attempts through the atomic channel or,
// when directed or when no atomic channel exists, one transaction at a
// time through the standard channel.
//
// Every transaction is written to the compensation ledger before it
// reaches the network, so a crash mid-call still leaves an auditable
// record of what may have landed.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/roach88/ledgerops/internal/bundler"
	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/clock"
	"github.com/roach88/ledgerops/internal/ir"
)

// Recorder receives write-ahead records and observed outcomes.
type Recorder interface {
	AddRecord(ctx context.Context, operationID string, rec ir.CompensationRecord) (ir.CompensationRecord, error)
	RecordOutcome(ctx context.Context, operationID, txID string, outcome ir.Outcome, detail string) error
	Checkpoint(ctx context.Context, operationID, name, detail string) error
}

// Checkpoint names written by the gateway.
const (
	CheckpointBundleLanded   = "bundle-landed"
	CheckpointGroupConfirmed = "group-confirmed"
)

// Result is the uniform answer of one submission.
type Result struct {
	Success bool
	Method  ir.Method

	// IDs are the confirmed transaction ids in group order.
	IDs []string

	// Confirmed holds the group indexes that landed, in order.
	Confirmed []int

	// FailedGroup is the index of the group that failed, or -1.
	FailedGroup int
	FailedTx    string

	// FailedOutcome is what is known about FailedTx. OutcomeUnknown means
	// it may still land and must be checked before it is re-sent.
	FailedOutcome ir.Outcome

	// Skipped holds the group indexes never attempted.
	Skipped []int

	Err error
}

// Event reports gateway progress to an observer.
type Event struct {
	OperationID string
	Method      ir.Method
	GroupIndex  int
	GroupLabel  ir.GroupLabel
	TxID        string
	Confirmed   bool
}

// BreakerSettings configures the atomic-channel circuit breaker.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

// DefaultBreakerSettings trips after five consecutive channel failures.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second, HalfOpenRequests: 1}
}

// Gateway submits prepared attempts.
type Gateway struct {
	atomic       chain.AtomicChannel
	standard     chain.StandardChannel
	recorder     Recorder
	breaker      *gobreaker.CircuitBreaker
	limiter      *rate.Limiter
	maxPolls     int
	pollInterval time.Duration
	sleep        clock.Sleeper
	onEvent      func(Event)
	logger       *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPolling sets the confirmation poll ceiling and interval.
func WithPolling(maxPolls int, interval time.Duration) Option {
	return func(g *Gateway) {
		g.maxPolls = maxPolls
		g.pollInterval = interval
	}
}

// WithRateLimit limits standard-channel submissions to rps with burst.
// A non-positive rps removes the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(g *Gateway) {
		if rps <= 0 {
			g.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithBreaker replaces DefaultBreakerSettings.
func WithBreaker(s BreakerSettings) Option {
	return func(g *Gateway) { g.breaker = newBreaker(s, g.logger) }
}

// WithSleeper replaces clock.Sleep between confirmation polls.
func WithSleeper(s clock.Sleeper) Option {
	return func(g *Gateway) { g.sleep = s }
}

// WithObserver receives an Event for every submitted and confirmed
// transaction.
func WithObserver(fn func(Event)) Option {
	return func(g *Gateway) { g.onEvent = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New creates a Gateway. atomic may be nil on networks without an atomic
// channel.
func New(atomic chain.AtomicChannel, standard chain.StandardChannel, recorder Recorder, opts ...Option) *Gateway {
	g := &Gateway{
		atomic:       atomic,
		standard:     standard,
		recorder:     recorder,
		limiter:      rate.NewLimiter(rate.Inf, 0),
		maxPolls:     30,
		pollInterval: 500 * time.Millisecond,
		sleep:        clock.Sleep,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = newBreaker(DefaultBreakerSettings(), g.logger)
	}
	return g
}

func newBreaker(s BreakerSettings, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "atomic-channel",
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		// A channel that answers, even with a rejection, is healthy.
		IsSuccessful: func(err error) bool {
			switch chain.KindOf(err) {
			case "", chain.KindBundleRejected, chain.KindNoAtomicSlot, chain.KindSimulationFailed, chain.KindCancelled:
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	})
}

// AtomicAvailable reports whether an atomic channel is configured.
func (g *Gateway) AtomicAvailable() bool { return g.atomic != nil }

// BreakerState returns the atomic-channel breaker state.
func (g *Gateway) BreakerState() string { return g.breaker.State().String() }

// Submit sends p. A prepared attempt with a Bundle goes to the atomic
// channel; anything else goes sequentially in group order.
func (g *Gateway) Submit(ctx context.Context, p *bundler.Prepared, ectx *ir.ExecutionContext) *Result {
	if p.Bundle != nil && g.atomic != nil {
		return g.submitBundle(ctx, p, ectx)
	}
	return g.submitSequential(ctx, p, ectx)
}

func (g *Gateway) emit(ev Event) {
	if g.onEvent != nil {
		g.onEvent(ev)
	}
}

// writeAhead records the attempt and every effect of tx's group.
func (g *Gateway) writeAhead(ctx context.Context, ectx *ir.ExecutionContext, tx ir.Transaction, group ir.InstructionGroup, method ir.Method) error {
	base := ir.CompensationRecord{
		TxID:       tx.ID,
		GroupIndex: group.Index,
		GroupLabel: group.Label,
		Method:     method,
	}
	attempt := base
	attempt.Action = ir.ActionTransactionAttempt
	attempt.Reversibility = ir.NoActionNeeded
	attempt.Target = tx.ID
	attempt.Detail = "attempt " + strconv.Itoa(ectx.Attempt)
	if _, err := g.recorder.AddRecord(ctx, ectx.OperationID, attempt); err != nil {
		return fmt.Errorf("gateway: write-ahead %s: %w", tx.ID, err)
	}
	for _, eff := range group.Effects {
		rec := base
		rec.Action = eff.Action
		rec.Reversibility = eff.Reversibility
		rec.Wallet = eff.Wallet
		rec.Target = eff.Target
		rec.Asset = eff.Asset
		rec.Amount = eff.Amount
		rec.Participant = eff.Participant
		rec.Detail = eff.Detail
		if _, err := g.recorder.AddRecord(ctx, ectx.OperationID, rec); err != nil {
			return fmt.Errorf("gateway: write-ahead %s: %w", tx.ID, err)
		}
	}
	return g.recorder.RecordOutcome(ctx, ectx.OperationID, tx.ID, ir.OutcomePending, string(method))
}

// outcome records an observation. It is written even after the caller
// cancels, since the ledger must reflect what may have landed.
func (g *Gateway) outcome(ctx context.Context, opID, txID string, o ir.Outcome, detail string) {
	if err := g.recorder.RecordOutcome(context.WithoutCancel(ctx), opID, txID, o, detail); err != nil {
		g.logger.Error("failed to record outcome", "operation_id", opID, "tx", txID, "outcome", o, "error", err)
	}
}

func (g *Gateway) submitBundle(ctx context.Context, p *bundler.Prepared, ectx *ir.ExecutionContext) *Result {
	res := &Result{Method: ir.MethodAtomic, FailedGroup: -1}
	for i, tx := range p.Bundle.Transactions {
		if err := g.writeAhead(ctx, ectx, tx, p.Groups[i], ir.MethodAtomic); err != nil {
			res.Err = err
			return res
		}
	}

	_, err := g.breaker.Execute(func() (any, error) {
		receipt, err := g.atomic.SubmitBundle(ctx, p.Bundle.Transactions)
		if err != nil {
			return nil, classifyAtomic(ctx, err)
		}
		if !receipt.Accepted {
			return nil, chain.NewError(chain.KindBundleRejected, "submit bundle", "bundle %s not accepted", p.Bundle.ID)
		}
		return receipt, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &chain.Error{Kind: chain.KindAtomicChannelUnavailable, Op: "submit bundle", Message: "circuit breaker open", Err: err}
		}
		// A rejected bundle landed nothing; a cancelled call is unknown.
		outcome := ir.OutcomeFailed
		if chain.KindOf(err) == chain.KindCancelled {
			outcome = ir.OutcomeUnknown
		}
		for _, tx := range p.Bundle.Transactions {
			g.outcome(ctx, ectx.OperationID, tx.ID, outcome, string(chain.KindOf(err)))
		}
		g.logger.Info("bundle failed",
			"operation_id", ectx.OperationID,
			"attempt", ectx.Attempt,
			"bundle", p.Bundle.ID,
			"kind", chain.KindOf(err))
		res.Err = err
		for _, tx := range p.Bundle.Transactions {
			res.Skipped = append(res.Skipped, tx.GroupIndex)
		}
		return res
	}

	for _, tx := range p.Bundle.Transactions {
		g.outcome(ctx, ectx.OperationID, tx.ID, ir.OutcomeLanded, "bundle "+p.Bundle.ID)
		res.IDs = append(res.IDs, tx.ID)
		res.Confirmed = append(res.Confirmed, tx.GroupIndex)
		g.emit(Event{OperationID: ectx.OperationID, Method: ir.MethodAtomic, GroupIndex: tx.GroupIndex, GroupLabel: tx.GroupLabel, TxID: tx.ID, Confirmed: true})
	}
	if err := g.recorder.Checkpoint(context.WithoutCancel(ctx), ectx.OperationID, CheckpointBundleLanded, p.Bundle.ID); err != nil {
		g.logger.Error("failed to write checkpoint", "operation_id", ectx.OperationID, "error", err)
	}
	res.Success = true
	g.logger.Info("bundle landed", "operation_id", ectx.OperationID, "bundle", p.Bundle.ID, "transactions", len(res.IDs))
	return res
}

// classifyAtomic maps an unclassified atomic-channel error to
// AtomicChannelUnavailable.
func classifyAtomic(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if chain.KindOf(err) == chain.KindUnknown {
		return chain.Wrap(chain.KindAtomicChannelUnavailable, "submit bundle", err)
	}
	return err
}

// classifyStandard maps an unclassified standard-channel error to
// TransportError.
func classifyStandard(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if chain.KindOf(err) == chain.KindUnknown {
		return chain.Wrap(chain.KindTransportError, op, err)
	}
	return err
}

func (g *Gateway) submitSequential(ctx context.Context, p *bundler.Prepared, ectx *ir.ExecutionContext) *Result {
	res := &Result{Method: ir.MethodSequential, FailedGroup: -1}
	for i, tx := range p.Transactions {
		outcome, err := g.submitOne(ctx, ectx, tx, p.Groups[i])
		if err != nil {
			res.Err = err
			rest := p.Transactions[i+1:]
			if outcome != "" {
				res.FailedGroup = tx.GroupIndex
				res.FailedTx = tx.ID
				res.FailedOutcome = outcome
			} else {
				rest = p.Transactions[i:]
			}
			for _, r := range rest {
				res.Skipped = append(res.Skipped, r.GroupIndex)
			}
			g.logger.Info("sequential submission stopped",
				"operation_id", ectx.OperationID,
				"attempt", ectx.Attempt,
				"group", tx.GroupLabel,
				"index", tx.GroupIndex,
				"confirmed", len(res.Confirmed),
				"kind", chain.KindOf(err))
			return res
		}
		res.IDs = append(res.IDs, tx.ID)
		res.Confirmed = append(res.Confirmed, tx.GroupIndex)
	}
	res.Success = true
	return res
}

// withGroup tags a classified error with the group label.
func withGroup(err error, label ir.GroupLabel) error {
	var ce *chain.Error
	if errors.As(err, &ce) {
		return ce.With("group", string(label))
	}
	return err
}

// submitOne sends tx and waits for its confirmation. On failure the
// returned outcome is empty when the transaction never reached the channel.
func (g *Gateway) submitOne(ctx context.Context, ectx *ir.ExecutionContext, tx ir.Transaction, group ir.InstructionGroup) (ir.Outcome, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", chain.Wrap(chain.KindTransportError, "rate limit", err)
	}
	if err := g.writeAhead(ctx, ectx, tx, group, ir.MethodSequential); err != nil {
		return "", err
	}

	id, err := g.standard.SubmitOne(ctx, tx)
	if err != nil {
		err = classifyStandard(ctx, "submit one", err)
		outcome := submitOutcome(chain.KindOf(err))
		g.outcome(ctx, ectx.OperationID, tx.ID, outcome, string(chain.KindOf(err)))
		return outcome, withGroup(err, tx.GroupLabel)
	}
	if id == "" {
		id = tx.ID
	}
	g.emit(Event{OperationID: ectx.OperationID, Method: ir.MethodSequential, GroupIndex: tx.GroupIndex, GroupLabel: tx.GroupLabel, TxID: id})

	status, err := g.AwaitConfirmation(ctx, id)
	switch {
	case err != nil:
		// Timeouts and cancellations leave the outcome unknown.
		g.outcome(ctx, ectx.OperationID, tx.ID, ir.OutcomeUnknown, string(chain.KindOf(err)))
		return ir.OutcomeUnknown, withGroup(err, tx.GroupLabel)
	case status == chain.Failed:
		g.outcome(ctx, ectx.OperationID, tx.ID, ir.OutcomeFailed, "failed on-chain")
		return ir.OutcomeFailed, chain.NewError(chain.KindProgramError, "confirm", "transaction %s failed on-chain", id).With("group", string(tx.GroupLabel))
	}

	g.outcome(ctx, ectx.OperationID, tx.ID, ir.OutcomeLanded, "confirmed")
	if err := g.recorder.Checkpoint(context.WithoutCancel(ctx), ectx.OperationID, CheckpointGroupConfirmed, fmt.Sprintf("%d:%s:%s", tx.GroupIndex, tx.GroupLabel, id)); err != nil {
		g.logger.Error("failed to write checkpoint", "operation_id", ectx.OperationID, "error", err)
	}
	g.emit(Event{OperationID: ectx.OperationID, Method: ir.MethodSequential, GroupIndex: tx.GroupIndex, GroupLabel: tx.GroupLabel, TxID: id, Confirmed: true})
	g.logger.Debug("transaction confirmed", "operation_id", ectx.OperationID, "group", tx.GroupLabel, "tx", id)
	return ir.OutcomeLanded, nil
}

// submitOutcome is what a failed SubmitOne says about the transaction.
// Only an explicit refusal by the node proves it was not accepted; a
// broken connection or an abort may have delivered it.
func submitOutcome(kind chain.Kind) ir.Outcome {
	switch kind {
	case chain.KindNetworkCongestion, chain.KindSimulationFailed, chain.KindProgramError,
		chain.KindAccountNotFound, chain.KindValidation, chain.KindSigning:
		return ir.OutcomeFailed
	}
	return ir.OutcomeUnknown
}

// AwaitConfirmation polls id until it is confirmed or failed, at most
// maxPolls times. Exhausting the polls is a ConfirmationTimeout.
func (g *Gateway) AwaitConfirmation(ctx context.Context, id string) (chain.Confirmation, error) {
	for poll := 1; poll <= g.maxPolls; poll++ {
		status, err := g.standard.PollConfirmation(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			g.logger.Debug("confirmation poll failed", "tx", id, "poll", poll, "error", err)
		} else if status == chain.Confirmed || status == chain.Failed {
			return status, nil
		}
		if poll < g.maxPolls {
			if err := g.sleep(ctx, g.pollInterval); err != nil {
				return "", err
			}
		}
	}
	return "", chain.NewError(chain.KindConfirmationTimeout, "confirm", "no confirmation for %s after %d polls", id, g.maxPolls).With("tx", id)
}
