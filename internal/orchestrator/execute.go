package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/ledgerops/internal/builder"
	"github.com/roach88/ledgerops/internal/bundler"
	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/compensation"
	"github.com/roach88/ledgerops/internal/gateway"
	"github.com/roach88/ledgerops/internal/ir"
	"github.com/roach88/ledgerops/internal/retry"
)

// Checkpoint names written by the orchestrator.
const (
	CheckpointAttemptStarted = "attempt-started"
	CheckpointMethodSwitched = "method-switched"
)

// execution is the state of one Execute call. It lives on the calling
// goroutine only.
type execution struct {
	o      *Orchestrator
	op     *ir.Operation
	res    *OperationResult
	logger *slog.Logger

	// persist carries the caller's values without its cancellation, so
	// the ledger still reflects what happened after an abort.
	persist context.Context

	groups    []ir.InstructionGroup
	landed    map[int]string
	attempted map[int]string
	fee       uint64

	// uncertain holds groups whose last transaction may still land, by
	// group index. They are checked on-chain before anything is re-sent.
	uncertain map[int]string
}

// Execute runs params as a new operation. Business failures are reported
// in the result; the error is reserved for misuse and store failures.
func (o *Orchestrator) Execute(ctx context.Context, params ir.Params) (*OperationResult, error) {
	if params == nil {
		return nil, ErrNilParams
	}
	started := o.now()
	op := ir.NewOperation(o.ids.Generate(), params, started)

	ctx, span := o.tracer.Start(ctx, "ledgerops.execute", trace.WithAttributes(
		attribute.String("operation.id", op.ID),
		attribute.String("operation.kind", string(op.Kind))))
	defer span.End()

	x := &execution{
		o:         o,
		op:        op,
		res:       &OperationResult{OperationID: op.ID, Kind: op.Kind, Status: op.Status, IDs: []string{}},
		logger:    o.logger.With("operation_id", op.ID, "kind", op.Kind),
		persist:   context.WithoutCancel(ctx),
		landed:    map[int]string{},
		attempted: map[int]string{},
		uncertain: map[int]string{},
	}

	if err := o.ledger.TrackOperation(x.persist, op); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "track operation")
		return nil, err
	}
	o.observe(Event{Type: EventOperationStarted, OperationID: op.ID, Kind: op.Kind, Status: op.Status})
	x.logger.Info("operation started")

	res, err := x.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execute")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("operation.status", string(res.Status)),
		attribute.String("operation.method", string(res.Method)),
		attribute.Int("operation.attempts", res.Attempts))
	if !res.Success {
		span.SetStatus(codes.Error, string(res.ErrorKind))
	}
	o.metrics.operation(op.Kind, res.Status, o.now().Sub(started))
	x.logger.Info("operation finished",
		"success", res.Success,
		"status", res.Status,
		"method", res.Method,
		"attempts", res.Attempts,
		"ids", len(res.IDs))
	return res, nil
}

func (x *execution) run(ctx context.Context) (*OperationResult, error) {
	if err := x.transition(ir.StatusValidating, "validating"); err != nil {
		return nil, err
	}
	vres, err := x.o.validator.Validate(ctx, x.op)
	if err != nil {
		return x.abort(classify(ctx, "validate", err))
	}
	if !vres.OK {
		x.res.Violations = vres.Violations
		return x.abort(vres.Err())
	}

	groups, err := x.build(ctx)
	if err != nil {
		return x.abort(classify(ctx, "build", err))
	}
	x.groups = groups
	if err := x.transition(ir.StatusExecuting, fmt.Sprintf("%d groups built", len(groups))); err != nil {
		return nil, err
	}
	if err := x.recordUpload(); err != nil {
		return nil, err
	}

	atomic := x.o.gateway.AtomicAvailable() && bundler.CanBundle(len(groups))
	opts := append(x.o.cfg.RetryOptions(),
		retry.WithSleeper(x.o.sleep),
		retry.WithObserver(x.onTransition),
		retry.WithLogger(x.o.logger))
	if x.o.jitter != nil {
		opts = append(opts, retry.WithJitterSource(x.o.jitter))
	}
	out, runErr := retry.New(x.o.policies, opts...).Run(ctx, x.op.ID, atomic, x.attempt)

	x.res.Attempts = out.Attempts
	x.res.Method = out.Method
	x.res.FellBack = out.FellBack
	x.res.Fee = out.Fee
	x.collect()

	if runErr == nil {
		if err := x.complete(); err != nil {
			return nil, err
		}
		x.res.Success = true
		return x.res, nil
	}
	return x.fail(runErr)
}

// build generates fresh account keys, prepares participant contributions
// and builds the ordered groups.
func (x *execution) build(ctx context.Context) ([]ir.InstructionGroup, error) {
	in := builder.Input{Operation: x.op}
	contributionMint := chain.NativeAsset

	switch p := x.op.Params.(type) {
	case *ir.AssetCreationParams:
		mint, err := x.o.signer.Generate(ctx)
		if err != nil {
			return nil, chain.Wrap(chain.KindSigning, "generate mint key", err)
		}
		in.NewMint = mint
	case *ir.PoolCreationParams:
		if p.Pool == "" {
			pool, err := x.o.signer.Generate(ctx)
			if err != nil {
				return nil, chain.Wrap(chain.KindSigning, "generate pool key", err)
			}
			in.NewPool = pool
		}
		contributionMint = p.Mint
	}

	if parts := ir.ParticipantsOf(x.op.Params); len(parts) > 0 {
		contrib, err := x.o.coordinator.PrepareContributions(ctx, contributionMint, parts, x.op.Params.PrimarySigner())
		if err != nil {
			return nil, err
		}
		in.Fragments = contrib.Fragments
		x.logger.Debug("participant contributions prepared",
			"participants", len(parts),
			"total_native", contrib.TotalNative,
			"total_token", contrib.TotalToken)
	}
	return x.o.builder.Build(ctx, in)
}

// recordUpload tracks metadata uploaded before execution so rollback can
// remove it.
func (x *execution) recordUpload() error {
	p, ok := x.op.Params.(*ir.AssetCreationParams)
	if !ok || !p.MetadataUploaded {
		return nil
	}
	_, err := x.o.ledger.AddRecord(x.persist, x.op.ID, ir.CompensationRecord{
		Action:        ir.ActionMetadataUpload,
		Reversibility: ir.AutoReversible,
		Wallet:        p.Payer,
		Target:        p.Metadata.URI,
		GroupIndex:    -1,
		Detail:        "uploaded before execution",
	})
	return err
}

// attempt is one controller attempt. Groups that already landed on an
// earlier sequential attempt are not resubmitted; everything else is
// re-signed against a fresh blockhash.
func (x *execution) attempt(ctx context.Context, ectx *ir.ExecutionContext) (ir.Method, error) {
	if err := x.reconcile(ctx); err != nil {
		return ir.MethodSequential, err
	}
	pending := make([]ir.InstructionGroup, 0, len(x.groups))
	for _, g := range x.groups {
		if _, ok := x.landed[g.Index]; !ok {
			pending = append(pending, g)
		}
	}
	method := ir.MethodSequential
	if x.o.bundler.Atomic() && !ectx.Fallback && bundler.CanBundle(len(pending)) {
		method = ir.MethodAtomic
	}
	if len(pending) == 0 {
		return method, nil
	}

	ctx, span := x.o.tracer.Start(ctx, "ledgerops.attempt", trace.WithAttributes(
		attribute.Int("attempt", ectx.Attempt),
		attribute.String("method", string(method)),
		attribute.Int("groups", len(pending)),
		attribute.Int64("fee", int64(ectx.Fee))))
	defer span.End()

	prepared, err := x.o.bundler.Bundle(ctx, pending, x.op.Params.PrimarySigner(), ectx)
	if err != nil {
		x.o.metrics.attempt(method, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(chain.KindOf(err)))
		return method, err
	}

	sub := x.o.gateway.Submit(ctx, prepared, ectx)
	for _, tx := range prepared.Transactions {
		if sub.Method == ir.MethodAtomic || slices.Contains(sub.Confirmed, tx.GroupIndex) || tx.GroupIndex == sub.FailedGroup {
			x.attempted[tx.GroupIndex] = tx.ID
		}
	}
	for i, idx := range sub.Confirmed {
		x.landed[idx] = sub.IDs[i]
	}
	if sub.Err != nil && sub.FailedGroup >= 0 && sub.FailedOutcome == ir.OutcomeUnknown {
		x.uncertain[sub.FailedGroup] = sub.FailedTx
	}

	x.o.metrics.attempt(sub.Method, sub.Err)
	if sub.Err != nil {
		span.RecordError(sub.Err)
		span.SetStatus(codes.Error, string(chain.KindOf(sub.Err)))
	}
	return sub.Method, sub.Err
}

// reconcile settles every uncertain group before a re-attempt. A group
// whose transaction confirmed counts as landed; one the ledger reports
// failed or never saw is sent again. A transaction that is still pending
// stops the operation, since re-sending it could apply the group twice.
func (x *execution) reconcile(ctx context.Context) error {
	for _, g := range x.groups {
		txID, ok := x.uncertain[g.Index]
		if !ok {
			continue
		}
		status, err := x.o.status.TransactionStatus(ctx, txID)
		if err != nil {
			if ctx.Err() != nil {
				return chain.Wrap(chain.KindCancelled, "reconcile", ctx.Err())
			}
			return chain.NewError(chain.KindConfirmationTimeout, "reconcile",
				"cannot verify transaction %s of group %s: %v", txID, g.Label, err).With("group", string(g.Label))
		}
		x.logger.Debug("uncertain transaction checked", "group", g.Label, "tx", txID, "status", status)

		switch status {
		case chain.Confirmed:
			delete(x.uncertain, g.Index)
			x.landed[g.Index] = txID
			x.outcome(txID, ir.OutcomeLanded, "verified before retry")
			x.checkpoint(gateway.CheckpointGroupConfirmed, fmt.Sprintf("%d:%s:%s", g.Index, g.Label, txID))
			x.o.observe(Event{
				Type:        EventGroupConfirmed,
				OperationID: x.op.ID,
				Kind:        x.op.Kind,
				Method:      ir.MethodSequential,
				GroupIndex:  g.Index,
				GroupLabel:  g.Label,
				TxID:        txID,
			})
		case chain.Failed, chain.NotFound:
			delete(x.uncertain, g.Index)
			x.outcome(txID, ir.OutcomeFailed, "verified before retry: "+string(status))
		default:
			return chain.NewError(chain.KindConfirmationTimeout, "reconcile",
				"transaction %s of group %s is still %s", txID, g.Label, status).With("group", string(g.Label))
		}
	}
	return nil
}

func (x *execution) outcome(txID string, o ir.Outcome, detail string) {
	if err := x.o.ledger.RecordOutcome(x.persist, x.op.ID, txID, o, detail); err != nil {
		x.logger.Error("failed to record outcome", "tx", txID, "outcome", o, "error", err)
	}
}

// onTransition turns controller transitions into events and checkpoints.
func (x *execution) onTransition(t retry.Transition) {
	o := x.o
	base := Event{OperationID: x.op.ID, Kind: x.op.Kind, Attempt: t.Attempt, Method: t.Method, Fee: t.Fee}
	failed := func() {
		ev := base
		ev.Type = EventAttemptFailed
		ev.ErrorKind = t.Kind
		ev.Delay = t.Delay
		if t.Err != nil {
			ev.Detail = t.Err.Error()
		}
		o.observe(ev)
	}

	switch t.To {
	case retry.StateAttempting:
		if x.fee != 0 && t.Fee > x.fee {
			o.metrics.feeEscalated()
			ev := base
			ev.Type = EventFeeEscalated
			ev.Detail = strconv.FormatUint(x.fee, 10) + " -> " + strconv.FormatUint(t.Fee, 10)
			o.observe(ev)
		}
		x.fee = t.Fee
		ev := base
		ev.Type = EventAttemptStarted
		o.observe(ev)
		x.checkpoint(CheckpointAttemptStarted, fmt.Sprintf("%d:%s:fee=%d", t.Attempt, t.Method, t.Fee))
	case retry.StateRetryWait:
		failed()
	case retry.StateFallingBack:
		failed()
		o.metrics.fallback()
		ev := base
		ev.Type = EventFallingBack
		ev.ErrorKind = t.Kind
		o.observe(ev)
		x.checkpoint(CheckpointMethodSwitched, string(ir.MethodAtomic)+" -> "+string(ir.MethodSequential))
	case retry.StateExhausted:
		if t.From == retry.StateAttempting {
			failed()
		}
	}
}

func (x *execution) checkpoint(name, detail string) {
	if err := x.o.ledger.Checkpoint(x.persist, x.op.ID, name, detail); err != nil {
		x.logger.Error("failed to write checkpoint", "checkpoint", name, "error", err)
	}
}

func (x *execution) transition(to ir.Status, reason string) error {
	if err := x.o.ledger.Transition(x.persist, x.op.ID, to, reason); err != nil {
		return err
	}
	x.changed(to, reason)
	return nil
}

func (x *execution) complete() error {
	if err := x.o.ledger.MarkComplete(x.persist, x.op.ID); err != nil {
		return err
	}
	x.changed(ir.StatusCompleted, compensation.CompletedReason)
	return nil
}

func (x *execution) changed(to ir.Status, reason string) {
	x.res.Status = to
	x.o.observe(Event{Type: EventStatusChanged, OperationID: x.op.ID, Kind: x.op.Kind, Status: to, Detail: reason})
}

// abort ends an operation that never reached submission.
func (x *execution) abort(err error) (*OperationResult, error) {
	x.res.setErr(err)
	to := ir.StatusFailed
	if x.res.ErrorKind == chain.KindCancelled {
		to = ir.StatusCancelled
	}
	if terr := x.transition(to, string(x.res.ErrorKind)); terr != nil {
		return nil, terr
	}
	x.logger.Info("operation aborted", "status", to, "kind", x.res.ErrorKind, "error", err)
	return x.res, nil
}

// fail ends an operation after the controller gave up. An operation that
// left nothing on the ledger is cancelled or simply failed; anything else
// is compensated.
func (x *execution) fail(runErr error) (*OperationResult, error) {
	x.res.setErr(runErr)
	exposed, err := x.o.ledger.Exposed(x.persist, x.op.ID)
	if err != nil {
		return nil, err
	}

	if !exposed && x.res.ErrorKind == chain.KindCancelled {
		if err := x.transition(ir.StatusCancelled, "cancelled before anything landed"); err != nil {
			return nil, err
		}
		return x.res, nil
	}
	if err := x.transition(ir.StatusFailed, string(x.res.ErrorKind)); err != nil {
		return nil, err
	}
	if !exposed && chain.IsPreSubmission(runErr) {
		return x.res, nil
	}

	x.logger.Warn("operation failed, compensating",
		"kind", x.res.ErrorKind,
		"landed", len(x.landed),
		"error", runErr)
	report, err := x.o.Rollback(x.persist, x.op.ID)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", x.op.ID, err)
	}
	x.res.Rollback = report
	x.res.ManualActions = report.ManualActions
	if status, err := x.o.ledger.Status(x.persist, x.op.ID); err == nil {
		x.res.Status = status
	}
	return x.res, nil
}

// collect fills IDs and Groups from what landed and what was attempted.
func (x *execution) collect() {
	x.res.IDs = []string{}
	x.res.Groups = make([]GroupResult, len(x.groups))
	for i, g := range x.groups {
		gr := GroupResult{Index: g.Index, Label: g.Label}
		if id, ok := x.landed[g.Index]; ok {
			gr.Landed, gr.Attempted, gr.TxID = true, true, id
			x.res.IDs = append(x.res.IDs, id)
		} else if id, ok := x.attempted[g.Index]; ok {
			gr.Attempted, gr.TxID = true, id
		}
		x.res.Groups[i] = gr
	}
}

// classify gives unclassified collaborator errors a kind.
func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return chain.Wrap(chain.KindCancelled, op, ctx.Err())
	}
	if chain.KindOf(err) == chain.KindUnknown {
		return chain.Wrap(chain.KindTransportError, op, err)
	}
	return err
}
