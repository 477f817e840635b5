package orchestrator

import (
	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/compensation"
	"github.com/roach88/ledgerops/internal/ir"
	"github.com/roach88/ledgerops/internal/validate"
)

// GroupResult is what happened to one instruction group.
type GroupResult struct {
	Index     int           `json:"index"`
	Label     ir.GroupLabel `json:"label"`
	Attempted bool          `json:"attempted"`
	Landed    bool          `json:"landed"`

	// TxID is the landed transaction, or the last one attempted.
	TxID string `json:"tx_id,omitempty"`
}

// OperationResult is the outcome of Execute.
type OperationResult struct {
	OperationID string           `json:"operation_id"`
	Kind        ir.OperationKind `json:"kind"`
	Success     bool             `json:"success"`
	Status      ir.Status        `json:"status"`
	Method      ir.Method        `json:"method,omitempty"`

	// IDs are the landed transaction ids in group order. On a partial
	// sequential failure they are the groups that did land.
	IDs      []string      `json:"ids"`
	Groups   []GroupResult `json:"groups,omitempty"`
	Attempts int           `json:"attempts"`
	FellBack bool          `json:"fell_back,omitempty"`
	Fee      uint64        `json:"fee,omitempty"`

	Err       error      `json:"-"`
	Error     string     `json:"error,omitempty"`
	ErrorKind chain.Kind `json:"error_kind,omitempty"`

	Violations    []validate.Violation         `json:"violations,omitempty"`
	Rollback      *compensation.RollbackReport `json:"rollback,omitempty"`
	ManualActions []compensation.ManualAction  `json:"manual_actions,omitempty"`
}

func (r *OperationResult) setErr(err error) {
	r.Err = err
	r.ErrorKind = chain.KindOf(err)
	if err != nil {
		r.Error = err.Error()
	}
}
