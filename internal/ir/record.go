package ir

import "time"

// ActionType classifies the side effect a CompensationRecord tracks.
type ActionType string

const (
	ActionMetadataUpload     ActionType = "metadata-upload"
	ActionAccountCreated     ActionType = "account-created"
	ActionMetadataRegister   ActionType = "metadata-registered"
	ActionMint               ActionType = "mint"
	ActionTransfer           ActionType = "transfer"
	ActionLiquidityMoved     ActionType = "liquidity-moved"
	ActionMetadataUpdated    ActionType = "metadata-updated"
	ActionAuthorityRevoked   ActionType = "authority-revoked"
	ActionTransactionAttempt ActionType = "transaction-attempt"
)

// Reversibility tags how a side effect can be undone.
type Reversibility string

const (
	AutoReversible       Reversibility = "auto-reversible"
	RequiresManualAction Reversibility = "requires-manual-action"
	NoActionNeeded       Reversibility = "no-action-needed"
)

// CompensationRecord is one tracked side effect. Records are appended
// during building and submission and never rewritten afterwards.
type CompensationRecord struct {
	ID            string        `json:"id"`
	OperationID   string        `json:"operation_id"`
	Seq           int64         `json:"seq"`
	Action        ActionType    `json:"action"`
	Reversibility Reversibility `json:"reversibility"`
	Wallet        string        `json:"wallet,omitempty"`
	Target        string        `json:"target,omitempty"`
	Asset         string        `json:"asset,omitempty"`
	Amount        uint64        `json:"amount,omitempty"`
	TxID          string        `json:"tx_id,omitempty"`
	GroupIndex    int           `json:"group_index"`
	GroupLabel    GroupLabel    `json:"group_label,omitempty"`
	Method        Method        `json:"method,omitempty"`
	Participant   bool          `json:"participant,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Outcome is what is known about whether a transaction landed.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeLanded  Outcome = "landed"
	OutcomeFailed  Outcome = "failed"
	OutcomeUnknown Outcome = "unknown"
)

// OutcomeEntry is an appended observation about a transaction.
type OutcomeEntry struct {
	OperationID string    `json:"operation_id"`
	TxID        string    `json:"tx_id"`
	Outcome     Outcome   `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	Seq         int64     `json:"seq"`
	At          time.Time `json:"at"`
}

// ResolutionState is the result of processing a record during rollback.
type ResolutionState string

const (
	ResolutionCompensated ResolutionState = "compensated"
	ResolutionManual      ResolutionState = "manual"
	ResolutionSkipped     ResolutionState = "skipped"
)

// Resolution marks a record as handled by rollback. At most one resolution
// exists per record.
type Resolution struct {
	RecordID    string          `json:"record_id"`
	OperationID string          `json:"operation_id"`
	State       ResolutionState `json:"state"`
	Detail      string          `json:"detail,omitempty"`
	TxID        string          `json:"tx_id,omitempty"`
	Seq         int64           `json:"seq"`
	At          time.Time       `json:"at"`
}

// Checkpoint is a notable point in an operation's execution.
type Checkpoint struct {
	OperationID string    `json:"operation_id"`
	Name        string    `json:"name"`
	Detail      string    `json:"detail,omitempty"`
	Seq         int64     `json:"seq"`
	At          time.Time `json:"at"`
}

// StatusChange is one entry of an operation's change log.
type StatusChange struct {
	OperationID string    `json:"operation_id"`
	From        Status    `json:"from"`
	To          Status    `json:"to"`
	Reason      string    `json:"reason,omitempty"`
	Seq         int64     `json:"seq"`
	At          time.Time `json:"at"`
}
