package ir

import (
	"errors"
	"fmt"
)

// OperationKind identifies the kind of client intent an Operation carries.
type OperationKind string

const (
	KindAssetCreation   OperationKind = "asset-creation"
	KindDistribution    OperationKind = "distribution"
	KindPoolCreation    OperationKind = "pool-creation"
	KindMetadataUpdate  OperationKind = "metadata-update"
	KindAuthorityRevoke OperationKind = "authority-revoke"
)

// Kinds lists every known operation kind in declaration order.
var Kinds = []OperationKind{
	KindAssetCreation,
	KindDistribution,
	KindPoolCreation,
	KindMetadataUpdate,
	KindAuthorityRevoke,
}

// Valid reports whether k is one of the known kinds.
func (k OperationKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of an Operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusValidating Status = "validating"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
	StatusCancelled  Status = "cancelled"
)

// transitions lists the allowed successor states for each status.
// Everything moves strictly forward; failed -> rolled_back is the only
// transition out of a terminal-looking state.
var transitions = map[Status][]Status{
	StatusPending:    {StatusValidating, StatusCancelled},
	StatusValidating: {StatusExecuting, StatusFailed, StatusCancelled},
	StatusExecuting:  {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusRolledBack},
}

// ErrIllegalTransition is returned when a status change would move an
// operation backwards or out of a terminal state.
var ErrIllegalTransition = errors.New("illegal status transition")

// CanTransition reports whether from -> to is an allowed status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a wrapped ErrIllegalTransition if from -> to is
// not allowed.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Terminal reports whether no further transitions are expected from s.
// StatusFailed is terminal for execution but may still move to rolled_back.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// Method is the submission path that produced an operation's result.
type Method string

const (
	MethodAtomic     Method = "atomic"
	MethodSequential Method = "sequential"
)

// ErrOperationNotFound is returned by stores for an unknown operation id.
var ErrOperationNotFound = errors.New("operation not found")
