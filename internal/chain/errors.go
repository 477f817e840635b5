package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a failure. Retry policy, fallback and rollback decisions
// are all keyed by Kind, never by concrete error type.
type Kind string

const (
	// KindValidation marks malformed or out-of-range input. Never retried.
	KindValidation Kind = "Validation"

	// KindSigning marks an unavailable or rejecting signer. Never retried.
	KindSigning Kind = "Signing"

	KindBundleRejected           Kind = "BundleRejected"
	KindNoAtomicSlot             Kind = "NoAtomicSlot"
	KindAtomicChannelUnavailable Kind = "AtomicChannelUnavailable"

	KindNetworkCongestion Kind = "NetworkCongestion"
	KindTransportError    Kind = "TransportError"

	KindSimulationFailed Kind = "SimulationFailed"
	KindProgramError     Kind = "ProgramError"
	KindAccountNotFound  Kind = "AccountNotFound"

	// KindConfirmationTimeout means the transaction was sent but its
	// confirmation was not observed. The outcome is unknown, not failed.
	KindConfirmationTimeout Kind = "ConfirmationTimeout"

	KindCancelled Kind = "Cancelled"
	KindUnknown   Kind = "Unknown"
)

// Kinds lists every classified kind.
var Kinds = []Kind{
	KindValidation,
	KindSigning,
	KindBundleRejected,
	KindNoAtomicSlot,
	KindAtomicChannelUnavailable,
	KindNetworkCongestion,
	KindTransportError,
	KindSimulationFailed,
	KindProgramError,
	KindAccountNotFound,
	KindConfirmationTimeout,
	KindCancelled,
	KindUnknown,
}

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown error kind %q", s)
}

// AtomicPath reports whether k is a failure of the atomic channel, which
// makes the sequential path worth trying.
func (k Kind) AtomicPath() bool {
	switch k {
	case KindBundleRejected, KindNoAtomicSlot, KindAtomicChannelUnavailable:
		return true
	}
	return false
}

// Error is a classified failure from any layer of the core.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error

	// Details holds diagnostic context such as tx ids or group labels.
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + e.Details[k]
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// With returns a copy of e with an extra detail set.
func (e *Error) With(key, value string) *Error {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// NewError creates a classified error.
func NewError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Errors without a classification are KindUnknown;
// context cancellation and deadlines are KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTerminal reports whether err can never succeed by retrying the same
// operation as specified.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindSigning, KindSimulationFailed, KindProgramError, KindAccountNotFound, KindCancelled:
		return true
	}
	return false
}

// IsPreSubmission reports whether err is a kind that is raised before
// anything reaches the network, so no rollback is needed.
func IsPreSubmission(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindSigning:
		return true
	}
	return false
}
