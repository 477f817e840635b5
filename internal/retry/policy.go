package retry

import (
	"fmt"
	"slices"
	"time"

	"github.com/roach88/ledgerops/internal/chain"
)

// Policy is the retry behaviour for one error kind.
type Policy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	Jitter            bool
	EscalateFee       bool
	FeeMultiplier     float64
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries %d is negative", p.MaxRetries)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("base delay %s is negative", p.BaseDelay)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier %v is below 1", p.BackoffMultiplier)
	}
	if p.EscalateFee && p.FeeMultiplier < 1 {
		return fmt.Errorf("fee multiplier %v is below 1", p.FeeMultiplier)
	}
	return nil
}

// NeverRetried lists the kinds no policy may cover. A confirmation
// timeout leaves a transaction in flight; sending the group again could
// apply it twice.
var NeverRetried = []chain.Kind{
	chain.KindValidation,
	chain.KindSigning,
	chain.KindCancelled,
	chain.KindConfirmationTimeout,
}

// Policies maps error kinds to their policy. A kind without a policy is
// never retried. Policies is immutable once built.
type Policies struct {
	byKind map[chain.Kind]Policy
}

// NewPolicies copies m into an immutable table after validating every
// entry. Kinds in NeverRetried can never carry a policy.
func NewPolicies(m map[chain.Kind]Policy) (Policies, error) {
	byKind := make(map[chain.Kind]Policy, len(m))
	for kind, p := range m {
		if slices.Contains(NeverRetried, kind) {
			return Policies{}, fmt.Errorf("policy for %s: kind is never retried", kind)
		}
		if err := p.Validate(); err != nil {
			return Policies{}, fmt.Errorf("policy for %s: %w", kind, err)
		}
		byKind[kind] = p
	}
	return Policies{byKind: byKind}, nil
}

// MustPolicies is like NewPolicies but panics on error.
func MustPolicies(m map[chain.Kind]Policy) Policies {
	p, err := NewPolicies(m)
	if err != nil {
		panic(err)
	}
	return p
}

// Lookup returns the policy for kind.
func (p Policies) Lookup(kind chain.Kind) (Policy, bool) {
	pol, ok := p.byKind[kind]
	return pol, ok
}

// Kinds returns the kinds with a policy, in chain.Kinds order.
func (p Policies) Kinds() []chain.Kind {
	var out []chain.Kind
	for _, k := range chain.Kinds {
		if _, ok := p.byKind[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// DefaultPolicies is the built-in policy table. Atomic-channel kinds
// escalate the fee and then trigger fallback; transient network kinds back
// off with jitter; everything else is terminal.
func DefaultPolicies() Policies {
	return MustPolicies(map[chain.Kind]Policy{
		chain.KindBundleRejected: {
			MaxRetries: 3, BaseDelay: 500 * time.Millisecond, BackoffMultiplier: 2,
			Jitter: true, EscalateFee: true, FeeMultiplier: 1.5,
		},
		chain.KindNoAtomicSlot: {
			MaxRetries: 3, BaseDelay: time.Second, BackoffMultiplier: 2,
			Jitter: true, EscalateFee: true, FeeMultiplier: 1.25,
		},
		chain.KindAtomicChannelUnavailable: {
			MaxRetries: 2, BaseDelay: time.Second, BackoffMultiplier: 2,
			Jitter: true, EscalateFee: true, FeeMultiplier: 1.25,
		},
		chain.KindNetworkCongestion: {
			MaxRetries: 5, BaseDelay: 500 * time.Millisecond, BackoffMultiplier: 2,
			Jitter: true,
		},
		chain.KindTransportError: {
			MaxRetries: 5, BaseDelay: 250 * time.Millisecond, BackoffMultiplier: 2,
			Jitter: true,
		},
	})
}
