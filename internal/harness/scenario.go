package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/chain/simchain"
	"github.com/roach88/ledgerops/internal/ir"
)

// Scenario is one end-to-end run: a funded simulated chain, a scripted
// set of chain failures, a flow of orchestrator calls and the assertions
// that must hold afterwards.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Wallets are funded with native balance before the flow starts.
	Wallets []WalletSetup `yaml:"wallets"`

	// Mints are installed directly on the chain, bypassing transactions.
	Mints []MintSetup `yaml:"mints,omitempty"`

	Chain ChainScript `yaml:"chain,omitempty"`

	Flow []FlowStep `yaml:"flow"`

	// Assertions run against the trace and the store after the flow.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// WalletSetup funds a named wallet.
type WalletSetup struct {
	Name   string `yaml:"name"`
	Native uint64 `yaml:"native"`
}

// MintSetup installs a named mint and credits token balances to holders.
type MintSetup struct {
	Name      string `yaml:"name"`
	Authority string `yaml:"authority"`
	Decimals  uint8  `yaml:"decimals"`

	// Holders maps wallet names to base-unit balances.
	Holders map[string]uint64 `yaml:"holders,omitempty"`
}

// ChainScript scripts the simulated chain.
type ChainScript struct {
	// AtomicChannel defaults to true. When false the orchestrator is
	// wired without an atomic channel.
	AtomicChannel *bool `yaml:"atomic_channel,omitempty"`

	// Bundles are the results of successive bundle submissions: "accept"
	// or the name of an error kind.
	Bundles []string `yaml:"bundles,omitempty"`

	Failures []GroupFailure `yaml:"failures,omitempty"`

	// DenySigners names wallets whose signing requests fail.
	DenySigners []string `yaml:"deny_signers,omitempty"`

	// MetadataRollbackError makes the metadata store refuse rollbacks.
	MetadataRollbackError string `yaml:"metadata_rollback_error,omitempty"`
}

// GroupFailure scripts sequential failures for one group label.
type GroupFailure struct {
	Group            string `yaml:"group"`
	simchain.Failure `yaml:",inline"`
}

// FlowStep is one orchestrator call.
type FlowStep struct {
	// Invoke is execute, validate or rollback.
	Invoke string `yaml:"invoke"`

	// Kind and Params describe the operation for execute and validate.
	Kind   string         `yaml:"kind,omitempty"`
	Params map[string]any `yaml:"params,omitempty"`

	// Operation is the id to roll back. It defaults to the most recently
	// executed operation.
	Operation string `yaml:"operation,omitempty"`

	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause checks the result of one step. Only the fields that are
// set are compared.
type ExpectClause struct {
	Success   *bool  `yaml:"success,omitempty"`
	Status    string `yaml:"status,omitempty"`
	Method    string `yaml:"method,omitempty"`
	ErrorKind string `yaml:"error_kind,omitempty"`
	IDs       *int   `yaml:"ids,omitempty"`
	Attempts  *int   `yaml:"attempts,omitempty"`
	FellBack  *bool  `yaml:"fell_back,omitempty"`

	// Landed lists the labels of the groups that landed, in order.
	Landed []string `yaml:"landed,omitempty"`

	// Violations lists the offending fields of a failed validation.
	Violations []string `yaml:"violations,omitempty"`

	// OK is the validate result.
	OK *bool `yaml:"ok,omitempty"`

	// Error is a substring of the error the call is expected to return.
	Error string `yaml:"error,omitempty"`

	// Complete and ManualActions check a rollback report, either from a
	// rollback step or the one attached to a failed execution.
	Complete      *bool `yaml:"complete,omitempty"`
	ManualActions *int  `yaml:"manual_actions,omitempty"`
}

// Assertion validates the trace or the final store state.
type Assertion struct {
	Type string `yaml:"type"`

	// Event is the trace event type for trace_contains and trace_count.
	Event string `yaml:"event,omitempty"`

	// Fields are matched as a subset of the event's fields.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Events is the expected order for trace_order.
	Events []string `yaml:"events,omitempty"`

	Count int `yaml:"count,omitempty"`

	// Table, Where and Expect drive final_state.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Flow step verbs.
const (
	InvokeExecute  = "execute"
	InvokeValidate = "validate"
	InvokeRollback = "rollback"
)

// LoadScenario reads a scenario file. Unknown fields are rejected so a
// misspelt key fails loudly instead of silently asserting nothing.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	names := map[string]bool{}
	for i, w := range s.Wallets {
		if w.Name == "" {
			return fmt.Errorf("wallets[%d]: name is required", i)
		}
		if names[w.Name] {
			return fmt.Errorf("wallets[%d]: duplicate name %q", i, w.Name)
		}
		names[w.Name] = true
	}
	for i, m := range s.Mints {
		if m.Name == "" {
			return fmt.Errorf("mints[%d]: name is required", i)
		}
		if names[m.Name] {
			return fmt.Errorf("mints[%d]: duplicate name %q", i, m.Name)
		}
		if !names[m.Authority] {
			return fmt.Errorf("mints[%d]: authority %q is not a wallet", i, m.Authority)
		}
		for holder := range m.Holders {
			if !names[holder] {
				return fmt.Errorf("mints[%d]: holder %q is not a wallet", i, holder)
			}
		}
		names[m.Name] = true
	}

	if err := validateChain(&s.Chain, names); err != nil {
		return err
	}

	for i, step := range s.Flow {
		switch step.Invoke {
		case "":
			return fmt.Errorf("flow[%d]: invoke is required", i)
		case InvokeExecute, InvokeValidate:
			if !ir.OperationKind(step.Kind).Valid() {
				return fmt.Errorf("flow[%d]: unknown operation kind %q", i, step.Kind)
			}
			if step.Params == nil {
				return fmt.Errorf("flow[%d]: params is required", i)
			}
		case InvokeRollback:
			if step.Kind != "" || step.Params != nil {
				return fmt.Errorf("flow[%d]: rollback takes an operation, not params", i)
			}
		default:
			return fmt.Errorf("flow[%d]: unknown invoke %q", i, step.Invoke)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateChain(c *ChainScript, names map[string]bool) error {
	for i, b := range c.Bundles {
		if b == "accept" {
			continue
		}
		if _, err := chain.ParseKind(b); err != nil {
			return fmt.Errorf("chain.bundles[%d]: %w", i, err)
		}
	}
	for i, f := range c.Failures {
		if f.Group == "" {
			return fmt.Errorf("chain.failures[%d]: group is required", i)
		}
		switch f.Stage {
		case simchain.StageSubmit, simchain.StageExecute, simchain.StageDelay, simchain.StageDrop, simchain.StageLost:
		default:
			return fmt.Errorf("chain.failures[%d]: unknown stage %q", i, f.Stage)
		}
		if f.Kind != "" {
			if _, err := chain.ParseKind(string(f.Kind)); err != nil {
				return fmt.Errorf("chain.failures[%d]: %w", i, err)
			}
		}
	}
	for i, name := range c.DenySigners {
		if !names[name] {
			return fmt.Errorf("chain.deny_signers[%d]: %q is not a wallet", i, name)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 && a.Count == 0 {
			return fmt.Errorf("assertions[%d]: expect or count is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
