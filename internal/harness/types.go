package harness

import (
	"strconv"
	"strings"

	"github.com/roach88/ledgerops/internal/compensation"
	"github.com/roach88/ledgerops/internal/orchestrator"
	"github.com/roach88/ledgerops/internal/validate"
)

// Trace event types added by the harness around orchestrator events.
const (
	EventInvoke = "invoke"
	EventResult = "result"
)

// Field is one key=value pair of a trace event. Values are already
// rendered, so comparison and golden output agree.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TraceEvent is one line of a scenario trace.
type TraceEvent struct {
	Seq    int     `json:"seq"`
	Type   string  `json:"type"`
	Fields []Field `json:"fields,omitempty"`
}

// Get returns the value of key.
func (e TraceEvent) Get(key string) (string, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// String renders the event as it appears in golden files.
func (e TraceEvent) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(e.Seq))
	b.WriteByte(' ')
	b.WriteString(e.Type)
	for _, f := range e.Fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(quoteValue(f.Value))
	}
	return b.String()
}

// StepResult is what one flow step returned. Exactly one of Operation,
// Validation and Rollback is set unless the call itself failed.
type StepResult struct {
	Invoke     string                        `json:"invoke"`
	Operation  *orchestrator.OperationResult `json:"operation,omitempty"`
	Validation *validate.Result              `json:"validation,omitempty"`
	Rollback   *compensation.RollbackReport  `json:"rollback,omitempty"`
	Err        string                        `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
	Steps  []StepResult `json:"steps"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Steps:  []StepResult{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// EventsOf returns the trace events of type typ.
func (r *Result) EventsOf(typ string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
