package retry

import (
	"errors"
	"fmt"
)

// Budget caps the total number of re-attempts (retries and the fallback
// switch) of one operation, independent of per-kind limits, so no
// operation can retry forever.
//
// Each operation execution owns its own Budget.
type Budget struct {
	max     int
	current int
}

// NewBudget creates a budget allowing max re-attempts.
func NewBudget(max int) *Budget {
	return &Budget{max: max}
}

// Check consumes one re-attempt. It returns BudgetExceededError once the
// budget is spent.
func (b *Budget) Check(operationID string) error {
	b.current++
	if b.current > b.max {
		return &BudgetExceededError{OperationID: operationID, Used: b.current - 1, Limit: b.max}
	}
	return nil
}

// Used returns the number of re-attempts consumed.
func (b *Budget) Used() int {
	if b.current > b.max {
		return b.max
	}
	return b.current
}

// BudgetExceededError is returned when an operation exhausts its global
// retry budget.
type BudgetExceededError struct {
	OperationID string
	Used        int
	Limit       int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("operation %s exhausted its global retry budget: %d of %d re-attempts used",
		e.OperationID, e.Used, e.Limit)
}

// IsBudgetExceeded reports whether err is a BudgetExceededError.
func IsBudgetExceeded(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}
