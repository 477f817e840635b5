package ir

// ExecutionContext is the per-operation mutable state threaded through
// retries. It is never persisted.
type ExecutionContext struct {
	OperationID string
	Attempt     int
	Fee         uint64
	Fallback    bool
}

// RaiseFee sets the fee to fee if that does not lower it. It returns true
// if the fee changed.
func (c *ExecutionContext) RaiseFee(fee uint64) bool {
	if fee <= c.Fee {
		return false
	}
	c.Fee = fee
	return true
}

// Method reports the submission path the context currently directs.
func (c *ExecutionContext) Method() Method {
	if c.Fallback {
		return MethodSequential
	}
	return MethodAtomic
}
