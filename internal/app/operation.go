package app

import "cbak-go/internal/model"

// Operation tracks a CLI command that may mutate the index.
// Operations are created in memory with ID=0. Only mutating commands
// persist them, which gives them an ID from the index.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
}

// NewOperation creates an in-memory operation that succeeds unless marked failed.
func NewOperation(operation, parameters string) *Operation {
	return &Operation{
		Operation:  operation,
		Parameters: parameters,
		Status:     model.OperationSucceeded,
	}
}

// Persisted returns true if this operation has been saved to the index.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation failed. A nil err leaves it unchanged.
func (op *Operation) Fail(err error) {
	if err != nil {
		op.Status = model.OperationFailed
	}
}
