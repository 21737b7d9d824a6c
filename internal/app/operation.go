package app

import "strings"

const (
	statusRunning = "running"
	statusSuccess = "success"
	statusError   = "error"
)

// Operation is one audited CLI invocation. Read-only commands keep it in
// memory; commands that change state persist it to the history table, which
// assigns the ID.
type Operation struct {
	ID         int64
	Actor      string
	Operation  string
	Parameters string
	Status     string
}

// NewOperation creates an in-memory operation. Parameters are joined with
// spaces in the order given.
func NewOperation(actor, operation string, params ...string) *Operation {
	return &Operation{
		Actor:      actor,
		Operation:  operation,
		Parameters: strings.Join(params, " "),
		Status:     statusSuccess,
	}
}

// Persisted reports whether the operation has a history row.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation as failed.
func (op *Operation) Fail() {
	op.Status = statusError
}
