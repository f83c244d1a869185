package app

import (
	"context"
	"errors"

	"github.com/itsdave-de/frappebr/internal/br"
)

// Operation tracks the CLI command being run. It lives in memory with ID 0
// until a state-changing command persists it to history.
type Operation struct {
	ID         int64
	Name       string
	Parameters string
	Status     string
}

func NewOperation(name, parameters string) *Operation {
	return &Operation{Name: name, Parameters: parameters, Status: br.StatusSuccess}
}

// Persisted reports whether the operation has a history row.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Observe downgrades the final status according to err. A later success
// never upgrades an earlier failure.
func (op *Operation) Observe(err error) {
	switch {
	case err == nil:
	case br.IsCancelled(err), errors.Is(err, context.Canceled):
		if op.Status == br.StatusSuccess {
			op.Status = br.StatusCancelled
		}
	default:
		op.Status = br.StatusFailed
	}
}
