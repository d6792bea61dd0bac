// Package persistence stores execution records.
//
// Records are only ever mutated through AtomicUpdate (Update is a patch
// applied through the same path), which re-reads the current value, applies
// the caller's mutation and commits only if nobody else wrote the key in
// between.
package persistence

import (
	"context"

	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

// Mutator edits a record in place. Returning an error aborts the update
// without committing; the error is returned unchanged to the caller.
type Mutator func(rec *api.Record) error

// RecordStore handles storage of execution records.
type RecordStore interface {
	// Create stores a fresh record unless one already exists for the id.
	// It returns the stored record and whether this call created it.
	Create(ctx context.Context, nr api.NewRecord) (*api.Record, bool, error)

	// Get returns the record or errors.ErrRecordNotFound.
	Get(ctx context.Context, executionID string) (*api.Record, error)

	// Update applies a patch through the optimistic update loop.
	Update(ctx context.Context, executionID string, p Patch) (*api.Record, error)

	// AtomicUpdate runs fn against the latest committed value and commits
	// the result only if the record was not modified concurrently, retrying
	// otherwise. It returns the committed record.
	AtomicUpdate(ctx context.Context, executionID string, fn Mutator) (*api.Record, error)
}

// Patch is a partial record update. Nil fields are left untouched and
// Metadata entries are merged key by key.
type Patch struct {
	Status        *api.ExecutionStatus
	CurrentStage  *string
	PaymentStatus *api.PaymentStatus
	LastError     *string
	Metadata      map[string]any
}
