// Package errors is the single error package used across the coordinator.
//
// It re-exports github.com/cockroachdb/errors so that wrapped errors keep
// stack traces, hints and details, and declares the sentinels that callers
// branch on with errors.Is.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
	GetAllHints        = crdb.GetAllHints
	GetAllDetails      = crdb.GetAllDetails
	FlattenDetails     = crdb.FlattenDetails
)

var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
	Join      = crdb.Join
	Mark      = crdb.Mark
)

// Execution record store.
var (
	ErrRecordNotFound      = New("execution record not found")
	ErrConcurrencyExceeded = New("execution record update exceeded optimistic retry budget")
	ErrInvalidTransition   = New("invalid status transition")
)

// Distributed lock.
var (
	ErrResourceLocked       = New("resource locked")
	ErrLockFencingViolation = New("lock fencing violation")
)

// Step execution.
var (
	ErrCircuitOpen      = New("circuit breaker is open")
	ErrRetriesExhausted = New("max retries reached")
	ErrAttemptTimeout   = New("attempt timed out")
	ErrLowConfidence    = New("output failed validation threshold")
)

// Admission and queueing.
var (
	ErrKillSwitchActive = New("kill switch active")
	ErrQuotaExceeded    = New("daily execution quota exceeded")
	ErrBudgetExceeded   = New("monthly token budget exceeded")
	ErrDuplicateJob     = New("job already queued or active")
	ErrLeaseLost        = New("job lease lost")
)

// Billing.
var (
	ErrPaymentFailed     = New("payment failed")
	ErrPaymentInProgress = New("payment already claimed by another charge attempt")
)
