package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

// StepUpdate is a partial StepResult merged into the existing entry.
type StepUpdate struct {
	Status api.StepStatus
	Data   json.RawMessage
	Error  string
	Tokens int64
	// BeginAttempt increments Attempts, stamps StartTime and puts the
	// execution back into executing. Used when a step moves into
	// in_progress.
	BeginAttempt bool
}

// SetStage marks the execution as executing the named stage.
func SetStage(ctx context.Context, s RecordStore, executionID, stage string) (*api.Record, error) {
	return s.AtomicUpdate(ctx, executionID, func(rec *api.Record) error {
		rec.CurrentStage = stage
		rec.Status = api.ExecutionExecuting
		return nil
	})
}

// SetStepResult merges u into the step's result. A step with no entry
// starts from pending. EndTime is set on a transition into a terminal
// status and cleared otherwise.
func SetStepResult(ctx context.Context, s RecordStore, executionID, step string, u StepUpdate) (*api.Record, error) {
	now := time.Now().UTC()
	return s.AtomicUpdate(ctx, executionID, func(rec *api.Record) error {
		sr, ok := rec.AgentResults[step]
		if !ok {
			sr = api.StepResult{
				AgentName: step,
				Status:    api.StepPending,
				StartTime: now,
			}
		}

		if u.BeginAttempt {
			if !rec.Status.Terminal() {
				rec.Status = api.ExecutionExecuting
			}
			sr.Attempts++
			sr.StartTime = now
			sr.Error = ""
		}
		if u.Status != "" {
			sr.Status = u.Status
		}
		if u.Data != nil {
			sr.Data = u.Data
		}
		if u.Error != "" {
			sr.Error = u.Error
		}
		if u.Tokens != 0 {
			sr.Tokens = u.Tokens
		}

		switch sr.Status {
		case api.StepCompleted, api.StepFailed:
			end := now
			sr.EndTime = &end
		default:
			sr.EndTime = nil
		}

		rec.AgentResults[step] = sr
		return nil
	})
}

// SetExecutionStatus moves a running execution between executing and
// validating. A terminal execution is left untouched.
func SetExecutionStatus(ctx context.Context, s RecordStore, executionID string, status api.ExecutionStatus) (*api.Record, error) {
	return s.AtomicUpdate(ctx, executionID, func(rec *api.Record) error {
		if rec.Status.Terminal() {
			return errors.Wrapf(errors.ErrInvalidTransition, "execution status %s -> %s", rec.Status, status)
		}
		rec.Status = status
		return nil
	})
}

// Finalization describes the terminal transition applied by Finalize.
type Finalization struct {
	Status api.ExecutionStatus
	Error  string
	// CostPer1KTokens prices Metrics.TokensTotal into Metrics.CostTotal.
	CostPer1KTokens float64
}

// Finalize moves the execution into a terminal status, computes the total
// duration, token count and cost, and records f.Error when non-empty.
// Completing clears the error left by an earlier failed run.
func Finalize(ctx context.Context, s RecordStore, executionID string, f Finalization) (*api.Record, error) {
	now := time.Now().UTC()
	return s.AtomicUpdate(ctx, executionID, func(rec *api.Record) error {
		rec.Status = f.Status
		end := now
		rec.Metrics.EndTime = &end
		rec.Metrics.TotalDurationMs = now.Sub(rec.Metrics.StartTime).Milliseconds()
		rec.Metrics.TokensTotal = rec.TotalTokens()
		rec.Metrics.CostTotal = float64(rec.Metrics.TokensTotal) / 1000 * f.CostPer1KTokens
		switch {
		case f.Error != "":
			rec.LastError = f.Error
		case f.Status == api.ExecutionCompleted:
			rec.LastError = ""
		}
		return nil
	})
}
