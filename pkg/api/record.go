package api

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the execution-level lifecycle state.
type ExecutionStatus string

const (
	ExecutionInitializing ExecutionStatus = "initializing"
	ExecutionExecuting    ExecutionStatus = "executing"
	ExecutionValidating   ExecutionStatus = "validating"
	ExecutionCompleted    ExecutionStatus = "completed"
	ExecutionFailed       ExecutionStatus = "failed"
)

// Terminal reports whether no further pipeline transitions are expected.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// PaymentStatus moves pending -> verified or pending -> failed, never back.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentVerified PaymentStatus = "verified"
	PaymentFailed   PaymentStatus = "failed"
)

// CanTransition reports whether a payment status change is allowed.
// Re-applying the current status is permitted.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	if s == to {
		return true
	}
	return s == PaymentPending && (to == PaymentVerified || to == PaymentFailed)
}

// StepStatus is the state of a single pipeline step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// StepResult is the recorded outcome of one pipeline step.
type StepResult struct {
	AgentName string          `json:"agentName"`
	Status    StepStatus      `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
	StartTime time.Time       `json:"startTime"`
	EndTime   *time.Time      `json:"endTime,omitempty"`
	Tokens    int64           `json:"tokens,omitempty"`
}

// Metrics are the execution-level timing and usage totals.
type Metrics struct {
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	TotalDurationMs int64      `json:"totalDurationMs,omitempty"`
	TokensTotal     int64      `json:"tokensTotal,omitempty"`
	CostTotal       float64    `json:"costTotal,omitempty"`
}

// Record is the persisted, resumable state of one execution.
//
// ExecutionID, UserID, ProjectID, Prompt and CorrelationID are set at
// creation and never change afterwards.
type Record struct {
	ExecutionID   string                `json:"executionId"`
	UserID        string                `json:"userId"`
	ProjectID     string                `json:"projectId"`
	Prompt        string                `json:"prompt"`
	CorrelationID string                `json:"correlationId"`
	Status        ExecutionStatus       `json:"status"`
	CurrentStage  string                `json:"currentStage"`
	PaymentStatus PaymentStatus         `json:"paymentStatus"`
	AgentResults  map[string]StepResult `json:"agentResults"`
	Metrics       Metrics               `json:"metrics"`
	Metadata      map[string]any        `json:"metadata"`
	LastError     string                `json:"lastError,omitempty"`
}

// NewRecord carries the immutable fields supplied when a record is created.
type NewRecord struct {
	ExecutionID   string
	UserID        string
	ProjectID     string
	Prompt        string
	CorrelationID string
}

// Step returns the recorded result for name.
func (r *Record) Step(name string) (StepResult, bool) {
	if r == nil || r.AgentResults == nil {
		return StepResult{}, false
	}
	sr, ok := r.AgentResults[name]
	return sr, ok
}

// TotalTokens sums the tokens recorded across every step.
func (r *Record) TotalTokens() int64 {
	if r == nil {
		return 0
	}
	var total int64
	for _, sr := range r.AgentResults {
		total += sr.Tokens
	}
	return total
}

// Normalize fills nil maps so mutators can write without checks.
func (r *Record) Normalize() {
	if r.AgentResults == nil {
		r.AgentResults = make(map[string]StepResult)
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
}
