// Package progress turns execution records into weighted build progress
// snapshots and fans them out over Redis.
package progress

import (
	"math"
	"time"

	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

// StageSpec describes one tracked stage.
type StageSpec struct {
	ID     string
	Step   string
	Name   string
	Weight float64
}

// Stages are weighted so that their weights sum to 1.
var Stages = []StageSpec{
	{ID: "database", Step: api.StepDatabase, Name: "Designing Database Schema", Weight: 0.20},
	{ID: "backend", Step: api.StepBackend, Name: "Generating Backend API", Weight: 0.25},
	{ID: "frontend", Step: api.StepFrontend, Name: "Generating Frontend", Weight: 0.25},
	{ID: "deployment", Step: api.StepDeployment, Name: "Preparing Deployment", Weight: 0.15},
	{ID: "testing", Step: api.StepTesting, Name: "Writing Tests", Weight: 0.15},
}

const (
	// StatusPending is reported before any record exists.
	StatusPending  = "pending"
	waitingMessage = "Waiting for build data..."
)

type Stage struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Status          api.StepStatus `json:"status"`
	Message         string         `json:"message,omitempty"`
	ProgressPercent int            `json:"progressPercent"`
	Weight          float64        `json:"weight"`
	Timestamp       *time.Time     `json:"timestamp,omitempty"`
}

// Snapshot is the build state observed by clients.
type Snapshot struct {
	ExecutionID   string  `json:"executionId"`
	Status        string  `json:"status"`
	CurrentStage  string  `json:"currentStage,omitempty"`
	TotalProgress int     `json:"totalProgress"`
	Message       string  `json:"message"`
	Stages        []Stage `json:"stages"`
	TokensUsed    int64   `json:"tokensUsed,omitempty"`
	DurationMs    int64   `json:"durationMs,omitempty"`
}

// Pending is the snapshot served before the first update.
func Pending(executionID string) Snapshot {
	return Snapshot{
		ExecutionID: executionID,
		Status:      StatusPending,
		Message:     waitingMessage,
		Stages:      []Stage{},
	}
}

// FromRecord computes a snapshot. A completed step counts fully towards
// the total, an in-progress step counts half.
func FromRecord(rec *api.Record) Snapshot {
	if rec == nil {
		return Pending("")
	}

	snap := Snapshot{
		ExecutionID:  rec.ExecutionID,
		Status:       string(rec.Status),
		CurrentStage: rec.CurrentStage,
		Stages:       make([]Stage, 0, len(Stages)),
		TokensUsed:   rec.TotalTokens(),
		DurationMs:   rec.Metrics.TotalDurationMs,
	}

	var total float64
	var running string
	for _, def := range Stages {
		st := Stage{ID: def.ID, Name: def.Name, Status: api.StepPending, Weight: def.Weight}
		if sr, ok := rec.Step(def.Step); ok {
			st.Status = sr.Status
			st.Message = sr.Error
			switch sr.Status {
			case api.StepCompleted:
				st.ProgressPercent = 100
			case api.StepInProgress:
				st.ProgressPercent = 50
				if running == "" {
					running = def.Name
				}
			}
			if sr.EndTime != nil {
				t := *sr.EndTime
				st.Timestamp = &t
			} else if !sr.StartTime.IsZero() {
				t := sr.StartTime
				st.Timestamp = &t
			}
		}
		total += def.Weight * float64(st.ProgressPercent)
		snap.Stages = append(snap.Stages, st)
	}
	snap.TotalProgress = int(math.Round(total))

	switch {
	case rec.Status == api.ExecutionCompleted:
		snap.TotalProgress = 100
		snap.Message = "Build completed"
	case rec.Status == api.ExecutionFailed:
		snap.Message = "Build failed"
		if rec.LastError != "" {
			snap.Message = "Build failed: " + rec.LastError
		}
	case running != "":
		snap.Message = running + "..."
	default:
		snap.Message = waitingMessage
	}
	return snap
}
