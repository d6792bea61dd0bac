package commands

import (
	"sort"

	"github.com/KiranJinka45/multiAgent-sub000/internal/engine"
	"github.com/KiranJinka45/multiAgent-sub000/internal/progress"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

type stepView struct {
	Step       string `json:"step" yaml:"step"`
	Status     string `json:"status" yaml:"status"`
	Attempts   int    `json:"attempts" yaml:"attempts"`
	Tokens     int64  `json:"tokens" yaml:"tokens"`
	DurationMs int64  `json:"durationMs" yaml:"durationMs"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

type statusView struct {
	ExecutionID   string     `json:"executionId" yaml:"executionId"`
	UserID        string     `json:"userId" yaml:"userId"`
	ProjectID     string     `json:"projectId,omitempty" yaml:"projectId,omitempty"`
	Status        string     `json:"status" yaml:"status"`
	CurrentStage  string     `json:"currentStage" yaml:"currentStage"`
	PaymentStatus string     `json:"paymentStatus" yaml:"paymentStatus"`
	Progress      int        `json:"progress" yaml:"progress"`
	Message       string     `json:"message" yaml:"message"`
	TokensTotal   int64      `json:"tokensTotal" yaml:"tokensTotal"`
	CostTotal     float64    `json:"costTotal,omitempty" yaml:"costTotal,omitempty"`
	Steps         []stepView `json:"steps" yaml:"steps"`
	LastError     string     `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	QueueState    string     `json:"queueState,omitempty" yaml:"queueState,omitempty"`
}

func newStatusView(rec *api.Record, snap progress.Snapshot) statusView {
	v := statusView{
		ExecutionID:   rec.ExecutionID,
		UserID:        rec.UserID,
		ProjectID:     rec.ProjectID,
		Status:        string(rec.Status),
		CurrentStage:  rec.CurrentStage,
		PaymentStatus: string(rec.PaymentStatus),
		Progress:      snap.TotalProgress,
		Message:       snap.Message,
		TokensTotal:   rec.Metrics.TokensTotal,
		CostTotal:     rec.Metrics.CostTotal,
		LastError:     rec.LastError,
	}
	for _, step := range api.PipelineSteps {
		r, ok := rec.Step(step)
		if !ok {
			continue
		}
		sv := stepView{
			Step:     step,
			Status:   string(r.Status),
			Attempts: r.Attempts,
			Tokens:   r.Tokens,
			Error:    r.Error,
		}
		if r.EndTime != nil {
			sv.DurationMs = r.EndTime.Sub(r.StartTime).Milliseconds()
		}
		v.Steps = append(v.Steps, sv)
	}
	return v
}

type runView struct {
	ExecutionID string   `json:"executionId" yaml:"executionId"`
	Success     bool     `json:"success" yaml:"success"`
	Files       []string `json:"files" yaml:"files"`
	TokensTotal int64    `json:"tokensTotal" yaml:"tokensTotal"`
	Error       string   `json:"error,omitempty" yaml:"error,omitempty"`
}

func newRunView(res *engine.RunResult) runView {
	v := runView{ExecutionID: res.ExecutionID, Success: res.Success, Error: res.Error}
	for _, f := range res.Files {
		v.Files = append(v.Files, f.Path)
	}
	sort.Strings(v.Files)
	if res.Record != nil {
		v.TokensTotal = res.Record.Metrics.TokensTotal
	}
	return v
}
