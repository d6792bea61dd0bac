package commands

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/internal/engine"
	"github.com/KiranJinka45/multiAgent-sub000/internal/progress"
	"github.com/KiranJinka45/multiAgent-sub000/internal/taskqueue"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

func withFormat(t *testing.T, f string) {
	t.Helper()
	prev := outputFormat
	outputFormat = f
	t.Cleanup(func() { outputFormat = prev })
}

func TestRender(t *testing.T) {
	stats := taskqueue.Stats{Ready: 2, Delayed: 1}

	t.Run("yaml", func(t *testing.T) {
		withFormat(t, "yaml")
		var buf bytes.Buffer
		require.NoError(t, render(&buf, stats))
		assert.Equal(t, "ready: 2\ndelayed: 1\nactive: 0\ndead: 0\n", buf.String())
	})

	t.Run("json", func(t *testing.T) {
		withFormat(t, "json")
		var buf bytes.Buffer
		require.NoError(t, render(&buf, stats))
		assert.JSONEq(t, `{"ready":2,"delayed":1,"active":0,"dead":0}`, buf.String())
	})

	t.Run("unknown", func(t *testing.T) {
		withFormat(t, "xml")
		assert.Error(t, render(&bytes.Buffer{}, stats))
	})
}

func TestDescribeIncludesHints(t *testing.T) {
	err := errors.WithHint(errors.New("no billing ledger configured"), "set ledger.driver to sqlite or pgx")
	out := Describe(err)
	assert.Contains(t, out, "Error: no billing ledger configured")
	assert.Contains(t, out, "hint: set ledger.driver to sqlite or pgx")
}

func TestStatusView(t *testing.T) {
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	rec := &api.Record{
		ExecutionID:   "exec-1",
		UserID:        "u1",
		Status:        api.ExecutionExecuting,
		CurrentStage:  api.StageParallelGeneration,
		PaymentStatus: api.PaymentVerified,
		AgentResults: map[string]api.StepResult{
			api.StepDatabase: {Status: api.StepCompleted, Attempts: 1, Tokens: 110, StartTime: start, EndTime: &end},
			api.StepBackend:  {Status: api.StepInProgress, Attempts: 2, StartTime: end},
		},
	}
	v := newStatusView(rec, progress.FromRecord(rec))

	require.Len(t, v.Steps, 2)
	assert.Equal(t, api.StepDatabase, v.Steps[0].Step)
	assert.Equal(t, int64(1500), v.Steps[0].DurationMs)
	assert.Equal(t, api.StepBackend, v.Steps[1].Step)
	assert.Equal(t, 2, v.Steps[1].Attempts)
	assert.Equal(t, 33, v.Progress)
	assert.Equal(t, "verified", v.PaymentStatus)
}

func TestRunViewSortsFiles(t *testing.T) {
	v := newRunView(&engine.RunResult{
		ExecutionID: "exec-1",
		Success:     true,
		Files:       []api.File{{Path: "b.go"}, {Path: "a.go"}},
		Record:      &api.Record{Metrics: api.Metrics{TokensTotal: 550}},
	})
	assert.Equal(t, []string{"a.go", "b.go"}, v.Files)
	assert.Equal(t, int64(550), v.TokensTotal)
}
