package progress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KiranJinka45/multiAgent-sub000/internal/testutil"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

func record(status api.ExecutionStatus, steps map[string]api.StepStatus) *api.Record {
	rec := &api.Record{ExecutionID: "exec-1", Status: status, CurrentStage: api.StageParallelGeneration}
	rec.Normalize()
	for name, st := range steps {
		rec.AgentResults[name] = api.StepResult{AgentName: name, Status: st, StartTime: time.Now(), Tokens: 10}
	}
	return rec
}

func TestStageWeightsSumToOne(t *testing.T) {
	var sum float64
	for _, s := range Stages {
		sum += s.Weight
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestFromRecord(t *testing.T) {
	tests := []struct {
		name    string
		rec     *api.Record
		total   int
		message string
	}{
		{
			name:    "nothing started",
			rec:     record(api.ExecutionInitializing, nil),
			total:   0,
			message: waitingMessage,
		},
		{
			name:    "database done, backend running",
			rec:     record(api.ExecutionExecuting, map[string]api.StepStatus{api.StepDatabase: api.StepCompleted, api.StepBackend: api.StepInProgress}),
			total:   33, // 20 + 12.5
			message: "Generating Backend API...",
		},
		{
			name: "generation done",
			rec: record(api.ExecutionExecuting, map[string]api.StepStatus{
				api.StepDatabase: api.StepCompleted, api.StepBackend: api.StepCompleted, api.StepFrontend: api.StepCompleted,
			}),
			total:   70,
			message: waitingMessage,
		},
		{
			name:    "completed reports full progress",
			rec:     record(api.ExecutionCompleted, map[string]api.StepStatus{api.StepDatabase: api.StepCompleted}),
			total:   100,
			message: "Build completed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := FromRecord(tt.rec)
			assert.Equal(t, tt.total, snap.TotalProgress)
			assert.Equal(t, tt.message, snap.Message)
			assert.Len(t, snap.Stages, len(Stages))
		})
	}
}

func TestFromRecord_FailedCarriesError(t *testing.T) {
	rec := record(api.ExecutionFailed, map[string]api.StepStatus{api.StepDatabase: api.StepFailed})
	rec.LastError = "max retries reached for DatabaseAgent"

	snap := FromRecord(rec)
	assert.Equal(t, "failed", snap.Status)
	assert.Equal(t, "Build failed: max retries reached for DatabaseAgent", snap.Message)
	assert.Equal(t, api.StepFailed, snap.Stages[0].Status)
	assert.Equal(t, int64(10), snap.TokensUsed)
}

func TestRedisPublisher_PublishAndLatest(t *testing.T) {
	mr, client := testutil.NewMiniRedis(t)
	p := NewRedisPublisher(client, 0, nil)
	ctx := context.Background()

	snap, err := p.Latest(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, Pending("exec-1"), snap)

	p.Publish(ctx, record(api.ExecutionExecuting, map[string]api.StepStatus{api.StepDatabase: api.StepCompleted}))

	snap, err = p.Latest(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "executing", snap.Status)
	assert.Equal(t, 20, snap.TotalProgress)
	assert.Equal(t, time.Hour, mr.TTL(StateKey("exec-1")))
}

func TestRedisPublisher_PublishSwallowsErrors(t *testing.T) {
	mr, client := testutil.NewMiniRedis(t)
	p := NewRedisPublisher(client, time.Minute, nil)
	mr.Close()

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), record(api.ExecutionExecuting, nil))
	})
}

func TestRedisPublisher_Subscribe(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	p := NewRedisPublisher(client, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := p.Subscribe(ctx, "exec-1")
	require.NoError(t, err)

	p.Publish(ctx, record(api.ExecutionExecuting, map[string]api.StepStatus{api.StepDatabase: api.StepInProgress}))

	select {
	case snap := <-updates:
		assert.Equal(t, "exec-1", snap.ExecutionID)
		assert.Equal(t, 10, snap.TotalProgress)
	case <-time.After(2 * time.Second):
		t.Fatal("no progress update received")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshotJSONShape(t *testing.T) {
	raw, err := json.Marshal(Pending("exec-9"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"executionId":"exec-9","status":"pending","totalProgress":0,"message":"Waiting for build data...","stages":[]}`, string(raw))
}
