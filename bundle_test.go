package multiagent

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/internal/config"
	"github.com/KiranJinka45/multiAgent-sub000/internal/engine"
	"github.com/KiranJinka45/multiAgent-sub000/internal/governance"
	"github.com/KiranJinka45/multiAgent-sub000/internal/ledger"
	"github.com/KiranJinka45/multiAgent-sub000/internal/testutil"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

type bundleHarness struct {
	bundle *Bundle
	mr     *miniredis.Miniredis
	agents map[string]*testutil.StubAgent
}

func newTestBundle(t *testing.T, ledgerDriver string) *bundleHarness {
	t.Helper()
	mr, client := testutil.NewMiniRedis(t)

	config.Reset()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Redis.Addr = mr.Addr()
	cfg.Ledger.Driver = ledgerDriver
	cfg.Ledger.DSN = ":memory:"
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Lock.RetryCount = 1
	cfg.Lock.RetryDelay = time.Millisecond
	cfg.Lock.RetryJitter = time.Millisecond

	stubs := testutil.StubAgents(100)
	b, err := NewBundle(context.Background(), cfg, nil,
		WithRedisClients(client),
		WithAgents(engine.Agents{
			Database:   stubs[api.StepDatabase],
			Backend:    stubs[api.StepBackend],
			Frontend:   stubs[api.StepFrontend],
			Deployment: stubs[api.StepDeployment],
			Testing:    stubs[api.StepTesting],
		}, &testutil.StubValidator{Score: 0.9, Tokens: 10}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return &bundleHarness{bundle: b, mr: mr, agents: stubs}
}

func (h *bundleHarness) counter(t *testing.T, key string) string {
	t.Helper()
	v, err := h.mr.Get(key)
	if err != nil {
		return ""
	}
	return v
}

func TestBundle_SubmitAndProcess(t *testing.T) {
	ctx := context.Background()
	h := newTestBundle(t, ledger.DriverSQLite)
	b := h.bundle

	sub, err := b.Submit(ctx, SubmitRequest{ExecutionID: "exec-1", Prompt: "todo app", UserID: "user-1", ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.False(t, sub.Duplicate)
	assert.True(t, sub.Admission.Allowed)

	pending, err := b.Progress.Latest(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 0, pending.TotalProgress)

	processed, err := b.Worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	rec, err := b.Store.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionCompleted, rec.Status)
	assert.Equal(t, "todo app", rec.Prompt)

	now := time.Now()
	assert.Equal(t, "1", h.counter(t, governance.ExecutionsKey("user-1", now)))
	assert.Equal(t, "550", h.counter(t, governance.TokensKey("user-1", now)))

	sum, err := b.Ledger.SumForMonth(ctx, "user-1", ledger.MonthKey(now))
	require.NoError(t, err)
	assert.Equal(t, int64(550), sum)

	snap, err := b.Progress.Latest(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 100, snap.TotalProgress)

	rep, err := b.Reconciler().Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, governance.StatusHealthy, rep.Status)
	assert.Equal(t, 1, rep.Checks)
}

func TestBundle_DuplicateSubmitGivesTicketBack(t *testing.T) {
	ctx := context.Background()
	h := newTestBundle(t, ledger.DriverSQLite)
	req := SubmitRequest{ExecutionID: "exec-1", Prompt: "todo app", UserID: "user-1"}

	_, err := h.bundle.Submit(ctx, req)
	require.NoError(t, err)
	sub, err := h.bundle.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, sub.Duplicate)

	assert.Equal(t, "1", h.counter(t, governance.ExecutionsKey("user-1", time.Now())))
	assert.Equal(t, 1, h.bundle.Queue.Len())
}

func TestBundle_KillSwitchRejectsSubmission(t *testing.T) {
	ctx := context.Background()
	h := newTestBundle(t, "")
	require.NoError(t, h.bundle.Governance.SetKillSwitch(ctx, true))

	_, err := h.bundle.Submit(ctx, SubmitRequest{Prompt: "x", UserID: "user-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrKillSwitchActive))
	assert.Equal(t, 0, h.bundle.Queue.Len())
	assert.Nil(t, h.bundle.Reconciler())
}

func TestBundle_FailedChargeIsNotQueued(t *testing.T) {
	ctx := context.Background()
	h := newTestBundle(t, "")

	_, err := h.bundle.Submit(ctx, SubmitRequest{
		ExecutionID: "exec-1",
		Prompt:      "x",
		UserID:      "user-1",
		Charge: func(context.Context, *api.Record) error {
			return errors.New("card declined")
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPaymentFailed))
	assert.Equal(t, 0, h.bundle.Queue.Len())
	assert.Equal(t, "0", h.counter(t, governance.ExecutionsKey("user-1", time.Now())))
}

func TestBundle_VerifiedChargeIsQueued(t *testing.T) {
	ctx := context.Background()
	h := newTestBundle(t, "")

	charges := 0
	sub, err := h.bundle.Submit(ctx, SubmitRequest{
		ExecutionID: "exec-1",
		Prompt:      "x",
		UserID:      "user-1",
		Charge: func(context.Context, *api.Record) error {
			charges++
			return nil
		},
	})
	require.NoError(t, err)
	require.NotNil(t, sub.Payment)
	assert.True(t, sub.Payment.Charged)
	assert.Equal(t, api.PaymentVerified, sub.Payment.Record.PaymentStatus)
	assert.Equal(t, 1, charges)
	assert.Equal(t, 1, h.bundle.Queue.Len())
}

func TestBundle_WorkerSchedulesReconciliationWithLedger(t *testing.T) {
	ctx := context.Background()
	h := newTestBundle(t, ledger.DriverSQLite)

	ran, err := h.bundle.Worker.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	rep, ok, err := governance.LastStatus(ctx, h.bundle.Client())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, governance.StatusHealthy, rep.Status)

	// The pass holds the fleet-wide lock for the rest of the interval.
	ran, err = h.bundle.Worker.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestBundle_NoScheduledReconciliationWithoutLedger(t *testing.T) {
	h := newTestBundle(t, "")
	ran, err := h.bundle.Worker.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}
