package persistence

import (
	"fmt"
	"sync"
	"time"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

func (r *RedisRecordStoreTestSuite) TestCreate_InitializesRecord() {
	rec := r.create("exec-1")

	r.Equal(api.ExecutionInitializing, rec.Status)
	r.Equal(api.PaymentPending, rec.PaymentStatus)
	r.Equal("start", rec.CurrentStage)
	r.Equal("exec-1", rec.CorrelationID)
	r.NotNil(rec.AgentResults)
	r.NotNil(rec.Metadata)

	got, err := r.store.Get(r.ctx, "exec-1")
	r.Require().NoError(err)
	r.Equal("Build a todo app", got.Prompt)
	r.Equal("user-1", got.UserID)
}

func (r *RedisRecordStoreTestSuite) TestCreate_IsIdempotent() {
	r.create("exec-1")
	_, err := SetStage(r.ctx, r.store, "exec-1", "database")
	r.Require().NoError(err)

	rec, created, err := r.store.Create(r.ctx, api.NewRecord{
		ExecutionID: "exec-1",
		UserID:      "someone-else",
		Prompt:      "different",
	})
	r.Require().NoError(err)
	r.False(created, "second creator must not clobber the first")
	r.Equal("user-1", rec.UserID)
	r.Equal("database", rec.CurrentStage)
}

func (r *RedisRecordStoreTestSuite) TestCreate_ConcurrentCreatorsOnlyOneWins() {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			_, created, err := r.store.Create(r.ctx, api.NewRecord{ExecutionID: "exec-race", UserID: user})
			if err == nil && created {
				mu.Lock()
				winners = append(winners, user)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	r.Require().Len(winners, 1)
	got, err := r.store.Get(r.ctx, "exec-race")
	r.Require().NoError(err)
	r.Equal(winners[0], got.UserID)
}

func (r *RedisRecordStoreTestSuite) TestGet_MissingRecord() {
	_, err := r.store.Get(r.ctx, "nope")
	r.True(errors.Is(err, errors.ErrRecordNotFound))
}

func (r *RedisRecordStoreTestSuite) TestAtomicUpdate_MissingRecord() {
	_, err := r.store.AtomicUpdate(r.ctx, "nope", func(rec *api.Record) error { return nil })
	r.True(errors.Is(err, errors.ErrRecordNotFound))
}

func (r *RedisRecordStoreTestSuite) TestAtomicUpdate_MutatorErrorAbortsWithoutCommit() {
	r.create("exec-1")
	boom := errors.New("boom")

	_, err := r.store.AtomicUpdate(r.ctx, "exec-1", func(rec *api.Record) error {
		rec.CurrentStage = "should-not-persist"
		return boom
	})
	r.True(errors.Is(err, boom))

	got, err := r.store.Get(r.ctx, "exec-1")
	r.Require().NoError(err)
	r.Equal("start", got.CurrentStage)
}

func (r *RedisRecordStoreTestSuite) TestAtomicUpdate_ConcurrentDistinctStepsAllPersist() {
	r.create("exec-stress")

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			step := fmt.Sprintf("StressAgent_%d", i)
			_, err := SetStepResult(r.ctx, r.store, "exec-stress", step, StepUpdate{
				Status: api.StepCompleted,
				Tokens: int64(i + 1),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		r.Require().NoError(err)
	}

	got, err := r.store.Get(r.ctx, "exec-stress")
	r.Require().NoError(err)
	r.Len(got.AgentResults, writers)
	for i := 0; i < writers; i++ {
		sr, ok := got.Step(fmt.Sprintf("StressAgent_%d", i))
		r.Require().True(ok)
		r.Equal(api.StepCompleted, sr.Status)
		r.Equal(int64(i+1), sr.Tokens)
	}
}

func (r *RedisRecordStoreTestSuite) TestAtomicUpdate_ConcurrentStoresDoNotLoseWrites() {
	r.create("exec-multi")
	// A second store on its own connection pool behaves like another process.
	other := NewRedisRecordStore(r.newClient(), WithMaxAttempts(50))
	own := NewRedisRecordStore(r.client, WithMaxAttempts(50))

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		for j, s := range []*RedisRecordStore{own, other} {
			wg.Add(1)
			go func(s *RedisRecordStore, step string) {
				defer wg.Done()
				_, err := SetStepResult(r.ctx, s, "exec-multi", step, StepUpdate{Status: api.StepCompleted})
				r.NoError(err)
			}(s, fmt.Sprintf("step-%d-%d", j, i))
		}
	}
	wg.Wait()

	got, err := r.store.Get(r.ctx, "exec-multi")
	r.Require().NoError(err)
	r.Len(got.AgentResults, 12)
}

func (r *RedisRecordStoreTestSuite) TestAtomicUpdate_RetriesOnConflictAndMerges() {
	r.create("exec-conflict")
	key := r.store.Key("exec-conflict")
	injector := r.newClient()

	calls := 0
	rec, err := r.store.AtomicUpdate(r.ctx, "exec-conflict", func(rec *api.Record) error {
		calls++
		if calls == 1 {
			// Another writer lands between our snapshot and our commit.
			current, err := r.store.Get(r.ctx, "exec-conflict")
			r.Require().NoError(err)
			current.Metadata["injected"] = true
			data, err := EncodeRecord(current)
			r.Require().NoError(err)
			r.Require().NoError(injector.Set(r.ctx, key, data, 0).Err())
		}
		rec.CurrentStage = "simulated_conflict_stage"
		return nil
	})
	r.Require().NoError(err)
	r.Equal(2, calls, "mutator should run again after the conflict")
	r.Equal("simulated_conflict_stage", rec.CurrentStage)

	got, err := r.store.Get(r.ctx, "exec-conflict")
	r.Require().NoError(err)
	r.Equal("simulated_conflict_stage", got.CurrentStage)
	r.Equal(true, got.Metadata["injected"])
}

func (r *RedisRecordStoreTestSuite) TestAtomicUpdate_ExhaustedRetriesRaiseConcurrencyExceeded() {
	r.create("exec-hot")
	key := r.store.Key("exec-hot")
	injector := r.newClient()

	calls := 0
	_, err := r.store.AtomicUpdate(r.ctx, "exec-hot", func(rec *api.Record) error {
		calls++
		raw, err := injector.Get(r.ctx, key).Bytes()
		r.Require().NoError(err)
		r.Require().NoError(injector.Set(r.ctx, key, raw, 48*time.Hour).Err())
		rec.CurrentStage = "never"
		return nil
	})
	r.True(errors.Is(err, errors.ErrConcurrencyExceeded), "got %v", err)
	r.Equal(DefaultMaxAttempts, calls)

	got, err := r.store.Get(r.ctx, "exec-hot")
	r.Require().NoError(err)
	r.Equal("start", got.CurrentStage)
}

func (r *RedisRecordStoreTestSuite) TestTTL_RollsOnEveryUpdate() {
	r.create("exec-ttl")
	key := r.store.Key("exec-ttl")

	r.Equal(24*time.Hour, r.mr.TTL(key))

	r.mr.FastForward(10 * time.Hour)
	r.Equal(14*time.Hour, r.mr.TTL(key))

	_, err := SetStage(r.ctx, r.store, "exec-ttl", "ttl_refresh_check")
	r.Require().NoError(err)
	r.Equal(24*time.Hour, r.mr.TTL(key), "update must reset the TTL, not decrement it")

	r.mr.FastForward(25 * time.Hour)
	_, err = r.store.Get(r.ctx, "exec-ttl")
	r.True(errors.Is(err, errors.ErrRecordNotFound), "abandoned record should expire")
}

func (r *RedisRecordStoreTestSuite) TestUpdate_PatchMergesMetadataAndGuardsPayment() {
	r.create("exec-patch")

	_, err := r.store.Update(r.ctx, "exec-patch", Patch{Metadata: map[string]any{"a": "1"}})
	r.Require().NoError(err)
	_, err = r.store.Update(r.ctx, "exec-patch", Patch{
		Metadata:      map[string]any{"b": "2"},
		PaymentStatus: Ptr(api.PaymentVerified),
	})
	r.Require().NoError(err)

	got, err := r.store.Get(r.ctx, "exec-patch")
	r.Require().NoError(err)
	r.Equal("1", got.Metadata["a"])
	r.Equal("2", got.Metadata["b"])
	r.Equal(api.PaymentVerified, got.PaymentStatus)

	_, err = r.store.Update(r.ctx, "exec-patch", Patch{PaymentStatus: Ptr(api.PaymentPending)})
	r.True(errors.Is(err, errors.ErrInvalidTransition))
}

func (r *RedisRecordStoreTestSuite) TestSetStepResult_Lifecycle() {
	r.create("exec-step")

	_, err := SetStepResult(r.ctx, r.store, "exec-step", "DatabaseAgent", StepUpdate{
		Status:       api.StepInProgress,
		BeginAttempt: true,
	})
	r.Require().NoError(err)

	got, err := r.store.Get(r.ctx, "exec-step")
	r.Require().NoError(err)
	sr, _ := got.Step("DatabaseAgent")
	r.Equal(api.StepInProgress, sr.Status)
	r.Equal(1, sr.Attempts)
	r.Nil(sr.EndTime)

	_, err = SetStepResult(r.ctx, r.store, "exec-step", "DatabaseAgent", StepUpdate{
		Status: api.StepCompleted,
		Data:   []byte(`{"schema":"CREATE TABLE todos (id int);"}`),
		Tokens: 150,
	})
	r.Require().NoError(err)

	got, err = r.store.Get(r.ctx, "exec-step")
	r.Require().NoError(err)
	sr, _ = got.Step("DatabaseAgent")
	r.Equal(api.StepCompleted, sr.Status)
	r.Equal(int64(150), sr.Tokens)
	r.NotNil(sr.EndTime)
	r.JSONEq(`{"schema":"CREATE TABLE todos (id int);"}`, string(sr.Data))
}

func (r *RedisRecordStoreTestSuite) TestFinalize_ComputesTotals() {
	r.create("exec-final")
	_, err := SetStepResult(r.ctx, r.store, "exec-final", "A", StepUpdate{Status: api.StepCompleted, Tokens: 40})
	r.Require().NoError(err)
	_, err = SetStepResult(r.ctx, r.store, "exec-final", "B", StepUpdate{Status: api.StepCompleted, Tokens: 60})
	r.Require().NoError(err)

	rec, err := Finalize(r.ctx, r.store, "exec-final", Finalization{Status: api.ExecutionFailed, Error: "boom", CostPer1KTokens: 0.5})
	r.Require().NoError(err)
	r.Equal(api.ExecutionFailed, rec.Status)
	r.Equal(int64(100), rec.Metrics.TokensTotal)
	r.InDelta(0.05, rec.Metrics.CostTotal, 1e-9)
	r.Equal("boom", rec.LastError)
	r.NotNil(rec.Metrics.EndTime)
	r.GreaterOrEqual(rec.Metrics.TotalDurationMs, int64(0))
}

func (r *RedisRecordStoreTestSuite) TestSetExecutionStatus_StopsAtTerminal() {
	r.create("exec-status")

	rec, err := SetExecutionStatus(r.ctx, r.store, "exec-status", api.ExecutionValidating)
	r.Require().NoError(err)
	r.Equal(api.ExecutionValidating, rec.Status)

	rec, err = SetStepResult(r.ctx, r.store, "exec-status", "A", StepUpdate{Status: api.StepInProgress, BeginAttempt: true})
	r.Require().NoError(err)
	r.Equal(api.ExecutionExecuting, rec.Status)

	_, err = Finalize(r.ctx, r.store, "exec-status", Finalization{Status: api.ExecutionCompleted})
	r.Require().NoError(err)

	_, err = SetExecutionStatus(r.ctx, r.store, "exec-status", api.ExecutionValidating)
	r.Require().Error(err)
	r.True(errors.Is(err, errors.ErrInvalidTransition))

	got, err := r.store.Get(r.ctx, "exec-status")
	r.Require().NoError(err)
	r.Equal(api.ExecutionCompleted, got.Status)
	r.Zero(got.Metrics.CostTotal)
}
