package multiagent

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/internal/agents"
	"github.com/KiranJinka45/multiAgent-sub000/internal/billing"
	"github.com/KiranJinka45/multiAgent-sub000/internal/breaker"
	"github.com/KiranJinka45/multiAgent-sub000/internal/config"
	"github.com/KiranJinka45/multiAgent-sub000/internal/engine"
	"github.com/KiranJinka45/multiAgent-sub000/internal/governance"
	"github.com/KiranJinka45/multiAgent-sub000/internal/ledger"
	"github.com/KiranJinka45/multiAgent-sub000/internal/lock"
	"github.com/KiranJinka45/multiAgent-sub000/internal/persistence"
	"github.com/KiranJinka45/multiAgent-sub000/internal/progress"
	"github.com/KiranJinka45/multiAgent-sub000/internal/taskqueue"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
	"github.com/KiranJinka45/multiAgent-sub000/worker"
)

// Bundle wires together the record store, the quorum lock, governance,
// the orchestrator, a durable task queue and a Worker that consumes tasks
// from that queue.
type Bundle struct {
	Config       *config.Config
	Store        *persistence.RedisRecordStore
	Locker       *lock.Redlock
	Governance   *governance.Service
	Ledger       *ledger.SQLLedger
	Progress     *progress.RedisPublisher
	Orchestrator *engine.Orchestrator
	Queue        *taskqueue.RedisQueue
	Worker       *worker.Worker
	Verifier     *billing.Verifier
	Metrics      *api.BasicMetrics

	client      redis.UniversalClient
	lockClients []redis.UniversalClient
	db          *sql.DB
	ownsClients bool
	log         *zap.SugaredLogger
}

type bundleOptions struct {
	client      redis.UniversalClient
	lockClients []redis.UniversalClient
	agents      *engine.Agents
	validator   api.Validator
}

// BundleOption customizes NewBundle.
type BundleOption func(*bundleOptions)

// WithRedisClients uses existing clients instead of dialing the configured
// addresses. The bundle does not close them.
func WithRedisClients(main redis.UniversalClient, lockNodes ...redis.UniversalClient) BundleOption {
	return func(o *bundleOptions) {
		o.client = main
		o.lockClients = lockNodes
	}
}

// WithAgents replaces the LLM-backed agents and validator.
func WithAgents(a engine.Agents, v api.Validator) BundleOption {
	return func(o *bundleOptions) {
		o.agents = &a
		o.validator = v
	}
}

// NewBundle constructs every component from cfg.
func NewBundle(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, opts ...BundleOption) (*Bundle, error) {
	var o bundleOptions
	for _, opt := range opts {
		opt(&o)
	}
	log = logger.OrNop(log)

	b := &Bundle{Config: cfg, log: log, Metrics: &api.BasicMetrics{}}
	if o.client != nil {
		b.client = o.client
		b.lockClients = o.lockClients
	} else {
		b.ownsClients = true
		b.client = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		for _, addr := range cfg.LockAddrs() {
			if addr == cfg.Redis.Addr {
				b.lockClients = append(b.lockClients, b.client)
				continue
			}
			b.lockClients = append(b.lockClients, redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password}))
		}
	}
	if len(b.lockClients) == 0 {
		b.lockClients = []redis.UniversalClient{b.client}
	}

	if err := b.client.Ping(ctx).Err(); err != nil {
		_ = b.Close()
		return nil, errors.WithHintf(errors.Wrap(err, "connect to redis"), "check redis.addr (%s)", cfg.Redis.Addr)
	}

	if err := b.build(ctx, o); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bundle) build(ctx context.Context, o bundleOptions) error {
	cfg, log := b.Config, b.log
	observer := api.NewCompositeObserver(api.NewLoggingObserver(log), b.Metrics)

	b.Store = persistence.NewRedisRecordStore(b.client,
		persistence.WithTTL(cfg.Record.TTL),
		persistence.WithMaxAttempts(cfg.Record.MaxAttempts),
		persistence.WithLogger(log),
	)

	var err error
	b.Locker, err = lock.New(b.lockClients, lock.Options{
		RetryCount:  cfg.Lock.RetryCount,
		RetryDelay:  cfg.Lock.RetryDelay,
		RetryJitter: cfg.Lock.RetryJitter,
		DriftFactor: cfg.Lock.DriftFactor,
	}, observer, log)
	if err != nil {
		return err
	}

	govOpts := []governance.Option{
		governance.WithLogger(log),
		governance.WithDevBypass(cfg.Governance.DevBypass),
	}
	if cfg.Ledger.Driver != "" {
		b.Ledger, b.db, err = ledger.Open(ctx, cfg.Ledger.Driver, cfg.Ledger.DSN)
		if err != nil {
			return err
		}
		govOpts = append(govOpts, governance.WithLedger(b.Ledger))
	}
	b.Governance = governance.NewService(b.client, govOpts...)
	b.Progress = progress.NewRedisPublisher(b.client, cfg.Progress.StateTTL, log)

	steps := o.agents
	validator := o.validator
	if steps == nil {
		llm, err := agents.NewChatClient(agents.ClientConfig{
			BaseURL:           cfg.LLM.BaseURL,
			APIKey:            cfg.LLM.APIKey,
			RequestsPerSecond: cfg.LLM.RequestsPerSecond,
			Timeout:           cfg.LLM.Timeout,
			Breaker: breaker.New(breaker.Config{
				Name:             "llm",
				FailureThreshold: cfg.Breaker.FailureThreshold,
				ResetTimeout:     cfg.Breaker.ResetTimeout,
			}, log),
			Logger: log,
		})
		if err != nil {
			return err
		}
		var a engine.Agents
		a.Database, a.Backend, a.Frontend, a.Deployment, a.Testing = agents.Set(llm, cfg.LLM.Model, log)
		steps = &a
		validator = agents.NewValidator(llm, cfg.LLM.ValidatorModel, log)
	}

	b.Orchestrator, err = engine.NewOrchestrator(engine.Config{
		Store:     b.Store,
		Agents:    *steps,
		Validator: validator,
		Retrier: engine.NewRetrier(engine.RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			BaseDelay:      cfg.Retry.BaseDelay,
			AttemptTimeout: cfg.Retry.AttemptTimeout,
		}, observer, log),
		Usage:           b.Governance,
		Progress:        b.Progress,
		Observer:        observer,
		Logger:          log,
		CostPer1KTokens: cfg.Governance.CostPer1KTokens,
	})
	if err != nil {
		return err
	}

	var reconcile func(ctx context.Context) error
	if r := b.Reconciler(); r != nil {
		reconcile = func(ctx context.Context) error {
			_, err := r.Run(ctx)
			return err
		}
	}

	b.Queue = taskqueue.NewRedisQueue(b.client, cfg.Queue.Name, taskqueue.WithLogger(log))
	b.Worker = worker.NewWithConfig(b.Orchestrator, b.Queue, worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		LeaseTTL:    cfg.Worker.LockDuration,
		Retry: taskqueue.RetryPolicy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			Backoff:     cfg.Queue.Backoff,
		},
		Locker:            b.Locker,
		LockTTL:           cfg.Lock.TTL,
		Reconcile:         reconcile,
		ReconcileInterval: cfg.Worker.ReconcileInterval,
		Logger:            log,
	})
	b.Verifier = billing.NewVerifier(b.Store, b.Locker, cfg.Lock.TTL, log)
	return nil
}

// Limits returns the governance limits from config.
func (b *Bundle) Limits() governance.Limits {
	return governance.Limits{
		MaxDailyGenerations: b.Config.Governance.MaxDailyGenerations,
		MaxMonthlyTokens:    b.Config.Governance.MaxMonthlyTokens,
	}
}

// Reconciler compares Redis token counters against the ledger. It returns
// nil when no ledger is configured.
func (b *Bundle) Reconciler() *governance.Reconciler {
	if b.Ledger == nil {
		return nil
	}
	return governance.NewReconciler(b.client, b.Ledger, b.log)
}

// Client is the main Redis client.
func (b *Bundle) Client() redis.UniversalClient { return b.client }

// Close releases the clients and database the bundle opened.
func (b *Bundle) Close() error {
	var errs []error
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	if b.ownsClients {
		seen := map[redis.UniversalClient]bool{}
		for _, c := range append([]redis.UniversalClient{b.client}, b.lockClients...) {
			if c == nil || seen[c] {
				continue
			}
			seen[c] = true
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
