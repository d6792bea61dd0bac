// Package governance enforces per-user cost limits on top of Redis: a daily
// execution quota, a monthly token budget and a global kill switch.
//
// Rejections are returned as decisions, not errors. Errors mean the store
// could not be consulted.
package governance

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/internal/ledger"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
)

const (
	ReasonKillSwitch     = "kill_switch"
	ReasonQuotaExceeded  = "quota_exceeded"
	ReasonBudgetExceeded = "budget_exceeded"
)

// Limits configures one admission check.
type Limits struct {
	MaxDailyGenerations int64
	MaxMonthlyTokens    int64
	// Bypass is the owner override: limits are skipped and the override is
	// audited in the ledger.
	Bypass bool
}

func DefaultLimits() Limits {
	return Limits{MaxDailyGenerations: 50, MaxMonthlyTokens: 5_000_000}
}

type ExecutionDecision struct {
	Allowed      bool
	Reason       string
	CurrentCount int64
}

type TokenDecision struct {
	Allowed    bool
	Reason     string
	UsedTokens int64
}

// Admission is the result of Admit.
type Admission struct {
	Allowed   bool
	Reason    string
	Execution ExecutionDecision
	Tokens    TokenDecision
}

// Err maps a rejection to its sentinel; nil when allowed.
func (a Admission) Err() error {
	switch {
	case a.Allowed:
		return nil
	case a.Reason == ReasonKillSwitch:
		return ErrKillSwitch()
	case a.Reason == ReasonQuotaExceeded:
		return errors.Wrapf(errors.ErrQuotaExceeded, "%d executions today", a.Execution.CurrentCount)
	default:
		return errors.Wrapf(errors.ErrBudgetExceeded, "%d tokens used this month", a.Tokens.UsedTokens)
	}
}

// ErrKillSwitch is returned to callers rejected by the kill switch.
func ErrKillSwitch() error {
	return errors.WithHint(errors.ErrKillSwitchActive, "clear "+KillSwitchKey+" to resume admissions")
}

// BillingLedger is the SQL side of governance.
type BillingLedger interface {
	Append(ctx context.Context, e ledger.Entry) (bool, error)
	AuditOverride(ctx context.Context, o ledger.Override) error
}

// Service is safe for concurrent use.
type Service struct {
	client    redis.UniversalClient
	ledger    BillingLedger
	devBypass bool
	log       *zap.SugaredLogger
	now       func() time.Time
}

type Option func(*Service)

// WithLedger mirrors token usage and owner overrides into a SQL ledger.
func WithLedger(l BillingLedger) Option {
	return func(s *Service) { s.ledger = l }
}

// WithDevBypass disables every limit. Counters are still read for reporting.
func WithDevBypass(enabled bool) Option {
	return func(s *Service) { s.devBypass = enabled }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Service) { s.log = logger.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(client redis.UniversalClient, opts ...Option) *Service {
	s := &Service{
		client: client,
		log:    logger.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logger.FieldComponent, "governance")
	return s
}

// IsKillSwitchActive reports whether new executions are halted. It is
// always false in dev bypass mode.
func (s *Service) IsKillSwitchActive(ctx context.Context) (bool, error) {
	if s.devBypass {
		return false, nil
	}
	v, err := s.client.Get(ctx, KillSwitchKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "read kill switch")
	}
	return v == "true", nil
}

// SetKillSwitch turns the kill switch on or off. It carries no TTL.
func (s *Service) SetKillSwitch(ctx context.Context, active bool) error {
	var err error
	if active {
		err = s.client.Set(ctx, KillSwitchKey, "true", 0).Err()
	} else {
		err = s.client.Del(ctx, KillSwitchKey).Err()
	}
	if err != nil {
		return errors.Wrap(err, "set kill switch")
	}
	s.log.Warnw("kill_switch_changed", "active", active)
	return nil
}

// CheckAndIncrementExecutionLimit consumes one daily execution ticket when
// the user is below MaxDailyGenerations. The check and increment run as a
// single script.
func (s *Service) CheckAndIncrementExecutionLimit(ctx context.Context, userID, executionID string, limits Limits) (ExecutionDecision, error) {
	key := ExecutionsKey(userID, s.now())

	if s.devBypass || limits.Bypass {
		if limits.Bypass && !s.devBypass {
			s.auditOverride(ctx, userID, executionID)
		}
		n, err := s.readCounter(ctx, key)
		if err != nil {
			return ExecutionDecision{}, err
		}
		return ExecutionDecision{Allowed: true, CurrentCount: n}, nil
	}

	res, err := checkAndIncrScript.Run(ctx, s.client, []string{key},
		limits.MaxDailyGenerations, int64(executionsTTL/time.Second)).Int64Slice()
	if err != nil {
		return ExecutionDecision{}, errors.Wrap(err, "validate billing execution limits")
	}

	d := ExecutionDecision{Allowed: res[0] == 1, CurrentCount: res[1]}
	if !d.Allowed {
		d.Reason = ReasonQuotaExceeded
		s.log.Warnw("daily_generation_limit_exceeded",
			logger.FieldUserID, userID,
			logger.FieldCount, d.CurrentCount,
			logger.FieldLimit, limits.MaxDailyGenerations,
		)
	}
	return d, nil
}

// RefundExecution returns a ticket consumed by a request that never ran.
// Failures are logged.
func (s *Service) RefundExecution(ctx context.Context, userID string) {
	key := ExecutionsKey(userID, s.now())
	if err := refundScript.Run(ctx, s.client, []string{key}).Err(); err != nil {
		s.log.Errorw("refund_execution_failed", logger.FieldUserID, userID, logger.FieldError, err)
	}
}

// CheckTokenLimit reports whether the user's monthly usage is below
// MaxMonthlyTokens. It does not consume anything.
func (s *Service) CheckTokenLimit(ctx context.Context, userID string, limits Limits) (TokenDecision, error) {
	used, err := s.readCounter(ctx, TokensKey(userID, s.now()))
	if err != nil {
		return TokenDecision{}, errors.Wrap(err, "validate token budget")
	}
	if s.devBypass || limits.Bypass {
		return TokenDecision{Allowed: true, UsedTokens: used}, nil
	}
	if used >= limits.MaxMonthlyTokens {
		s.log.Warnw("monthly_token_budget_exceeded",
			logger.FieldUserID, userID,
			logger.FieldTokens, used,
			logger.FieldLimit, limits.MaxMonthlyTokens,
		)
		return TokenDecision{Allowed: false, Reason: ReasonBudgetExceeded, UsedTokens: used}, nil
	}
	return TokenDecision{Allowed: true, UsedTokens: used}, nil
}

// RecordTokenUsage adds tokens to the monthly counter and appends a ledger
// entry. Both writes are attempted independently and failures are only
// logged, so a completed build is never failed by billing telemetry.
func (s *Service) RecordTokenUsage(ctx context.Context, userID, executionID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	now := s.now()
	key := TokensKey(userID, now)

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.IncrBy(ctx, key, tokens)
		p.Expire(ctx, key, tokensTTL)
		return nil
	})
	if err != nil {
		s.log.Errorw("record_token_usage_failed",
			logger.FieldUserID, userID,
			logger.FieldExecutionID, executionID,
			logger.FieldTokens, tokens,
			logger.FieldError, err,
		)
	}

	if s.ledger != nil {
		inserted, lerr := s.ledger.Append(ctx, ledger.Entry{
			UserID:      userID,
			ExecutionID: executionID,
			TokensUsed:  tokens,
			RecordedAt:  now,
		})
		switch {
		case lerr != nil:
			s.log.Errorw("billing_ledger_append_failed",
				logger.FieldUserID, userID,
				logger.FieldExecutionID, executionID,
				logger.FieldError, lerr,
			)
		case !inserted:
			s.log.Warnw("billing_ledger_duplicate", logger.FieldExecutionID, executionID)
		}
	}

	if err == nil {
		s.log.Infow("token_usage_recorded",
			logger.FieldUserID, userID,
			logger.FieldExecutionID, executionID,
			logger.FieldTokens, tokens,
		)
	}
}

// Admit runs the upstream admission sequence: kill switch, then the daily
// quota, then the token budget. A ticket consumed before the budget check
// rejects is refunded.
func (s *Service) Admit(ctx context.Context, userID, executionID string, limits Limits) (Admission, error) {
	if !limits.Bypass {
		killed, err := s.IsKillSwitchActive(ctx)
		if err != nil {
			return Admission{}, err
		}
		if killed {
			s.log.Warnw("admission_rejected", logger.FieldUserID, userID, "reason", ReasonKillSwitch)
			return Admission{Reason: ReasonKillSwitch}, nil
		}
	}

	exec, err := s.CheckAndIncrementExecutionLimit(ctx, userID, executionID, limits)
	if err != nil {
		return Admission{}, err
	}
	if !exec.Allowed {
		return Admission{Reason: exec.Reason, Execution: exec}, nil
	}

	tok, err := s.CheckTokenLimit(ctx, userID, limits)
	if err != nil {
		s.refundIfConsumed(ctx, userID, limits)
		return Admission{}, err
	}
	if !tok.Allowed {
		s.refundIfConsumed(ctx, userID, limits)
		return Admission{Reason: tok.Reason, Execution: exec, Tokens: tok}, nil
	}

	return Admission{Allowed: true, Execution: exec, Tokens: tok}, nil
}

// ReleaseAdmission gives back the daily ticket taken by an allowed Admit
// whose execution was then not started.
func (s *Service) ReleaseAdmission(ctx context.Context, userID string, limits Limits) {
	s.refundIfConsumed(ctx, userID, limits)
}

func (s *Service) refundIfConsumed(ctx context.Context, userID string, limits Limits) {
	if s.devBypass || limits.Bypass {
		return
	}
	s.RefundExecution(ctx, userID)
}

func (s *Service) auditOverride(ctx context.Context, userID, executionID string) {
	s.log.Infow("owner_override", logger.FieldUserID, userID, logger.FieldExecutionID, executionID)
	if s.ledger == nil {
		return
	}
	err := s.ledger.AuditOverride(ctx, ledger.Override{
		UserID:      userID,
		ExecutionID: executionID,
		RecordedAt:  s.now(),
	})
	if err != nil {
		s.log.Errorw("owner_override_audit_failed",
			logger.FieldUserID, userID,
			logger.FieldExecutionID, executionID,
			logger.FieldError, err,
		)
	}
}

func (s *Service) readCounter(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	return n, nil
}
