package governance

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
)

const (
	StatusHealthy = "healthy"
	StatusWarning = "warning"

	defaultVarianceThreshold = 1.0
	reconciliationStatusTTL  = 7 * 24 * time.Hour
)

// UsageSource returns the authoritative token total for a user and month.
type UsageSource interface {
	SumForMonth(ctx context.Context, userID, month string) (int64, error)
}

// Check is one counter compared against the ledger.
type Check struct {
	UserID          string  `json:"userId" yaml:"userId"`
	Month           string  `json:"month" yaml:"month"`
	RedisTokens     int64   `json:"redisTokens" yaml:"redisTokens"`
	LedgerTokens    int64   `json:"ledgerTokens" yaml:"ledgerTokens"`
	VariancePercent float64 `json:"variancePercent" yaml:"variancePercent"`
	Discrepancy     bool    `json:"discrepancy" yaml:"discrepancy"`
}

// Report summarizes one reconciliation pass.
type Report struct {
	LastRun       time.Time `json:"lastRun" yaml:"lastRun"`
	Checks        int       `json:"checks" yaml:"checks"`
	Discrepancies int       `json:"discrepancies" yaml:"discrepancies"`
	Status        string    `json:"status" yaml:"status"`
	Errors        []string  `json:"errors,omitempty" yaml:"errors,omitempty"`
	Details       []Check   `json:"-" yaml:"details,omitempty"`
}

// Reconciler compares the Redis token counters with the billing ledger.
type Reconciler struct {
	client    redis.UniversalClient
	source    UsageSource
	threshold float64
	log       *zap.SugaredLogger
	now       func() time.Time
}

func NewReconciler(client redis.UniversalClient, source UsageSource, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		client:    client,
		source:    source,
		threshold: defaultVarianceThreshold,
		log:       logger.OrNop(log).With(logger.FieldComponent, "reconciler"),
		now:       time.Now,
	}
}

// Run scans every monthly token counter, flags those whose variance from
// the ledger exceeds 1% and stores the summary under
// ReconciliationStatusKey. Per-key ledger failures are collected in the
// report; scan and status write failures abort the run.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	rep := Report{LastRun: r.now().UTC()}

	iter := r.client.Scan(ctx, 0, tokensPrefix+"*:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID, month, ok := parseTokensKey(key)
		if !ok {
			continue
		}
		rep.Checks++

		c, err := r.check(ctx, key, userID, month)
		if err != nil {
			r.log.Errorw("reconcile_check_failed", logger.FieldKey, key, logger.FieldError, err)
			rep.Errors = append(rep.Errors, err.Error())
			continue
		}
		if c.Discrepancy {
			rep.Discrepancies++
			r.log.Errorw("reconciliation_variance_detected",
				logger.FieldUserID, userID,
				"month", month,
				"redis_tokens", c.RedisTokens,
				"ledger_tokens", c.LedgerTokens,
				"variance_percent", c.VariancePercent,
			)
		} else {
			r.log.Debugw("reconciled", logger.FieldUserID, userID, "month", month)
		}
		rep.Details = append(rep.Details, c)
	}
	if err := iter.Err(); err != nil {
		return rep, errors.Wrap(err, "scan token counters")
	}

	rep.Status = StatusHealthy
	if rep.Discrepancies > 0 {
		rep.Status = StatusWarning
	}

	raw, err := json.Marshal(rep)
	if err != nil {
		return rep, err
	}
	if err := r.client.Set(ctx, ReconciliationStatusKey, raw, reconciliationStatusTTL).Err(); err != nil {
		return rep, errors.Wrap(err, "write reconciliation status")
	}

	r.log.Infow("reconciliation_finished",
		"checks", rep.Checks,
		"discrepancies", rep.Discrepancies,
		logger.FieldStatus, rep.Status,
	)
	return rep, nil
}

func (r *Reconciler) check(ctx context.Context, key, userID, month string) (Check, error) {
	c := Check{UserID: userID, Month: month}

	redisTokens, err := r.client.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return c, errors.Wrapf(err, "read %s", key)
	}
	c.RedisTokens = redisTokens

	ledgerTokens, err := r.source.SumForMonth(ctx, userID, month)
	if err != nil {
		return c, errors.Wrapf(err, "ledger sum for %s in %s", userID, month)
	}
	c.LedgerTokens = ledgerTokens

	c.VariancePercent = variancePercent(redisTokens, ledgerTokens)
	c.Discrepancy = c.VariancePercent > r.threshold
	return c, nil
}

// variancePercent is |redis-ledger|/ledger*100, or 0 with an empty ledger.
func variancePercent(redisTokens, ledgerTokens int64) float64 {
	if ledgerTokens <= 0 {
		return 0
	}
	return math.Abs(float64(redisTokens-ledgerTokens)) * 100 / float64(ledgerTokens)
}

// LastStatus reads the summary written by the previous Run.
func LastStatus(ctx context.Context, client redis.UniversalClient) (Report, bool, error) {
	raw, err := client.Get(ctx, ReconciliationStatusKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, errors.Wrap(err, "read reconciliation status")
	}
	var rep Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		return Report{}, false, errors.Wrap(err, "decode reconciliation status")
	}
	return rep, true, nil
}
