// Package billing performs the caller-facing charge for an execution
// exactly once, serialized per execution by the distributed lock.
package billing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/internal/lock"
	"github.com/KiranJinka45/multiAgent-sub000/internal/persistence"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

// metaPaymentClaim holds the lock token of the attempt allowed to charge.
// It is written before the charge and never removed.
const metaPaymentClaim = "paymentClaim"

// ChargeFunc performs the external charge. It runs at most once per
// execution.
type ChargeFunc func(ctx context.Context, rec *api.Record) error

// Locker acquires the execution lock. *lock.Redlock implements it.
type Locker interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration) (*lock.Lock, error)
}

type VerifyRequest struct {
	ExecutionID string
	UserID      string
	ProjectID   string
	Prompt      string
}

// Outcome reports what Verify did.
type Outcome struct {
	Record  *api.Record
	Charged bool
}

type Verifier struct {
	store   persistence.RecordStore
	locker  Locker
	lockTTL time.Duration
	log     *zap.SugaredLogger
}

func NewVerifier(store persistence.RecordStore, locker Locker, lockTTL time.Duration, log *zap.SugaredLogger) *Verifier {
	if lockTTL <= 0 {
		lockTTL = lock.DefaultTTL
	}
	return &Verifier{
		store:   store,
		locker:  locker,
		lockTTL: lockTTL,
		log:     logger.OrNop(log).With(logger.FieldComponent, "billing"),
	}
}

// Verify makes sure the execution's record exists and its payment is
// verified, charging only when it is still pending. A payment that
// previously failed is not retried.
//
// The execution lock is kept alive while Verify runs and the charge context
// is cancelled if it is lost. The charge itself is claimed on the record
// first, so a caller that acquires the lock after it lapsed cannot charge
// again.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest, charge ChargeFunc) (Outcome, error) {
	log := v.log.With(logger.FieldExecutionID, req.ExecutionID)

	l, err := v.locker.Acquire(ctx, lock.ExecutionResource(req.ExecutionID), v.lockTTL)
	if err != nil {
		return Outcome{}, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := l.Keepalive(runCtx, v.lockTTL, v.lockTTL/3); err != nil {
			log.Errorw("Execution lock lost during payment verification", logger.FieldError, err)
			cancel(errors.Wrap(err, "execution lock lost"))
		}
	}()

	out, err := v.verify(runCtx, req, l.Token(), charge, log)

	cancel(nil)
	wg.Wait()

	relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer relCancel()
	if relErr := l.Release(relCtx); relErr != nil {
		// The claim on the record decides the outcome; a lapsed lock does not.
		log.Errorw("Failed to release distributed lock", logger.FieldError, relErr)
	}
	return out, err
}

func (v *Verifier) verify(ctx context.Context, req VerifyRequest, token string, charge ChargeFunc, log *zap.SugaredLogger) (Outcome, error) {
	var out Outcome

	rec, created, err := v.store.Create(ctx, api.NewRecord{
		ExecutionID: req.ExecutionID,
		UserID:      req.UserID,
		ProjectID:   req.ProjectID,
		Prompt:      req.Prompt,
	})
	if err != nil {
		return out, err
	}
	out.Record = rec
	if created {
		log.Infow("Execution record initialized")
	}

	claimed := false
	rec, err = v.store.AtomicUpdate(ctx, req.ExecutionID, func(r *api.Record) error {
		claimed = false
		switch r.PaymentStatus {
		case api.PaymentVerified:
			return nil
		case api.PaymentFailed:
			return errors.Wrapf(errors.ErrPaymentFailed, "execution %s", req.ExecutionID)
		}
		if holder, ok := r.Metadata[metaPaymentClaim]; ok && holder != token {
			return errors.WithHint(
				errors.Wrapf(errors.ErrPaymentInProgress, "execution %s", req.ExecutionID),
				"a previous charge attempt has not recorded its outcome; reconcile before charging again",
			)
		}
		r.Metadata[metaPaymentClaim] = token
		claimed = true
		return nil
	})
	if err != nil {
		return out, err
	}
	out.Record = rec
	if !claimed {
		log.Infow("Payment already verified")
		return out, nil
	}

	chargeErr := charge(ctx, rec)
	if chargeErr == nil {
		out.Charged = true
	}

	// The outcome is recorded even if ctx was cancelled while charging.
	status := api.PaymentVerified
	if chargeErr != nil {
		status = api.PaymentFailed
	}
	rec, err = v.store.AtomicUpdate(context.WithoutCancel(ctx), req.ExecutionID, func(r *api.Record) error {
		if r.Metadata[metaPaymentClaim] != token {
			return errors.Wrapf(errors.ErrPaymentInProgress, "claim for execution %s changed hands", req.ExecutionID)
		}
		if !r.PaymentStatus.CanTransition(status) {
			return errors.Wrapf(errors.ErrInvalidTransition, "payment status %s -> %s", r.PaymentStatus, status)
		}
		r.PaymentStatus = status
		return nil
	})

	if chargeErr != nil {
		if err != nil {
			log.Errorw("Failed to record payment failure", logger.FieldError, err)
		}
		return out, errors.Mark(errors.Wrapf(chargeErr, "charge execution %s", req.ExecutionID), errors.ErrPaymentFailed)
	}
	if err != nil {
		return out, errors.WithHint(
			errors.Wrapf(err, "record verified payment for %s", req.ExecutionID),
			"the charge succeeded; reconcile before charging again",
		)
	}
	out.Record = rec
	log.Infow("Payment verified", logger.FieldUserID, rec.UserID)
	return out, nil
}
