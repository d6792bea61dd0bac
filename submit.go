package multiagent

import (
	"context"

	"github.com/google/uuid"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/internal/billing"
	"github.com/KiranJinka45/multiAgent-sub000/internal/governance"
	"github.com/KiranJinka45/multiAgent-sub000/internal/progress"
	"github.com/KiranJinka45/multiAgent-sub000/internal/taskqueue"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
)

type SubmitRequest struct {
	// ExecutionID is the idempotency key. Empty generates one.
	ExecutionID string
	Prompt      string
	UserID      string
	ProjectID   string
	// OwnerOverride bypasses the kill switch and limits; the override is
	// audited in the ledger.
	OwnerOverride bool
	// Charge, when set, is run through billing verification before the
	// execution is queued.
	Charge billing.ChargeFunc
}

type Submission struct {
	ExecutionID string
	Admission   governance.Admission
	Payment     *billing.Outcome
	// Duplicate reports that the execution was already queued or running.
	Duplicate bool
}

// Submit admits an execution against governance, verifies payment when a
// charge is given, and queues it for a worker. A rejected admission
// returns the matching governance error. Anything that stops the
// execution from being queued gives the daily ticket back.
func (b *Bundle) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}
	if req.UserID == "" {
		return Submission{}, errors.New("user id is required")
	}
	sub := Submission{ExecutionID: req.ExecutionID}
	log := b.log.With(logger.FieldExecutionID, req.ExecutionID, logger.FieldUserID, req.UserID)

	limits := b.Limits()
	limits.Bypass = req.OwnerOverride
	adm, err := b.Governance.Admit(ctx, req.UserID, req.ExecutionID, limits)
	if err != nil {
		return sub, err
	}
	sub.Admission = adm
	if !adm.Allowed {
		return sub, adm.Err()
	}

	if req.Charge != nil {
		out, err := b.Verifier.Verify(ctx, billing.VerifyRequest{
			ExecutionID: req.ExecutionID,
			UserID:      req.UserID,
			ProjectID:   req.ProjectID,
			Prompt:      req.Prompt,
		}, req.Charge)
		if err != nil {
			b.Governance.ReleaseAdmission(ctx, req.UserID, limits)
			return sub, err
		}
		sub.Payment = &out
	}

	_, err = b.Worker.Submit(ctx, taskqueue.Payload{
		ExecutionID: req.ExecutionID,
		Prompt:      req.Prompt,
		UserID:      req.UserID,
		ProjectID:   req.ProjectID,
	})
	if errors.Is(err, errors.ErrDuplicateJob) {
		b.Governance.ReleaseAdmission(ctx, req.UserID, limits)
		log.Infow("execution already queued")
		sub.Duplicate = true
		return sub, nil
	}
	if err != nil {
		b.Governance.ReleaseAdmission(ctx, req.UserID, limits)
		return sub, err
	}

	if err := b.Progress.PublishSnapshot(ctx, progress.Pending(req.ExecutionID)); err != nil {
		log.Warnw("failed to publish initial progress", logger.FieldError, err)
	}
	log.Infow("execution queued", logger.FieldCount, adm.Execution.CurrentCount)
	return sub, nil
}
