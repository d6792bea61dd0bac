package persistence

import (
	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/pkg/api"
)

// Apply mutates rec with the non-nil fields of p.
func (p Patch) Apply(rec *api.Record) error {
	if p.PaymentStatus != nil {
		if !rec.PaymentStatus.CanTransition(*p.PaymentStatus) {
			return errors.Wrapf(errors.ErrInvalidTransition,
				"payment status %s -> %s", rec.PaymentStatus, *p.PaymentStatus)
		}
		rec.PaymentStatus = *p.PaymentStatus
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.CurrentStage != nil {
		rec.CurrentStage = *p.CurrentStage
	}
	if p.LastError != nil {
		rec.LastError = *p.LastError
	}
	for k, v := range p.Metadata {
		rec.Metadata[k] = v
	}
	return nil
}

// Ptr returns a pointer to v, for building patches inline.
func Ptr[T any](v T) *T {
	return &v
}
