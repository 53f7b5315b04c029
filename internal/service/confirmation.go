package service

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/esb-service/internal/model"
	"github.com/richardliu001/esb-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Confirmer delivers a processing-outcome confirmation to the message's
// source system.
type Confirmer interface {
	Confirm(ctx context.Context, msg *model.Message) error
}

// ConfirmationService records failed confirmations in the external-call
// ledger and retries them independently of the original operation.
type ConfirmationService struct {
	calls *repo.ExternalCallRepository
	msgs  *repo.MessageRepository
	// confirmer is the outbound collaborator re-invoked by the sweep.
	confirmer Confirmer
	// idleInterval is how long a FAILED confirmation rests before the sweep
	// picks it up again.
	idleInterval time.Duration
	log          *zap.SugaredLogger
}

// NewConfirmationService returns ConfirmationService.
func NewConfirmationService(calls *repo.ExternalCallRepository, msgs *repo.MessageRepository, confirmer Confirmer, idleInterval time.Duration, logger *zap.SugaredLogger) *ConfirmationService {
	return &ConfirmationService{
		calls:        calls,
		msgs:         msgs,
		confirmer:    confirmer,
		idleInterval: idleInterval,
		log:          logger,
	}
}

// RecordFailedConfirmation retroactively creates a FAILED confirmation row
// for msg so the sweep can retry it later. A repeated failure for the same
// message bumps the existing row's failure counter instead.
func (c *ConfirmationService) RecordFailedConfirmation(ctx context.Context, msg *model.Message) error {
	return c.calls.DB(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := c.calls.Get(ctx, model.ConfirmOperation, msg.CorrelationID)
		if err == nil {
			return c.calls.UpdateState(ctx, tx, existing, model.ExtCallFailed, existing.FailedCount+1)
		}
		if !errors.Is(err, repo.ErrCallNotFound) {
			return err
		}
		// the unique constraint stays the last line of defense against a
		// concurrent recorder; ErrDuplicateCall rolls the transaction back
		return c.calls.Insert(ctx, tx, model.NewFailedConfirmation(msg))
	})
}

// RunSweep retries the single oldest due confirmation, if any. The row is
// pessimistically locked for the duration of the retry so two sweeps cannot
// race over the same confirmation.
func (c *ConfirmationService) RunSweep(ctx context.Context) error {
	due, err := c.calls.FindDueConfirmation(ctx, c.idleInterval)
	if err != nil {
		return err
	}
	if due == nil {
		return nil
	}

	return c.calls.DB(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := c.calls.LockConfirmation(ctx, tx, due)
		if err != nil {
			if errors.Is(err, repo.ErrCallAlreadyLocked) {
				// another sweep got there first
				return nil
			}
			return err
		}

		msg, err := c.msgs.FindByID(ctx, locked.MsgID)
		if err != nil {
			return err
		}

		if cerr := c.confirmer.Confirm(ctx, msg); cerr != nil {
			c.log.Warnw("confirmation retry failed",
				"call_id", locked.ID, "msg_id", msg.ID,
				"correlation_id", msg.CorrelationID,
				"failed_count", locked.FailedCount+1, "err", cerr)
			return c.calls.UpdateState(ctx, tx, locked, model.ExtCallFailed, locked.FailedCount+1)
		}

		c.log.Infow("confirmation retried successfully",
			"call_id", locked.ID, "msg_id", msg.ID, "correlation_id", msg.CorrelationID)
		return c.calls.UpdateState(ctx, tx, locked, model.ExtCallOK, locked.FailedCount)
	})
}
