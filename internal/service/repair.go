package service

import (
	"context"
	"time"

	"github.com/richardliu001/esb-service/internal/errs"
	"github.com/richardliu001/esb-service/internal/model"
	"github.com/richardliu001/esb-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// repairBatchSize bounds transaction size and lock duration of one repair
// batch.
const repairBatchSize = 10

// Repairer recovers messages abandoned in PROCESSING. A worker can enter
// PROCESSING but, after a crash, never explicitly leave it; this sweep is the
// sole mechanism converting "abandoned mid-flight" back into a state the
// ordinary state machine can act on.
type Repairer struct {
	repo *repo.MessageRepository
	msgs *MessageService
	// idleInterval is how long a PROCESSING message may stay untouched before
	// it counts as stuck.
	idleInterval time.Duration
	// failedCountCeiling is how many partial failures are allowed before the
	// message is terminally failed instead of retried again.
	failedCountCeiling int
	log                *zap.SugaredLogger
}

// NewRepairer returns Repairer.
func NewRepairer(r *repo.MessageRepository, msgs *MessageService, idleInterval time.Duration, failedCountCeiling int, logger *zap.SugaredLogger) *Repairer {
	return &Repairer{
		repo:               r,
		msgs:               msgs,
		idleInterval:       idleInterval,
		failedCountCeiling: failedCountCeiling,
		log:                logger,
	}
}

// Run executes one repair sweep.
func (r *Repairer) Run(ctx context.Context) error {
	msgs, err := r.repo.FindStaleProcessing(ctx, r.idleInterval)
	if err != nil {
		return err
	}
	r.log.Debugf("found %d message(s) for repairing", len(msgs))

	for start := 0; start < len(msgs); start += repairBatchSize {
		end := start + repairBatchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		if err := r.repairBatch(ctx, msgs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// repairBatch handles one batch in one transaction. Messages past the failure
// ceiling are routed to the fatal path; the rest go back to PARTLY_FAILED
// with an incremented failure counter.
func (r *Repairer) repairBatch(ctx context.Context, msgs []model.Message) error {
	var fatal []model.Message

	err := r.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range msgs {
			msg := &msgs[i]
			if msg.FailedCount >= r.failedCountCeiling {
				fatal = append(fatal, *msg)
				continue
			}
			if err := r.repo.UpdateWithVersion(ctx, tx, msg, map[string]interface{}{
				"state":        model.StatePartlyFailed,
				"failed_count": msg.FailedCount + 1,
			}); err != nil {
				return err
			}
			msg.State = model.StatePartlyFailed
			msg.FailedCount++
			r.log.Warnw("message stuck in PROCESSING, changed to PARTLY_FAILED",
				"msg_id", msg.ID, "correlation_id", msg.CorrelationID,
				"failed_count", msg.FailedCount)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Terminal handling runs outside the batch transaction: SetStateFailed
	// owns its own transaction plus the fatal-route redirect.
	for i := range fatal {
		msg := &fatal[i]
		r.log.Warnw("message stuck in PROCESSING exceeded max failure count, redirecting to fatal handling",
			"msg_id", msg.ID, "correlation_id", msg.CorrelationID,
			"failed_count", msg.FailedCount)
		desc := errs.ComposeErrorMessage(errs.CodeStuck, nil)
		if err := r.msgs.SetStateFailedWithCode(ctx, msg, errs.CodeStuck, desc); err != nil {
			r.log.Errorw("fatal redirect failed", "msg_id", msg.ID, "err", err)
		}
	}
	return nil
}
