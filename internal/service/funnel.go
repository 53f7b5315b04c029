package service

import (
	"context"

	"github.com/richardliu001/esb-service/internal/model"
	"github.com/richardliu001/esb-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewMessagePriority marks messages admitted into processing for the first
// time, as opposed to messages resumed after postponement.
const NewMessagePriority = 10

// Decision is the funnel scheduler's admission verdict.
type Decision int

const (
	DecisionProceed Decision = iota
	DecisionPostponed
)

func (d Decision) String() string {
	if d == DecisionPostponed {
		return "POSTPONED"
	}
	return "PROCEED"
}

// FunnelScheduler enforces per-funnel-key sequential processing: a message
// with guaranteed order may only proceed when no in-flight message sharing a
// funnel key carries a strictly earlier timestamp.
type FunnelScheduler struct {
	repo *repo.MessageRepository
	// excludeFailed keeps FAILED messages out of the competing set.
	excludeFailed bool
	log           *zap.SugaredLogger
}

// NewFunnelScheduler returns FunnelScheduler.
func NewFunnelScheduler(r *repo.MessageRepository, excludeFailed bool, logger *zap.SugaredLogger) *FunnelScheduler {
	return &FunnelScheduler{repo: r, excludeFailed: excludeFailed, log: logger}
}

// Admit decides whether msg may enter processing now. The competing-message
// query and the eventual postpone transition run in one transaction so two
// competitors cannot both observe "I am earliest".
func (f *FunnelScheduler) Admit(ctx context.Context, msg *model.Message) (Decision, error) {
	if !msg.GuaranteedOrder {
		return DecisionProceed, nil
	}
	values := msg.FunnelValues()
	if len(values) == 0 || msg.FunnelComponentID == nil {
		// No ordering constraint can be derived from an empty key set.
		return DecisionProceed, nil
	}

	decision := DecisionProceed
	err := f.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		competing, err := f.repo.FindProcessingForFunnel(
			ctx, tx, *msg.FunnelComponentID, values, msg.ID, f.excludeFailed)
		if err != nil {
			return err
		}

		for i := range competing {
			if competing[i].MsgTimestamp.Before(msg.MsgTimestamp) {
				decision = DecisionPostponed
				if err := f.repo.UpdateWithVersion(ctx, tx, msg, map[string]interface{}{
					"state": model.StatePostponed,
				}); err != nil {
					return err
				}
				msg.State = model.StatePostponed
				f.log.Infow("earlier message in funnel, message postponed",
					"msg_id", msg.ID, "correlation_id", msg.CorrelationID,
					"funnel_component", *msg.FunnelComponentID,
					"blocking_msg_id", competing[i].ID)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return DecisionProceed, err
	}

	if decision == DecisionProceed {
		msg.ProcessingPriority = NewMessagePriority
	}
	return decision, nil
}
