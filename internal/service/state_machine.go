package service

import (
	"context"
	"time"

	"github.com/richardliu001/esb-service/internal/errs"
	"github.com/richardliu001/esb-service/internal/model"
	"github.com/richardliu001/esb-service/internal/repo"
	"github.com/richardliu001/esb-service/internal/router"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MessageService owns every legal state transition of a Message. Each
// operation runs inside one transaction; version conflicts surface as
// retryable locking failures.
type MessageService struct {
	repo             *repo.MessageRepository
	router           router.Router
	fatalDestination string
	// resetFailedOnProcessing clears failed_count when a message re-enters
	// PROCESSING. Off by default.
	resetFailedOnProcessing bool
	log                     *zap.SugaredLogger
}

// NewMessageService returns MessageService.
func NewMessageService(r *repo.MessageRepository, rt router.Router, fatalDestination string, resetFailedOnProcessing bool, logger *zap.SugaredLogger) *MessageService {
	return &MessageService{
		repo:                    r,
		router:                  rt,
		fatalDestination:        fatalDestination,
		resetFailedOnProcessing: resetFailedOnProcessing,
		log:                     logger,
	}
}

// InsertMessage persists a newly received message.
func (s *MessageService) InsertMessage(ctx context.Context, msg *model.Message) error {
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.Insert(ctx, tx, msg)
	})
}

// SetStateProcessing transitions the message to PROCESSING.
func (s *MessageService) SetStateProcessing(ctx context.Context, msg *model.Message) error {
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		fields := map[string]interface{}{
			"state":                   model.StateProcessing,
			"start_process_timestamp": now,
		}
		if s.resetFailedOnProcessing {
			fields["failed_count"] = 0
		}
		if err := s.repo.UpdateWithVersion(ctx, tx, msg, fields); err != nil {
			return err
		}
		msg.State = model.StateProcessing
		msg.StartProcessTimestamp = &now
		if s.resetFailedOnProcessing {
			msg.FailedCount = 0
		}
		return nil
	})
}

// SetStateOK transitions the message to OK and resets its failure counter.
// For a child message the parent completion check runs in the same
// transaction, so two siblings finishing concurrently cannot both complete
// the parent.
func (s *MessageService) SetStateOK(ctx context.Context, msg *model.Message) error {
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		err := s.repo.UpdateWithVersion(ctx, tx, msg, map[string]interface{}{
			"state":        model.StateOK,
			"failed_count": 0,
		})
		if err != nil {
			return err
		}
		msg.State = model.StateOK
		msg.FailedCount = 0

		if msg.ParentMsgID == nil {
			return nil
		}
		return s.completeParentIfDone(ctx, tx, *msg.ParentMsgID)
	})
}

// completeParentIfDone locks the parent, recomputes the children's aggregate
// state and completes the parent when every child reached OK.
func (s *MessageService) completeParentIfDone(ctx context.Context, tx *gorm.DB, parentID uint64) error {
	parent, err := s.repo.FindByIDForUpdate(ctx, tx, parentID)
	if err != nil {
		return err
	}
	if parent.State.IsTerminal() {
		return nil
	}

	children, err := s.repo.FindChildren(ctx, tx, parentID)
	if err != nil {
		return err
	}
	for i := range children {
		if children[i].State != model.StateOK {
			return nil
		}
	}

	if err := s.repo.UpdateWithVersion(ctx, tx, parent, map[string]interface{}{
		"state":        model.StateOK,
		"failed_count": 0,
	}); err != nil {
		return err
	}
	s.log.Infow("all child messages processed, parent completed",
		"parent_msg_id", parent.ID, "correlation_id", parent.CorrelationID)
	return nil
}

// SetStateWaiting transitions to WAITING unless the message already reached a
// terminal state; a late event must not re-open a finished message.
func (s *MessageService) SetStateWaiting(ctx context.Context, msg *model.Message) error {
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByIDForUpdate(ctx, tx, msg.ID)
		if err != nil {
			return err
		}
		if current.State.IsTerminal() {
			return nil
		}
		if err := s.repo.UpdateWithVersion(ctx, tx, current, map[string]interface{}{
			"state": model.StateWaiting,
		}); err != nil {
			return err
		}
		msg.State = model.StateWaiting
		msg.Version = current.Version
		return nil
	})
}

// SetStateWaitingForResponse transitions to WAITING_FOR_RES while an outbound
// call awaits its asynchronous reply.
func (s *MessageService) SetStateWaitingForResponse(ctx context.Context, msg *model.Message) error {
	return s.setStateSimple(ctx, msg, model.StateWaitingForRes)
}

// SetStatePostponed transitions to POSTPONED. Used by the funnel scheduler
// when ordering forbids processing now.
func (s *MessageService) SetStatePostponed(ctx context.Context, msg *model.Message) error {
	return s.setStateSimple(ctx, msg, model.StatePostponed)
}

func (s *MessageService) setStateSimple(ctx context.Context, msg *model.Message, state model.MsgState) error {
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpdateWithVersion(ctx, tx, msg, map[string]interface{}{
			"state": state,
		}); err != nil {
			return err
		}
		msg.State = state
		return nil
	})
}

// SetStatePartlyFailed classifies the failure, transitions to PARTLY_FAILED
// and increments the failure counter.
func (s *MessageService) SetStatePartlyFailed(ctx context.Context, msg *model.Message, cause error, explicitCode *errs.Code, customData *string) error {
	code, desc, _ := errs.Classify(cause, explicitCode)
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		codeStr := string(code)
		fields := map[string]interface{}{
			"state":             model.StatePartlyFailed,
			"failed_count":      msg.FailedCount + 1,
			"failed_error_code": codeStr,
			"failed_desc":       desc,
		}
		if customData != nil {
			fields["custom_data"] = *customData
		}
		if err := s.repo.UpdateWithVersion(ctx, tx, msg, fields); err != nil {
			return err
		}
		msg.State = model.StatePartlyFailed
		msg.FailedCount++
		msg.FailedErrorCode = &codeStr
		msg.FailedDesc = &desc
		s.log.Warnw("message partly failed",
			"msg_id", msg.ID, "correlation_id", msg.CorrelationID,
			"error_code", code, "failed_count", msg.FailedCount,
			"cause", errs.MessagesInChain(cause))
		return nil
	})
}

// SetStatePartlyFailedWithoutError transitions to PARTLY_FAILED without
// touching the failure counter. Used for deliberate re-queues, e.g. funnel
// postponement recovery.
func (s *MessageService) SetStatePartlyFailedWithoutError(ctx context.Context, msg *model.Message) error {
	return s.setStateSimple(ctx, msg, model.StatePartlyFailed)
}

// SetStateFailed terminates the message as FAILED. A failed child forces its
// parent to FAILED in the same transaction: a partial failure anywhere fails
// the whole logical operation. The message is then redirected to the fatal
// route.
func (s *MessageService) SetStateFailed(ctx context.Context, msg *model.Message, cause error, explicitCode *errs.Code, customData *string) error {
	code, desc, _ := errs.Classify(cause, explicitCode)
	return s.setStateFailed(ctx, msg, code, desc, customData)
}

// SetStateFailedWithCode is the variant taking an already-resolved code and
// description, used by the repair job's synthetic stuck-too-long error.
func (s *MessageService) SetStateFailedWithCode(ctx context.Context, msg *model.Message, code errs.Code, desc string) error {
	return s.setStateFailed(ctx, msg, code, desc, nil)
}

func (s *MessageService) setStateFailed(ctx context.Context, msg *model.Message, code errs.Code, desc string, customData *string) error {
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		codeStr := string(code)
		fields := map[string]interface{}{
			"state":             model.StateFailed,
			"failed_error_code": codeStr,
			"failed_desc":       desc,
		}
		if customData != nil {
			fields["custom_data"] = *customData
		}
		if err := s.repo.UpdateWithVersion(ctx, tx, msg, fields); err != nil {
			return err
		}
		msg.State = model.StateFailed
		msg.FailedErrorCode = &codeStr
		msg.FailedDesc = &desc

		if msg.ParentMsgID != nil {
			if err := s.failParent(ctx, tx, *msg.ParentMsgID, code, desc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Errorw("message failed",
		"msg_id", msg.ID, "correlation_id", msg.CorrelationID, "error_code", code, "desc", desc)

	if s.router != nil && s.fatalDestination != "" {
		failure := &router.FailureContext{
			ErrorCode:   string(code),
			ErrorDesc:   desc,
			FailedCount: msg.FailedCount,
		}
		if rerr := s.router.Route(ctx, s.fatalDestination, msg, failure); rerr != nil {
			s.log.Errorw("redirect to fatal route failed", "msg_id", msg.ID, "err", rerr)
		}
	}
	return nil
}

func (s *MessageService) failParent(ctx context.Context, tx *gorm.DB, parentID uint64, code errs.Code, desc string) error {
	parent, err := s.repo.FindByIDForUpdate(ctx, tx, parentID)
	if err != nil {
		return err
	}
	if parent.State == model.StateFailed {
		return nil
	}
	return s.repo.UpdateWithVersion(ctx, tx, parent, map[string]interface{}{
		"state":             model.StateFailed,
		"failed_error_code": string(code),
		"failed_desc":       desc,
	})
}

// HandleFailure drives the message to FAILED or PARTLY_FAILED according to
// the classifier's verdict and reports the verdict back to the caller.
func (s *MessageService) HandleFailure(ctx context.Context, msg *model.Message, cause error, explicitCode *errs.Code, customData *string) (errs.Verdict, error) {
	code, _, verdict := errs.Classify(cause, explicitCode)
	if verdict == errs.VerdictFatal {
		return verdict, s.SetStateFailed(ctx, msg, cause, &code, customData)
	}
	return verdict, s.SetStatePartlyFailed(ctx, msg, cause, &code, customData)
}
