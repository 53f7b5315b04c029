package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/esb-service/internal/errs"
	"github.com/richardliu001/esb-service/internal/model"
	"github.com/richardliu001/esb-service/internal/repo"
	"go.uber.org/zap"
)

// Submission is an inbound request to process a message asynchronously.
type Submission struct {
	CorrelationID     string
	SourceSystem      string
	Service           string
	OperationName     string
	EntityType        *string
	ObjectID          *string
	GuaranteedOrder   bool
	FunnelComponentID *string
	FunnelValues      []string
	MsgTimestamp      *time.Time
	Payload           string
}

// IntakeService persists inbound submissions idempotently and gates them
// through the funnel scheduler.
type IntakeService struct {
	repo   *repo.MessageRepository
	msgs   *MessageService
	funnel *FunnelScheduler
	log    *zap.SugaredLogger
}

// NewIntakeService returns IntakeService.
func NewIntakeService(r *repo.MessageRepository, msgs *MessageService, funnel *FunnelScheduler, logger *zap.SugaredLogger) *IntakeService {
	return &IntakeService{repo: r, msgs: msgs, funnel: funnel, log: logger}
}

// Submit validates and persists a submission. A replayed correlation id
// returns the already-stored message with duplicate=true instead of creating
// a second one. New messages are inserted directly in PROCESSING and run
// through funnel admission, so the returned message is either PROCESSING or
// POSTPONED.
func (s *IntakeService) Submit(ctx context.Context, sub Submission) (msg *model.Message, duplicate bool, err error) {
	if err := validateSubmission(sub); err != nil {
		return nil, false, err
	}

	corrID := sub.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	} else {
		if existing := s.findExisting(ctx, sub.SourceSystem, corrID); existing != nil {
			s.log.Infow("duplicate submission, replaying stored message",
				"correlation_id", corrID, "msg_id", existing.ID)
			return existing, true, nil
		}
	}

	now := time.Now()
	msgTimestamp := now
	if sub.MsgTimestamp != nil {
		msgTimestamp = *sub.MsgTimestamp
	}

	m := &model.Message{
		CorrelationID:         corrID,
		SourceSystem:          sub.SourceSystem,
		Service:               sub.Service,
		OperationName:         sub.OperationName,
		EntityType:            sub.EntityType,
		ObjectID:              sub.ObjectID,
		State:                 model.StateProcessing,
		GuaranteedOrder:       sub.GuaranteedOrder,
		FunnelComponentID:     sub.FunnelComponentID,
		MsgTimestamp:          msgTimestamp,
		ReceiveTimestamp:      now,
		StartProcessTimestamp: &now,
		Payload:               sub.Payload,
	}
	m.SetFunnelValues(sub.FunnelValues)

	if err := s.msgs.InsertMessage(ctx, m); err != nil {
		return nil, false, err
	}
	if err := s.repo.CacheMessageID(ctx, sub.SourceSystem, corrID, m.ID); err != nil {
		s.log.Warnw("cache message id failed", "correlation_id", corrID, "err", err)
	}

	decision, err := s.funnel.Admit(ctx, m)
	if err != nil {
		return nil, false, err
	}
	s.log.Infow("message received",
		"msg_id", m.ID, "correlation_id", corrID,
		"source_system", sub.SourceSystem, "operation", sub.OperationName,
		"decision", decision.String())
	return m, false, nil
}

func (s *IntakeService) findExisting(ctx context.Context, sourceSystem, corrID string) *model.Message {
	if id, err := s.repo.GetCachedMessageID(ctx, sourceSystem, corrID); err == nil {
		if m, err := s.repo.FindByID(ctx, id); err == nil {
			return m
		}
	}
	m, err := s.repo.FindByCorrelationID(ctx, corrID, sourceSystem)
	if err != nil {
		if !errors.Is(err, repo.ErrMessageNotFound) {
			s.log.Warnw("correlation id lookup failed", "correlation_id", corrID, "err", err)
		}
		return nil
	}
	return m
}

func validateSubmission(sub Submission) error {
	switch {
	case sub.SourceSystem == "":
		return errs.New(errs.CodeValidation, "source system must not be empty")
	case sub.Service == "":
		return errs.New(errs.CodeValidation, "service must not be empty")
	case sub.OperationName == "":
		return errs.New(errs.CodeValidation, "operation name must not be empty")
	case sub.Payload == "":
		return errs.New(errs.CodeValidation, "payload must not be empty")
	}
	if sub.GuaranteedOrder && (sub.FunnelComponentID == nil || len(sub.FunnelValues) == 0) {
		return errs.New(errs.CodeValidation,
			"guaranteed order requires a funnel component id and at least one funnel value")
	}
	return nil
}
