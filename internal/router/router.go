// Package router redirects messages to named downstream routes over Kafka.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/richardliu001/esb-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// FailureContext carries the classified failure alongside a redirected
// message.
type FailureContext struct {
	ErrorCode   string `json:"error_code"`
	ErrorDesc   string `json:"error_desc"`
	FailedCount int    `json:"failed_count"`
}

// Router redirects a message to a named downstream route.
type Router interface {
	Route(ctx context.Context, destination string, msg *model.Message, failure *FailureContext) error
}

type envelope struct {
	MsgID         uint64          `json:"msg_id"`
	CorrelationID string          `json:"correlation_id"`
	SourceSystem  string          `json:"source_system"`
	Service       string          `json:"service"`
	OperationName string          `json:"operation_name"`
	State         model.MsgState  `json:"state"`
	Payload       string          `json:"payload"`
	Failure       *FailureContext `json:"failure,omitempty"`
}

// KafkaRouter publishes redirect envelopes to Kafka, one topic per
// destination.
type KafkaRouter struct {
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewKafkaRouter wraps a topic-less writer; the destination selects the topic
// per message.
func NewKafkaRouter(writer *kafka.Writer, logger *zap.SugaredLogger) *KafkaRouter {
	return &KafkaRouter{writer: writer, log: logger}
}

// Route publishes the message to the destination topic. Publishes are retried
// with exponential backoff before the error is handed back to the caller.
func (r *KafkaRouter) Route(ctx context.Context, destination string, msg *model.Message, failure *FailureContext) error {
	payload, err := json.Marshal(envelope{
		MsgID:         msg.ID,
		CorrelationID: msg.CorrelationID,
		SourceSystem:  msg.SourceSystem,
		Service:       msg.Service,
		OperationName: msg.OperationName,
		State:         msg.State,
		Payload:       msg.Payload,
		Failure:       failure,
	})
	if err != nil {
		return err
	}

	kmsg := kafka.Message{
		Topic: destination,
		Key:   []byte(msg.CorrelationID),
		Value: payload,
		Time:  time.Now(),
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	op := func() error {
		return r.writer.WriteMessages(ctx, kmsg)
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		r.log.Errorw("route failed", "destination", destination, "msg_id", msg.ID, "err", err)
		return err
	}
	r.log.Infow("message routed", "destination", destination, "msg_id", msg.ID)
	return nil
}
