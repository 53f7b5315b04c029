package model

import "time"

// ExtCallState is the processing state of an ExternalCall row.
type ExtCallState string

const (
	ExtCallProcessing ExtCallState = "PROCESSING"
	ExtCallOK         ExtCallState = "OK"
	ExtCallFailed     ExtCallState = "FAILED"
)

// ConfirmOperation is the reserved operation name marking confirmation calls.
// Confirmation rows carry the owning message's correlation id as entity id and
// exist only for confirmations that failed previously.
const ConfirmOperation = "confirmation"

// ExternalCall is evidence that a non-idempotent external operation was invoked
// for a specific logical entity. The unique (operation_name, entity_id) pair is
// the system's exactly-once guarantee: a second invocation attempt collides on
// insert instead of reaching the external system.
type ExternalCall struct {
	ID            uint64       `gorm:"primaryKey;column:call_id"`
	MsgID         uint64       `gorm:"not null;index"`
	OperationName string       `gorm:"size:100;not null;uniqueIndex:uq_operation_entity_id"`
	EntityID      string       `gorm:"size:150;not null;uniqueIndex:uq_operation_entity_id"`
	State         ExtCallState `gorm:"size:20;not null"`

	MsgTimestamp      time.Time `gorm:"not null"`
	CreationTimestamp time.Time `gorm:"autoCreateTime"`
	UpdatedAt         time.Time `gorm:"not null;index"`
	Version           uint64    `gorm:"not null;default:0"`

	// FailedCount is meaningful only for confirmation calls, where it counts
	// consecutive failed confirmation attempts.
	FailedCount int `gorm:"not null;default:0"`
}

func (ExternalCall) TableName() string { return "external_call" }

// IsConfirmation reports whether this row represents a confirmation call.
func (c *ExternalCall) IsConfirmation() bool {
	return c.OperationName == ConfirmOperation
}

// NewProcessingCall builds a ledger row in PROCESSING state for the given
// operation, entity and owning message.
func NewProcessingCall(operationName, entityID string, msg *Message) *ExternalCall {
	now := time.Now()
	return &ExternalCall{
		MsgID:         msg.ID,
		OperationName: operationName,
		EntityID:      entityID,
		State:         ExtCallProcessing,
		MsgTimestamp:  msg.MsgTimestamp,
		UpdatedAt:     now,
	}
}

// NewFailedConfirmation builds a retroactive FAILED confirmation row for msg,
// recorded so the confirmation sweep can retry it later.
func NewFailedConfirmation(msg *Message) *ExternalCall {
	now := time.Now()
	return &ExternalCall{
		MsgID:         msg.ID,
		OperationName: ConfirmOperation,
		EntityID:      msg.CorrelationID,
		State:         ExtCallFailed,
		MsgTimestamp:  msg.MsgTimestamp,
		UpdatedAt:     now,
		FailedCount:   1,
	}
}
