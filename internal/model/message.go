package model

import (
	"strings"
	"time"
)

// MsgState is the lifecycle state of a Message.
type MsgState string

const (
	StateNew           MsgState = "NEW"
	StateProcessing    MsgState = "PROCESSING"
	StateOK            MsgState = "OK"
	StatePartlyFailed  MsgState = "PARTLY_FAILED"
	StateFailed        MsgState = "FAILED"
	StateWaiting       MsgState = "WAITING"
	StateWaitingForRes MsgState = "WAITING_FOR_RES"
	StatePostponed     MsgState = "POSTPONED"
)

// IsTerminal reports whether no further automatic transition may occur.
func (s MsgState) IsTerminal() bool {
	return s == StateOK || s == StateFailed
}

// funnelValueSep delimits multiple funnel values inside the funnel_value column.
const funnelValueSep = ","

// Message is one unit of asynchronous work flowing through the backbone.
type Message struct {
	ID            uint64   `gorm:"primaryKey;column:msg_id"`
	CorrelationID string   `gorm:"size:100;not null;index"`
	SourceSystem  string   `gorm:"size:50;not null"`
	Service       string   `gorm:"size:50;not null"`
	OperationName string   `gorm:"size:100;not null"`
	EntityType    *string  `gorm:"size:30"`
	ObjectID      *string  `gorm:"size:50"`
	State         MsgState `gorm:"size:20;not null;index"`

	FailedCount        int     `gorm:"not null;default:0"`
	FailedErrorCode    *string `gorm:"size:5"`
	FailedDesc         *string `gorm:"size:1000"`
	ProcessingPriority int     `gorm:"not null;default:0"`

	GuaranteedOrder   bool    `gorm:"not null;default:false"`
	FunnelComponentID *string `gorm:"size:50"`
	FunnelValue       *string `gorm:"size:200;index"`

	MsgTimestamp          time.Time  `gorm:"not null"`
	ReceiveTimestamp      time.Time  `gorm:"not null"`
	StartProcessTimestamp *time.Time
	CreationTimestamp     time.Time `gorm:"autoCreateTime"`
	UpdatedAt             time.Time `gorm:"not null;index"`
	Version               uint64    `gorm:"not null;default:0"`

	ParentMsgID *uint64 `gorm:"index"`
	Payload     string  `gorm:"type:text;not null"`
	CustomData  *string `gorm:"size:20000"`
}

func (Message) TableName() string { return "message" }

// FunnelValues splits the delimited funnel_value column.
func (m *Message) FunnelValues() []string {
	if m.FunnelValue == nil || *m.FunnelValue == "" {
		return nil
	}
	return strings.Split(*m.FunnelValue, funnelValueSep)
}

// SetFunnelValues joins values into the delimited column representation.
// Empty input clears the column.
func (m *Message) SetFunnelValues(values []string) {
	if len(values) == 0 {
		m.FunnelValue = nil
		return
	}
	joined := strings.Join(values, funnelValueSep)
	m.FunnelValue = &joined
}

// HasFunnelValue reports whether v is one of the message's funnel values.
func (m *Message) HasFunnelValue(v string) bool {
	for _, fv := range m.FunnelValues() {
		if fv == v {
			return true
		}
	}
	return false
}
