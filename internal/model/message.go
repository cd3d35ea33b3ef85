package model

import (
	"encoding/json"
	"time"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders the forward-moving statuses. Statuses outside the
// sent < delivered < read chain rank 0.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Message is the canonical record of a sent or received message.
type Message struct {
	ID                int64         `json:"id"`
	ProviderMessageID *string       `json:"providerMessageId,omitempty"`
	ChannelID         int64         `json:"channelId"`
	ContactID         int64         `json:"contactId"`
	Direction         Direction     `json:"direction"`
	Type              string        `json:"type"`
	Status            MessageStatus `json:"status"`
	Body              *string       `json:"body,omitempty"`
	SentAt            *time.Time    `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt            *time.Time    `json:"readAt,omitempty"`
	FailedAt          *time.Time    `json:"failedAt,omitempty"`
	ErrorCode         *string       `json:"errorCode,omitempty"`
	ErrorMessage      *string       `json:"errorMessage,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Unread reports whether the message counts toward its contact's
// unread_count.
func (m *Message) Unread() bool {
	return m != nil && m.Direction == Incoming && m.ReadAt == nil
}

// MessageStatusUpdate is one provider status callback as received.
// Rows are never updated or deleted.
type MessageStatusUpdate struct {
	ID                int64           `json:"id"`
	MessageID         *int64          `json:"messageId,omitempty"`
	ProviderMessageID string          `json:"providerMessageId"`
	Status            string          `json:"status"`
	StatusAt          time.Time       `json:"statusAt"`
	ErrorCode         *string         `json:"errorCode,omitempty"`
	ErrorTitle        *string         `json:"errorTitle,omitempty"`
	RawPayload        json.RawMessage `json:"rawPayload,omitempty"`
	ReceivedAt        time.Time       `json:"receivedAt"`
}
