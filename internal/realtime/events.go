package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
)

// Event names pushed to clients.
const (
	EventMessageNew            = "message:new"
	EventMessageStatus         = "message:status"
	EventContactUpdated        = "contact:updated"
	EventSessionExpired        = "session:expired"
	EventConnectionSuccess     = "connection:success"
	EventConnectionReconnected = "connection:reconnected"
	EventConnectionFailed      = "connection:failed"
	EventPong                  = "pong"
)

// Event is the wire envelope. ChannelID selects the room.
type Event struct {
	Event     string          `json:"event"`
	ChannelID int64           `json:"channelId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Publisher delivers an event to every subscriber of its channel room.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type MessageNewData struct {
	ContactID int64          `json:"contactId"`
	Message   *model.Message `json:"message"`
}

type MessageStatusData struct {
	ContactID         int64               `json:"contactId"`
	MessageID         int64               `json:"messageId"`
	ProviderMessageID string              `json:"providerMessageId"`
	Status            model.MessageStatus `json:"status"`
	Timestamp         time.Time           `json:"timestamp"`
}

type ContactData struct {
	ContactID int64 `json:"contactId"`
}

func newEvent(name string, channelID int64, data any) Event {
	ev := Event{Event: name, ChannelID: channelID}
	if data != nil {
		// The payload types above always marshal.
		ev.Data, _ = json.Marshal(data)
	}
	return ev
}

func MessageNew(m *model.Message) Event {
	return newEvent(EventMessageNew, m.ChannelID, MessageNewData{ContactID: m.ContactID, Message: m})
}

func MessageStatus(m *model.Message, at time.Time) Event {
	d := MessageStatusData{
		ContactID: m.ContactID,
		MessageID: m.ID,
		Status:    m.Status,
		Timestamp: at,
	}
	if m.ProviderMessageID != nil {
		d.ProviderMessageID = *m.ProviderMessageID
	}
	return newEvent(EventMessageStatus, m.ChannelID, d)
}

func ContactUpdated(channelID, contactID int64) Event {
	return newEvent(EventContactUpdated, channelID, ContactData{ContactID: contactID})
}

func SessionExpired(channelID, contactID int64) Event {
	return newEvent(EventSessionExpired, channelID, ContactData{ContactID: contactID})
}

// Discard drops every event. Used when a process has no gateway or bus.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
