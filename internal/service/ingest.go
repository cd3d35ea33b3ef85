package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
	"github.com/LeventeLantos/whatsapp-delivery/internal/realtime"
	"github.com/LeventeLantos/whatsapp-delivery/internal/repo"
)

// InboundMessage is a message a contact sent to one of our channels.
type InboundMessage struct {
	ChannelID         int64
	From              string
	ProfileName       *string
	ProviderMessageID string
	Type              string
	Body              *string
	Timestamp         time.Time
}

type Ingester struct {
	messages repo.MessageRepository
	contacts repo.ContactRepository
	pub      realtime.Publisher
	log      *slog.Logger
	now      func() time.Time
}

func NewIngester(messages repo.MessageRepository, contacts repo.ContactRepository, pub realtime.Publisher, log *slog.Logger) *Ingester {
	if pub == nil {
		pub = realtime.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ingester{
		messages: messages,
		contacts: contacts,
		pub:      pub,
		log:      log.With("component", "ingester"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest stores in as an unread incoming message and opens the contact's
// 24h session window. Redelivered provider ids return (nil, nil).
func (i *Ingester) Ingest(ctx context.Context, in InboundMessage) (*model.Message, error) {
	if in.ProviderMessageID == "" || in.From == "" {
		return nil, &model.ValidationError{Reason: "inbound message needs an id and a sender"}
	}

	c, err := i.contacts.UpsertContact(ctx, in.ChannelID, in.From, in.ProfileName)
	if err != nil {
		return nil, fmt.Errorf("upsert contact %s: %w", in.From, err)
	}

	at := in.Timestamp.UTC()
	if in.Timestamp.IsZero() {
		at = i.now()
	}
	typ := in.Type
	if typ == "" {
		typ = "text"
	}

	m, err := i.messages.InsertMessage(ctx, &model.Message{
		ProviderMessageID: &in.ProviderMessageID,
		ChannelID:         in.ChannelID,
		ContactID:         c.ID,
		Direction:         model.Incoming,
		Type:              typ,
		Status:            model.StatusDelivered,
		Body:              in.Body,
		DeliveredAt:       &at,
		CreatedAt:         at,
	})
	if errors.Is(err, repo.ErrDuplicate) {
		i.log.Debug("inbound message already stored", "provider_message_id", in.ProviderMessageID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert inbound message %s: %w", in.ProviderMessageID, err)
	}

	i.log.Info("inbound message stored", "message_id", m.ID, "contact_id", c.ID, "channel_id", in.ChannelID)

	if err := i.pub.Publish(ctx, realtime.MessageNew(m)); err != nil {
		i.log.Warn("publish message:new failed", "message_id", m.ID, "error", err)
	}
	if err := i.pub.Publish(ctx, realtime.ContactUpdated(m.ChannelID, m.ContactID)); err != nil {
		i.log.Warn("publish contact:updated failed", "contact_id", m.ContactID, "error", err)
	}
	return m, nil
}
