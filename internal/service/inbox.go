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

// ErrNotIncoming rejects read-marking an outgoing message.
var ErrNotIncoming = errors.New("message is not incoming")

// Inbox holds the operator actions on stored messages and contacts.
type Inbox struct {
	messages repo.MessageRepository
	contacts repo.ContactRepository
	pub      realtime.Publisher
	log      *slog.Logger
	now      func() time.Time
}

func NewInbox(messages repo.MessageRepository, contacts repo.ContactRepository, pub realtime.Publisher, log *slog.Logger) *Inbox {
	if pub == nil {
		pub = realtime.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Inbox{
		messages: messages,
		contacts: contacts,
		pub:      pub,
		log:      log.With("component", "inbox"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MarkRead marks an incoming message read. Marking an already read
// message again changes nothing.
func (b *Inbox) MarkRead(ctx context.Context, id int64) (*model.Message, error) {
	now := b.now()
	outgoing := false

	mut, err := b.messages.UpdateMessage(ctx, id, func(m *model.Message) bool {
		if m.Direction != model.Incoming {
			outgoing = true
			return false
		}
		return ApplyStatus(m, model.StatusRead, now, nil, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("mark message %d read: %w", id, err)
	}
	if outgoing {
		return nil, fmt.Errorf("mark message %d read: %w", id, ErrNotIncoming)
	}

	if mut.Changed {
		b.log.Info("message marked read", "message_id", id, "contact_id", mut.After.ContactID)
		publishMutation(ctx, b.pub, b.log, mut, now)
	}
	m := mut.After
	return &m, nil
}

func (b *Inbox) Delete(ctx context.Context, id int64) error {
	mut, err := b.messages.DeleteMessage(ctx, id)
	if err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}

	b.log.Info("message deleted", "message_id", id, "contact_id", mut.Before.ContactID)
	if mut.UnreadDelta != 0 {
		if err := b.pub.Publish(ctx, realtime.ContactUpdated(mut.Before.ChannelID, mut.Before.ContactID)); err != nil {
			b.log.Warn("publish contact:updated failed", "contact_id", mut.Before.ContactID, "error", err)
		}
	}
	return nil
}

// Contact is the REST resync read clients use after a reconnect.
func (b *Inbox) Contact(ctx context.Context, id int64) (*model.Contact, error) {
	c, err := b.contacts.GetContact(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get contact %d: %w", id, err)
	}
	return c, nil
}
