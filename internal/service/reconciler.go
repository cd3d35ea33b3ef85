package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/whatsapp-delivery/internal/metrics"
	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
	"github.com/LeventeLantos/whatsapp-delivery/internal/realtime"
	"github.com/LeventeLantos/whatsapp-delivery/internal/repo"
)

// StatusCallback is one provider delivery-status notification.
type StatusCallback struct {
	ProviderMessageID string
	Status            string
	Timestamp         time.Time
	ErrorCode         *string
	ErrorTitle        *string
	Raw               json.RawMessage
}

type ReconcileResult string

const (
	ReconcileApplied  ReconcileResult = "applied"
	ReconcileNoop     ReconcileResult = "noop"
	ReconcileUnmapped ReconcileResult = "unmapped"
	ReconcileUnknown  ReconcileResult = "unknown"
)

// Reconciler applies status callbacks to messages without ever moving a
// message backwards along sent < delivered < read. Failure is terminal.
type Reconciler struct {
	messages repo.MessageRepository
	statuses StatusMap
	pub      realtime.Publisher
	log      *slog.Logger
	now      func() time.Time
}

func NewReconciler(messages repo.MessageRepository, statuses StatusMap, pub realtime.Publisher, log *slog.Logger) *Reconciler {
	if statuses == nil {
		statuses = DefaultStatusMap()
	}
	if pub == nil {
		pub = realtime.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		messages: messages,
		statuses: statuses,
		pub:      pub,
		log:      log.With("component", "reconciler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Apply records cb in the status log, then advances the message it
// refers to. A callback for an unknown provider id returns an error
// wrapping model.ErrUnknownMessage; the log row is kept either way.
func (r *Reconciler) Apply(ctx context.Context, cb StatusCallback) (ReconcileResult, error) {
	now := r.now()
	at := cb.Timestamp.UTC()
	if cb.Timestamp.IsZero() {
		at = now
	}

	u := &model.MessageStatusUpdate{
		ProviderMessageID: cb.ProviderMessageID,
		Status:            cb.Status,
		StatusAt:          at,
		ErrorCode:         cb.ErrorCode,
		ErrorTitle:        cb.ErrorTitle,
		RawPayload:        cb.Raw,
		ReceivedAt:        now,
	}
	if _, err := r.messages.AppendStatusUpdate(ctx, u); err != nil {
		return "", fmt.Errorf("record status callback: %w", err)
	}

	target, ok := r.statuses.Lookup(cb.Status)
	if !ok {
		metrics.ReconcileResults.WithLabelValues(string(ReconcileUnmapped)).Inc()
		r.log.Info("unmapped provider status ignored", "provider_message_id", cb.ProviderMessageID, "status", cb.Status)
		return ReconcileUnmapped, nil
	}

	mut, err := r.messages.UpdateMessageByProviderID(ctx, cb.ProviderMessageID, func(m *model.Message) bool {
		return ApplyStatus(m, target, at, cb.ErrorCode, cb.ErrorTitle)
	})
	if errors.Is(err, repo.ErrNotFound) {
		metrics.ReconcileResults.WithLabelValues(string(ReconcileUnknown)).Inc()
		return ReconcileUnknown, fmt.Errorf("%w: provider message id %s", model.ErrUnknownMessage, cb.ProviderMessageID)
	}
	if err != nil {
		return "", fmt.Errorf("apply status %s to %s: %w", target, cb.ProviderMessageID, err)
	}

	if !mut.Changed {
		metrics.ReconcileResults.WithLabelValues(string(ReconcileNoop)).Inc()
		r.log.Debug("status callback did not advance message",
			"message_id", mut.Before.ID, "current", mut.Before.Status, "callback", target)
		return ReconcileNoop, nil
	}

	metrics.ReconcileResults.WithLabelValues(string(ReconcileApplied)).Inc()
	r.log.Info("message status reconciled",
		"message_id", mut.After.ID, "from", mut.Before.Status, "to", mut.After.Status)
	publishMutation(ctx, r.pub, r.log, mut, at)
	return ReconcileApplied, nil
}

// ApplyStatus moves m toward target and reports whether anything changed.
// Stage timestamps are only ever filled, never overwritten. Once a
// message has failed nothing changes it.
func ApplyStatus(m *model.Message, target model.MessageStatus, at time.Time, errCode, errTitle *string) bool {
	if m.Status == model.StatusFailed {
		return false
	}

	if target == model.StatusFailed {
		m.Status = model.StatusFailed
		if m.FailedAt == nil {
			m.FailedAt = &at
		}
		if errCode != nil {
			m.ErrorCode = errCode
		}
		if errTitle != nil {
			m.ErrorMessage = errTitle
		}
		return true
	}

	// A callback at or behind the current stage is stale and ignored
	// whole, timestamps included.
	if target.Rank() <= m.Status.Rank() {
		return false
	}
	switch target {
	case model.StatusSent:
		fillOnce(&m.SentAt, at)
	case model.StatusDelivered:
		fillOnce(&m.DeliveredAt, at)
	case model.StatusRead:
		fillOnce(&m.ReadAt, at)
	}
	m.Status = target
	return true
}

func fillOnce(ts **time.Time, at time.Time) {
	if *ts == nil {
		*ts = &at
	}
}

// publishMutation pushes message:status for a changed message and
// contact:updated when its unread counter moved.
func publishMutation(ctx context.Context, pub realtime.Publisher, log *slog.Logger, mut *repo.MessageMutation, at time.Time) {
	m := mut.After
	if err := pub.Publish(ctx, realtime.MessageStatus(&m, at)); err != nil {
		log.Warn("publish message:status failed", "message_id", m.ID, "error", err)
	}
	if mut.UnreadDelta != 0 {
		if err := pub.Publish(ctx, realtime.ContactUpdated(m.ChannelID, m.ContactID)); err != nil {
			log.Warn("publish contact:updated failed", "contact_id", m.ContactID, "error", err)
		}
	}
}
