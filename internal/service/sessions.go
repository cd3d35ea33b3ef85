package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/whatsapp-delivery/internal/realtime"
	"github.com/LeventeLantos/whatsapp-delivery/internal/repo"
)

// SessionSweeper announces contacts whose 24h reply window has closed.
// Each expiry is announced once; a new incoming message reopens the
// window and re-arms the announcement.
type SessionSweeper struct {
	contacts repo.ContactRepository
	pub      realtime.Publisher
	batch    int
	log      *slog.Logger
	now      func() time.Time
}

func NewSessionSweeper(contacts repo.ContactRepository, pub realtime.Publisher, batch int, log *slog.Logger) *SessionSweeper {
	if batch <= 0 {
		batch = 100
	}
	if pub == nil {
		pub = realtime.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &SessionSweeper{
		contacts: contacts,
		pub:      pub,
		batch:    batch,
		log:      log.With("component", "session_sweeper"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *SessionSweeper) Tick(ctx context.Context) error {
	total := 0
	for ctx.Err() == nil {
		expired, err := s.contacts.ExpireSessions(ctx, s.now(), s.batch)
		if err != nil {
			return fmt.Errorf("expire sessions: %w", err)
		}
		for _, c := range expired {
			if err := s.pub.Publish(ctx, realtime.SessionExpired(c.ChannelID, c.ID)); err != nil {
				s.log.Warn("publish session:expired failed", "contact_id", c.ID, "error", err)
			}
		}
		total += len(expired)
		if len(expired) < s.batch {
			break
		}
	}
	if total > 0 {
		s.log.Info("sessions expired", "count", total)
	}
	return nil
}
