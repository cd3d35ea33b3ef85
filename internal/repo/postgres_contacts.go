package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
)

const contactColumns = `id, channel_id, phone, name, unread_count, last_message_at,
	session_expires_at, session_notified_at, created_at, updated_at`

func scanContact(s rowScanner) (*model.Contact, error) {
	var (
		c                    model.Contact
		name                 sql.NullString
		lastMessage, expires sql.NullTime
		notified             sql.NullTime
	)
	if err := s.Scan(
		&c.ID, &c.ChannelID, &c.Phone, &name, &c.UnreadCount, &lastMessage,
		&expires, &notified, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.Name = nullString(name)
	c.LastMessageAt = nullTime(lastMessage)
	c.SessionExpiresAt = nullTime(expires)
	c.SessionNotifiedAt = nullTime(notified)
	return &c, nil
}

func upsertContact(ctx context.Context, q querier, channelID int64, phone string, name *string) (*model.Contact, error) {
	c, err := scanContact(q.QueryRowContext(ctx, `
		INSERT INTO contacts (channel_id, phone, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, phone) DO UPDATE
		SET name = COALESCE(EXCLUDED.name, contacts.name),
		    updated_at = now()
		RETURNING `+contactColumns,
		channelID, phone, name))
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpsertContact(ctx context.Context, channelID int64, phone string, name *string) (*model.Contact, error) {
	return upsertContact(ctx, s.db, channelID, phone, name)
}

func (s *PostgresStore) GetContact(ctx context.Context, id int64) (*model.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ExpireSessions stamps session_notified_at on contacts whose session
// window closed and returns them. Concurrent sweepers skip each other's
// rows, so every expiry is reported once.
func (s *PostgresStore) ExpireSessions(ctx context.Context, now time.Time, limit int) ([]model.Contact, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := s.db.QueryContext(ctx, `
		UPDATE contacts
		SET session_notified_at = $1,
		    updated_at = $1
		WHERE id IN (
			SELECT id FROM contacts
			WHERE session_expires_at <= $1
			  AND session_notified_at IS NULL
			ORDER BY session_expires_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		RETURNING `+contactColumns,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
