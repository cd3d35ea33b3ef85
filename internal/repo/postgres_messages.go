package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/whatsapp-delivery/internal/counter"
	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
)

const messageColumns = `id, provider_message_id, channel_id, contact_id, direction, type, status,
	body, sent_at, delivered_at, read_at, failed_at, error_code, error_message,
	created_at, updated_at`

func scanMessage(s rowScanner) (*model.Message, error) {
	var (
		m                   model.Message
		direction, status   string
		providerID, body    sql.NullString
		errCode, errMsg     sql.NullString
		sentAt, deliveredAt sql.NullTime
		readAt, failedAt    sql.NullTime
	)
	if err := s.Scan(
		&m.ID, &providerID, &m.ChannelID, &m.ContactID, &direction, &m.Type, &status,
		&body, &sentAt, &deliveredAt, &readAt, &failedAt, &errCode, &errMsg,
		&m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}

	m.Direction = model.Direction(direction)
	m.Status = model.MessageStatus(status)
	m.ProviderMessageID = nullString(providerID)
	m.Body = nullString(body)
	m.SentAt = nullTime(sentAt)
	m.DeliveredAt = nullTime(deliveredAt)
	m.ReadAt = nullTime(readAt)
	m.FailedAt = nullTime(failedAt)
	m.ErrorCode = nullString(errCode)
	m.ErrorMessage = nullString(errMsg)
	return &m, nil
}

// touchContact advances last_message_at and, for incoming messages,
// reopens the session window.
func touchContact(ctx context.Context, tx *sql.Tx, m *model.Message) error {
	var err error
	if m.Direction == model.Incoming {
		_, err = tx.ExecContext(ctx, `
			UPDATE contacts
			SET last_message_at = GREATEST(last_message_at, $2),
			    session_expires_at = GREATEST(session_expires_at, $3),
			    session_notified_at = NULL,
			    updated_at = now()
			WHERE id = $1
		`, m.ContactID, m.CreatedAt, m.CreatedAt.Add(model.SessionWindow))
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE contacts
			SET last_message_at = GREATEST(last_message_at, $2),
			    updated_at = now()
			WHERE id = $1
		`, m.ContactID, m.CreatedAt)
	}
	if err != nil {
		return fmt.Errorf("touch contact %d: %w", m.ContactID, err)
	}
	return nil
}

func (s *PostgresStore) AppendStatusUpdate(ctx context.Context, u *model.MessageStatusUpdate) (int64, error) {
	var raw any
	if len(u.RawPayload) > 0 {
		raw = string(u.RawPayload)
	}

	var messageID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO message_status_updates (
			message_id, provider_message_id, status, status_at,
			error_code, error_title, raw_payload, received_at
		) VALUES (
			(SELECT id FROM messages WHERE provider_message_id = $1),
			$1, $2, $3, $4, $5, $6, $7
		)
		RETURNING id, message_id
	`, u.ProviderMessageID, u.Status, u.StatusAt, u.ErrorCode, u.ErrorTitle, raw, u.ReceivedAt,
	).Scan(&u.ID, &messageID)
	if err != nil {
		return 0, fmt.Errorf("append status update: %w", err)
	}
	u.MessageID = nullInt64(messageID)
	return u.ID, nil
}

func (s *PostgresStore) ListStatusUpdates(ctx context.Context, providerMessageID string) ([]model.MessageStatusUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, provider_message_id, status, status_at,
		       error_code, error_title, raw_payload, received_at
		FROM message_status_updates
		WHERE provider_message_id = $1
		ORDER BY id ASC
	`, providerMessageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MessageStatusUpdate
	for rows.Next() {
		var (
			u                 model.MessageStatusUpdate
			messageID         sql.NullInt64
			errCode, errTitle sql.NullString
			raw               []byte
		)
		if err := rows.Scan(
			&u.ID, &messageID, &u.ProviderMessageID, &u.Status, &u.StatusAt,
			&errCode, &errTitle, &raw, &u.ReceivedAt,
		); err != nil {
			return nil, err
		}
		u.MessageID = nullInt64(messageID)
		u.ErrorCode = nullString(errCode)
		u.ErrorTitle = nullString(errTitle)
		if len(raw) > 0 {
			u.RawPayload = raw
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertMessage(ctx context.Context, in *model.Message) (*model.Message, error) {
	var out *model.Message
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO messages (
				provider_message_id, channel_id, contact_id, direction, type, status,
				body, sent_at, delivered_at, read_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
			ON CONFLICT (provider_message_id) DO NOTHING
			RETURNING `+messageColumns,
			in.ProviderMessageID, in.ChannelID, in.ContactID, string(in.Direction), in.Type, string(in.Status),
			in.Body, in.SentAt, in.DeliveredAt, in.ReadAt, in.CreatedAt)

		m, err := scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if err := s.counter.Apply(ctx, tx, m.ContactID, counter.InsertDelta(m)); err != nil {
			return err
		}
		if err := touchContact(ctx, tx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, id int64, fn MutateFunc) (*MessageMutation, error) {
	return s.mutate(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id, fn)
}

func (s *PostgresStore) UpdateMessageByProviderID(ctx context.Context, providerMessageID string, fn MutateFunc) (*MessageMutation, error) {
	return s.mutate(ctx, `SELECT `+messageColumns+` FROM messages WHERE provider_message_id = $1 FOR UPDATE`, providerMessageID, fn)
}

// mutate locks one message row, lets fn edit a copy, writes the result
// back and applies the unread delta, all in one transaction. Concurrent
// callbacks for the same message serialize on the row lock.
func (s *PostgresStore) mutate(ctx context.Context, lockQuery string, key any, fn MutateFunc) (*MessageMutation, error) {
	var mut MessageMutation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		before, err := scanMessage(tx.QueryRowContext(ctx, lockQuery, key))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		after := *before
		mut.Before = *before
		if !fn(&after) {
			mut.After = after
			return nil
		}
		if after.UpdatedAt.Equal(before.UpdatedAt) {
			after.UpdatedAt = time.Now().UTC()
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE messages
			SET status = $2,
			    body = $3,
			    sent_at = $4,
			    delivered_at = $5,
			    read_at = $6,
			    failed_at = $7,
			    error_code = $8,
			    error_message = $9,
			    updated_at = $10
			WHERE id = $1
		`, after.ID, string(after.Status), after.Body, after.SentAt, after.DeliveredAt, after.ReadAt,
			after.FailedAt, after.ErrorCode, after.ErrorMessage, after.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update message %d: %w", after.ID, err)
		}

		mut.After = after
		mut.Changed = true
		mut.UnreadDelta = counter.UpdateDelta(before, &after)
		return s.counter.Apply(ctx, tx, after.ContactID, mut.UnreadDelta)
	})
	if err != nil {
		return nil, err
	}
	return &mut, nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id int64) (*MessageMutation, error) {
	var mut MessageMutation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete message %d: %w", id, err)
		}

		mut.Before = *m
		mut.Changed = true
		mut.UnreadDelta = counter.DeleteDelta(m)
		return s.counter.Apply(ctx, tx, m.ContactID, mut.UnreadDelta)
	})
	if err != nil {
		return nil, err
	}
	return &mut, nil
}
