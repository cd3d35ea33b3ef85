package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/LeventeLantos/whatsapp-delivery/internal/counter"
	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
)

const entryColumns = `q.id, q.channel_id, q.contact_id, q.message_id, q.recipient,
	q.template_name, q.template_language, q.template_params, q.template_category,
	q.request_ip, q.masked_credential, q.user_agent,
	q.queue_status, q.provider_message_id, q.billable, q.billing_category,
	q.attempts, q.max_attempts, q.scheduled_at, q.next_retry_at,
	q.dispatch_job_id, q.last_dispatched_at, q.error_code, q.error_message,
	q.created_at, q.processed_at, q.completed_at`

func scanEntry(s rowScanner, extra ...any) (*model.QueueEntry, error) {
	var (
		e                         model.QueueEntry
		contactID, messageID      sql.NullInt64
		params                    pq.StringArray
		status, billing           string
		providerID, jobID         sql.NullString
		errCode, errMsg           sql.NullString
		nextRetry, lastDispatched sql.NullTime
		processed, completed      sql.NullTime
	)

	dest := []any{
		&e.ID, &e.ChannelID, &contactID, &messageID, &e.Recipient,
		&e.TemplateName, &e.TemplateLanguage, &params, &e.TemplateCategory,
		&e.RequestIP, &e.MaskedCredential, &e.UserAgent,
		&status, &providerID, &e.Billable, &billing,
		&e.Attempts, &e.MaxAttempts, &e.ScheduledAt, &nextRetry,
		&jobID, &lastDispatched, &errCode, &errMsg,
		&e.CreatedAt, &processed, &completed,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	e.ContactID = nullInt64(contactID)
	e.MessageID = nullInt64(messageID)
	e.TemplateParams = []string(params)
	if e.TemplateParams == nil {
		e.TemplateParams = []string{}
	}
	e.QueueStatus = model.QueueStatus(status)
	e.BillingCategory = model.BillingCategory(billing)
	e.ProviderMessageID = nullString(providerID)
	e.DispatchJobID = nullString(jobID)
	e.ErrorCode = nullString(errCode)
	e.ErrorMessage = nullString(errMsg)
	e.NextRetryAt = nullTime(nextRetry)
	e.LastDispatchedAt = nullTime(lastDispatched)
	e.ProcessedAt = nullTime(processed)
	e.CompletedAt = nullTime(completed)
	return &e, nil
}

func scanEntryWithMessageStatus(s rowScanner) (*model.QueueEntry, error) {
	var ms sql.NullString
	e, err := scanEntry(s, &ms)
	if err != nil {
		return nil, err
	}
	if ms.Valid {
		st := model.MessageStatus(ms.String)
		e.MessageStatus = &st
	}
	return e, nil
}

func collectEntries(rows *sql.Rows, scan func(rowScanner) (*model.QueueEntry, error)) ([]model.QueueEntry, error) {
	defer rows.Close()

	var out []model.QueueEntry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertEntry(ctx context.Context, e *model.QueueEntry) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO message_queues (
			channel_id, contact_id, recipient,
			template_name, template_language, template_params, template_category,
			request_ip, masked_credential, user_agent,
			queue_status, billable, billing_category,
			attempts, max_attempts, scheduled_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', $11, $12, 0, $13, $14, $15)
		RETURNING id
	`,
		e.ChannelID, e.ContactID, e.Recipient,
		e.TemplateName, e.TemplateLanguage, pq.StringArray(e.TemplateParams), e.TemplateCategory,
		e.RequestIP, e.MaskedCredential, e.UserAgent,
		e.Billable, string(e.BillingCategory),
		e.MaxAttempts, e.ScheduledAt, e.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert queue entry: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, id int64) (*model.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`, m.status
		FROM message_queues q
		LEFT JOIN messages m ON m.id = q.message_id
		WHERE q.id = $1
	`, id)
	e, err := scanEntryWithMessageStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) ListEntries(ctx context.Context, f QueueFilter) ([]model.QueueEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("q.queue_status = $%d", len(args)))
	}
	query := `SELECT ` + entryColumns + `, m.status
		FROM message_queues q
		LEFT JOIN messages m ON m.id = q.message_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY q.created_at DESC, q.id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows, scanEntryWithMessageStatus)
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]model.QueueEntry, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM message_queues q
		WHERE q.queue_status = 'pending'
		  AND q.scheduled_at <= $1
		  AND (q.next_retry_at IS NULL OR q.next_retry_at <= $1)
		ORDER BY q.scheduled_at ASC, q.id ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows, func(r rowScanner) (*model.QueueEntry, error) { return scanEntry(r) })
}

func (s *PostgresStore) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]model.QueueEntry, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM message_queues q
		WHERE q.queue_status = 'processing'
		  AND q.last_dispatched_at < $1
		ORDER BY q.last_dispatched_at ASC
		LIMIT $2
	`, claimedBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows, func(r rowScanner) (*model.QueueEntry, error) { return scanEntry(r) })
}

// Claim moves a pending entry to processing under jobID. The single
// conditional UPDATE is the only mutual exclusion between schedulers:
// a concurrent claimer sees zero rows and gets ErrClaimLost. The retry
// time only means something while pending, so the claim clears it.
func (s *PostgresStore) Claim(ctx context.Context, id int64, jobID string, now time.Time) (*model.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE message_queues AS q
		SET queue_status = 'processing',
		    next_retry_at = NULL,
		    dispatch_job_id = $2,
		    last_dispatched_at = $3
		WHERE q.id = $1
		  AND q.queue_status = 'pending'
		  AND (q.next_retry_at IS NULL OR q.next_retry_at <= $3)
		RETURNING `+entryColumns,
		id, jobID, now)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClaimLost
	}
	if err != nil {
		return nil, fmt.Errorf("claim entry %d: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) MarkSent(ctx context.Context, r SentResult) (*model.Message, error) {
	var msg *model.Message
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			channelID int64
			contactID sql.NullInt64
			recipient string
		)
		err := tx.QueryRowContext(ctx, `
			SELECT channel_id, contact_id, recipient
			FROM message_queues
			WHERE id = $1 AND dispatch_job_id = $2 AND queue_status = 'processing'
			FOR UPDATE
		`, r.EntryID, r.JobID).Scan(&channelID, &contactID, &recipient)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrClaimLost
		}
		if err != nil {
			return err
		}

		if !contactID.Valid {
			c, err := upsertContact(ctx, tx, channelID, recipient, nil)
			if err != nil {
				return err
			}
			contactID = sql.NullInt64{Int64: c.ID, Valid: true}
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO messages (
				provider_message_id, channel_id, contact_id, direction, type, status,
				sent_at, created_at, updated_at
			) VALUES ($1, $2, $3, 'outgoing', 'template', 'sent', $4, $4, $4)
			RETURNING `+messageColumns,
			r.ProviderMessageID, channelID, contactID.Int64, r.At)
		msg, err = scanMessage(row)
		if err != nil {
			return fmt.Errorf("insert outgoing message: %w", err)
		}
		if err := s.counter.Apply(ctx, tx, msg.ContactID, counter.InsertDelta(msg)); err != nil {
			return err
		}
		if err := touchContact(ctx, tx, msg); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE message_queues
			SET queue_status = 'sent',
			    provider_message_id = $2,
			    message_id = $3,
			    contact_id = $4,
			    attempts = $5,
			    dispatch_job_id = NULL,
			    next_retry_at = NULL,
			    error_code = NULL,
			    error_message = NULL,
			    processed_at = $6,
			    completed_at = $6
			WHERE id = $1
		`, r.EntryID, r.ProviderMessageID, msg.ID, contactID.Int64, r.Attempts, r.At)
		if err != nil {
			return err
		}
		return checkAffected(res, ErrClaimLost)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *PostgresStore) MarkRetry(ctx context.Context, r RetryResult) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_queues
		SET queue_status = 'pending',
		    attempts = $3,
		    next_retry_at = $4,
		    dispatch_job_id = NULL,
		    error_code = $5,
		    error_message = $6,
		    processed_at = $7
		WHERE id = $1 AND dispatch_job_id = $2 AND queue_status = 'processing'
	`, r.EntryID, r.JobID, r.Attempts, r.NextRetryAt, r.Code, r.Message, r.At)
	if err != nil {
		return fmt.Errorf("mark entry %d for retry: %w", r.EntryID, err)
	}
	return checkAffected(res, ErrClaimLost)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, r FailResult) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_queues
		SET queue_status = 'failed',
		    attempts = $3,
		    next_retry_at = NULL,
		    dispatch_job_id = NULL,
		    error_code = $4,
		    error_message = $5,
		    processed_at = $6,
		    completed_at = $6
		WHERE id = $1 AND dispatch_job_id = $2 AND queue_status = 'processing'
	`, r.EntryID, r.JobID, r.Attempts, r.Code, r.Message, r.At)
	if err != nil {
		return fmt.Errorf("mark entry %d failed: %w", r.EntryID, err)
	}
	return checkAffected(res, ErrClaimLost)
}
