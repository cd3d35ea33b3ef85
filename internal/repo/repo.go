package repo

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
)

//go:embed schema.sql
var Schema string

var (
	ErrNotFound = errors.New("not found")

	// ErrClaimLost is returned by outcome writes when the entry is no
	// longer processing under the caller's dispatch job id.
	ErrClaimLost = errors.New("claim lost")

	// ErrDuplicate is returned when a message with the same provider id
	// already exists.
	ErrDuplicate = errors.New("duplicate provider message id")
)

type QueueFilter struct {
	Status model.QueueStatus
	Limit  int
	Offset int
}

type SentResult struct {
	EntryID           int64
	JobID             string
	ProviderMessageID string
	Attempts          int
	At                time.Time
}

type RetryResult struct {
	EntryID     int64
	JobID       string
	Attempts    int
	NextRetryAt time.Time
	Code        string
	Message     string
	At          time.Time
}

type FailResult struct {
	EntryID  int64
	JobID    string
	Attempts int
	Code     string
	Message  string
	At       time.Time
}

// MessageMutation describes one locked read-modify-write of a message.
type MessageMutation struct {
	Before      model.Message
	After       model.Message
	Changed     bool
	UnreadDelta int
}

// MutateFunc edits m in place and reports whether anything changed.
type MutateFunc func(m *model.Message) bool

type QueueRepository interface {
	InsertEntry(ctx context.Context, e *model.QueueEntry) (int64, error)
	GetEntry(ctx context.Context, id int64) (*model.QueueEntry, error)
	ListEntries(ctx context.Context, f QueueFilter) ([]model.QueueEntry, error)

	ListDue(ctx context.Context, now time.Time, limit int) ([]model.QueueEntry, error)
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]model.QueueEntry, error)
	Claim(ctx context.Context, id int64, jobID string, now time.Time) (*model.QueueEntry, error)

	MarkSent(ctx context.Context, r SentResult) (*model.Message, error)
	MarkRetry(ctx context.Context, r RetryResult) error
	MarkFailed(ctx context.Context, r FailResult) error
}

type MessageRepository interface {
	AppendStatusUpdate(ctx context.Context, u *model.MessageStatusUpdate) (int64, error)
	ListStatusUpdates(ctx context.Context, providerMessageID string) ([]model.MessageStatusUpdate, error)

	InsertMessage(ctx context.Context, m *model.Message) (*model.Message, error)
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	UpdateMessage(ctx context.Context, id int64, fn MutateFunc) (*MessageMutation, error)
	UpdateMessageByProviderID(ctx context.Context, providerMessageID string, fn MutateFunc) (*MessageMutation, error)
	DeleteMessage(ctx context.Context, id int64) (*MessageMutation, error)
}

type ContactRepository interface {
	UpsertContact(ctx context.Context, channelID int64, phone string, name *string) (*model.Contact, error)
	GetContact(ctx context.Context, id int64) (*model.Contact, error)
	ExpireSessions(ctx context.Context, now time.Time, limit int) ([]model.Contact, error)
}

type Store interface {
	QueueRepository
	MessageRepository
	ContactRepository
}
