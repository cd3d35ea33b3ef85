package cache

import (
	"context"
	"time"
)

// SentCache remembers provider acceptances per queue entry so a requeued
// entry reuses the provider message id instead of sending again.
type SentCache interface {
	StoreSent(ctx context.Context, entryID int64, providerMessageID string, sentAt time.Time) error
	LookupSent(ctx context.Context, entryID int64) (providerMessageID string, ok bool, err error)
}

// Nop is used when no Redis is configured.
type Nop struct{}

func (Nop) StoreSent(context.Context, int64, string, time.Time) error { return nil }

func (Nop) LookupSent(context.Context, int64) (string, bool, error) { return "", false, nil }
