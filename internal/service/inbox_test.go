package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
	"github.com/LeventeLantos/whatsapp-delivery/internal/realtime"
	"github.com/LeventeLantos/whatsapp-delivery/internal/repo"
)

func ingestOne(t *testing.T, in *Ingester, providerID string, at time.Time) *model.Message {
	t.Helper()
	m, err := in.Ingest(context.Background(), InboundMessage{
		ChannelID:         1,
		From:              "+15550007777",
		ProfileName:       strPtr("Ada"),
		ProviderMessageID: providerID,
		Body:              strPtr("hello"),
		Timestamp:         at,
	})
	require.NoError(t, err)
	require.NotNil(t, m)
	return m
}

func TestIngester_StoresUnreadAndOpensSession(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	pub := &recordingPublisher{}
	in := NewIngester(store, store, pub, slog.New(slog.DiscardHandler))

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := ingestOne(t, in, "wamid.in.1", at)
	assert.Equal(t, model.Incoming, m.Direction)
	assert.True(t, m.Unread())

	c, err := store.GetContact(ctx, m.ContactID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UnreadCount)
	require.NotNil(t, c.Name)
	assert.Equal(t, "Ada", *c.Name)
	require.NotNil(t, c.SessionExpiresAt)
	assert.Equal(t, at.Add(24*time.Hour), *c.SessionExpiresAt)

	dup, err := in.Ingest(ctx, InboundMessage{ChannelID: 1, From: "+15550007777", ProviderMessageID: "wamid.in.1", Timestamp: at})
	require.NoError(t, err)
	assert.Nil(t, dup)

	c, err = store.GetContact(ctx, m.ContactID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, []string{realtime.EventMessageNew, realtime.EventContactUpdated}, pub.Names())
}

func TestInbox_MarkRead(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	in := NewIngester(store, store, nil, nil)
	m := ingestOne(t, in, "wamid.in.2", time.Now().UTC())

	pub := &recordingPublisher{}
	box := NewInbox(store, store, pub, slog.New(slog.DiscardHandler))

	got, err := box.MarkRead(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, got.Status)
	assert.NotNil(t, got.ReadAt)

	c, err := box.Contact(ctx, m.ContactID)
	require.NoError(t, err)
	assert.Zero(t, c.UnreadCount)
	assert.Equal(t, store.CountUnread(m.ContactID), c.UnreadCount)
	assert.Equal(t, []string{realtime.EventMessageStatus, realtime.EventContactUpdated}, pub.Names())

	_, err = box.MarkRead(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, pub.Names(), 2, "marking twice publishes nothing new")

	c, err = store.GetContact(ctx, m.ContactID)
	require.NoError(t, err)
	assert.Zero(t, c.UnreadCount)
}

func TestInbox_MarkReadRejectsOutgoing(t *testing.T) {
	store := repo.NewMemoryStore()
	m := seedOutgoing(t, store, "wamid.out.1", time.Now().UTC())
	box := NewInbox(store, store, nil, nil)

	_, err := box.MarkRead(context.Background(), m.ID)
	assert.ErrorIs(t, err, ErrNotIncoming)

	_, err = box.MarkRead(context.Background(), 9999)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInbox_DeleteUnreadDecrements(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	in := NewIngester(store, store, nil, nil)
	now := time.Now().UTC()
	first := ingestOne(t, in, "wamid.in.3", now)
	ingestOne(t, in, "wamid.in.4", now.Add(time.Second))

	pub := &recordingPublisher{}
	box := NewInbox(store, store, pub, nil)

	require.NoError(t, box.Delete(ctx, first.ID))

	c, err := store.GetContact(ctx, first.ContactID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, []string{realtime.EventContactUpdated}, pub.Names())

	assert.ErrorIs(t, box.Delete(ctx, first.ID), repo.ErrNotFound)
}

func TestSessionSweeper_AnnouncesEachExpiryOnce(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	in := NewIngester(store, store, nil, nil)
	m := ingestOne(t, in, "wamid.in.5", time.Now().UTC().Add(-25*time.Hour))

	pub := &recordingPublisher{}
	sw := NewSessionSweeper(store, pub, 1, slog.New(slog.DiscardHandler))

	require.NoError(t, sw.Tick(ctx))
	require.NoError(t, sw.Tick(ctx))
	assert.Equal(t, []string{realtime.EventSessionExpired}, pub.Names())

	pub.mu.Lock()
	ev := pub.events[0]
	pub.mu.Unlock()
	assert.Equal(t, m.ChannelID, ev.ChannelID)
	assert.JSONEq(t, `{"contactId":`+itoa(m.ContactID)+`}`, string(ev.Data))

	ingestOne(t, in, "wamid.in.6", time.Now().UTC().Add(-24*time.Hour-time.Minute))
	require.NoError(t, sw.Tick(ctx))
	assert.Len(t, pub.Names(), 2, "a new message re-arms the announcement")
}
