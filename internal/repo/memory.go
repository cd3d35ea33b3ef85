package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/whatsapp-delivery/internal/counter"
	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
)

// MemoryStore implements Store in process memory. A single mutex stands
// in for row locks and transactions, so every method is atomic. It backs
// STORE_DRIVER=memory and the service tests.
type MemoryStore struct {
	mu sync.Mutex

	nextID   int64
	entries  map[int64]*model.QueueEntry
	messages map[int64]*model.Message
	byRemote map[string]int64
	updates  []model.MessageStatusUpdate
	contacts map[int64]*model.Contact
	byPhone  map[contactKey]int64

	now func() time.Time
}

type contactKey struct {
	channelID int64
	phone     string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[int64]*model.QueueEntry),
		messages: make(map[int64]*model.Message),
		byRemote: make(map[string]int64),
		contacts: make(map[int64]*model.Contact),
		byPhone:  make(map[contactKey]int64),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func cloneEntry(e *model.QueueEntry) model.QueueEntry {
	out := *e
	out.TemplateParams = append([]string(nil), e.TemplateParams...)
	return out
}

func (s *MemoryStore) entryView(e *model.QueueEntry) model.QueueEntry {
	out := cloneEntry(e)
	if e.MessageID != nil {
		if m, ok := s.messages[*e.MessageID]; ok {
			st := m.Status
			out.MessageStatus = &st
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func (s *MemoryStore) InsertEntry(_ context.Context, e *model.QueueEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneEntry(e)
	stored.ID = s.id()
	stored.QueueStatus = model.QueuePending
	stored.Attempts = 0
	if stored.TemplateParams == nil {
		stored.TemplateParams = []string{}
	}
	s.entries[stored.ID] = &stored
	return stored.ID, nil
}

func (s *MemoryStore) GetEntry(_ context.Context, id int64) (*model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := s.entryView(e)
	return &out, nil
}

func (s *MemoryStore) ListEntries(_ context.Context, f QueueFilter) ([]model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var all []model.QueueEntry
	for _, e := range s.entries {
		if f.Status != "" && e.QueueStatus != f.Status {
			continue
		}
		all = append(all, s.entryView(e))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	if f.Offset >= len(all) {
		return nil, nil
	}
	all = all[f.Offset:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.QueueEntry
	for _, e := range s.entries {
		if e.Due(now) {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStale(_ context.Context, claimedBefore time.Time, limit int) ([]model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.QueueEntry
	for _, e := range s.entries {
		if e.QueueStatus == model.QueueProcessing && e.LastDispatchedAt != nil && e.LastDispatchedAt.Before(claimedBefore) {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastDispatchedAt.Before(*out[j].LastDispatchedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, id int64, jobID string, now time.Time) (*model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.QueueStatus != model.QueuePending {
		return nil, ErrClaimLost
	}
	if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
		return nil, ErrClaimLost
	}
	e.QueueStatus = model.QueueProcessing
	e.NextRetryAt = nil
	e.DispatchJobID = ptr(jobID)
	e.LastDispatchedAt = ptr(now)

	out := cloneEntry(e)
	return &out, nil
}

// claimed returns the entry only while jobID still owns it.
func (s *MemoryStore) claimed(id int64, jobID string) (*model.QueueEntry, error) {
	e, ok := s.entries[id]
	if !ok || e.QueueStatus != model.QueueProcessing || e.DispatchJobID == nil || *e.DispatchJobID != jobID {
		return nil, ErrClaimLost
	}
	return e, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, r SentResult) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.claimed(r.EntryID, r.JobID)
	if err != nil {
		return nil, err
	}
	if _, dup := s.byRemote[r.ProviderMessageID]; dup {
		return nil, ErrDuplicate
	}

	contactID := e.ContactID
	if contactID == nil {
		c := s.upsertContact(e.ChannelID, e.Recipient, nil)
		contactID = ptr(c.ID)
	}

	m := &model.Message{
		ID:                s.id(),
		ProviderMessageID: ptr(r.ProviderMessageID),
		ChannelID:         e.ChannelID,
		ContactID:         *contactID,
		Direction:         model.Outgoing,
		Type:              "template",
		Status:            model.StatusSent,
		SentAt:            ptr(r.At),
		CreatedAt:         r.At,
		UpdatedAt:         r.At,
	}
	s.insertMessage(m)

	e.QueueStatus = model.QueueSent
	e.ProviderMessageID = ptr(r.ProviderMessageID)
	e.MessageID = ptr(m.ID)
	e.ContactID = contactID
	e.Attempts = r.Attempts
	e.DispatchJobID = nil
	e.NextRetryAt = nil
	e.ErrorCode = nil
	e.ErrorMessage = nil
	e.ProcessedAt = ptr(r.At)
	e.CompletedAt = ptr(r.At)

	out := *m
	return &out, nil
}

func (s *MemoryStore) MarkRetry(_ context.Context, r RetryResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.claimed(r.EntryID, r.JobID)
	if err != nil {
		return err
	}
	e.QueueStatus = model.QueuePending
	e.Attempts = r.Attempts
	e.NextRetryAt = ptr(r.NextRetryAt)
	e.DispatchJobID = nil
	e.ErrorCode = ptr(r.Code)
	e.ErrorMessage = ptr(r.Message)
	e.ProcessedAt = ptr(r.At)
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, r FailResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.claimed(r.EntryID, r.JobID)
	if err != nil {
		return err
	}
	e.QueueStatus = model.QueueFailed
	e.Attempts = r.Attempts
	e.NextRetryAt = nil
	e.DispatchJobID = nil
	e.ErrorCode = ptr(r.Code)
	e.ErrorMessage = ptr(r.Message)
	e.ProcessedAt = ptr(r.At)
	e.CompletedAt = ptr(r.At)
	return nil
}

func (s *MemoryStore) AppendStatusUpdate(_ context.Context, u *model.MessageStatusUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u.ID = s.id()
	u.MessageID = nil
	if id, ok := s.byRemote[u.ProviderMessageID]; ok {
		u.MessageID = ptr(id)
	}
	if u.ReceivedAt.IsZero() {
		u.ReceivedAt = s.now()
	}
	s.updates = append(s.updates, *u)
	return u.ID, nil
}

func (s *MemoryStore) ListStatusUpdates(_ context.Context, providerMessageID string) ([]model.MessageStatusUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.MessageStatusUpdate
	for _, u := range s.updates {
		if u.ProviderMessageID == providerMessageID {
			out = append(out, u)
		}
	}
	return out, nil
}

// insertMessage stores m and runs the same side effects as the Postgres
// transaction. Caller holds mu.
func (s *MemoryStore) insertMessage(m *model.Message) {
	s.messages[m.ID] = m
	if m.ProviderMessageID != nil {
		s.byRemote[*m.ProviderMessageID] = m.ID
	}

	c, ok := s.contacts[m.ContactID]
	if !ok {
		return
	}
	c.UnreadCount = counter.Floor(c.UnreadCount, counter.InsertDelta(m))
	if c.LastMessageAt == nil || m.CreatedAt.After(*c.LastMessageAt) {
		c.LastMessageAt = ptr(m.CreatedAt)
	}
	if m.Direction == model.Incoming {
		exp := m.CreatedAt.Add(model.SessionWindow)
		if c.SessionExpiresAt == nil || exp.After(*c.SessionExpiresAt) {
			c.SessionExpiresAt = &exp
		}
		c.SessionNotifiedAt = nil
	}
	c.UpdatedAt = s.now()
}

func (s *MemoryStore) InsertMessage(_ context.Context, in *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ProviderMessageID != nil {
		if _, dup := s.byRemote[*in.ProviderMessageID]; dup {
			return nil, ErrDuplicate
		}
	}
	m := *in
	m.ID = s.id()
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	s.insertMessage(&m)

	out := m
	return &out, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id int64) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *m
	return &out, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, id int64, fn MutateFunc) (*MessageMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.mutate(m, fn), nil
}

func (s *MemoryStore) UpdateMessageByProviderID(_ context.Context, providerMessageID string, fn MutateFunc) (*MessageMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRemote[providerMessageID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.mutate(s.messages[id], fn), nil
}

func (s *MemoryStore) mutate(m *model.Message, fn MutateFunc) *MessageMutation {
	before := *m
	after := *m
	mut := &MessageMutation{Before: before}
	if !fn(&after) {
		mut.After = after
		return mut
	}
	if after.UpdatedAt.Equal(before.UpdatedAt) {
		after.UpdatedAt = s.now()
	}

	*m = after
	mut.After = after
	mut.Changed = true
	mut.UnreadDelta = counter.UpdateDelta(&before, &after)
	if c, ok := s.contacts[m.ContactID]; ok && mut.UnreadDelta != 0 {
		c.UnreadCount = counter.Floor(c.UnreadCount, mut.UnreadDelta)
		c.UpdatedAt = s.now()
	}
	return mut
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id int64) (*MessageMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.messages, id)
	if m.ProviderMessageID != nil {
		delete(s.byRemote, *m.ProviderMessageID)
	}
	for _, e := range s.entries {
		if e.MessageID != nil && *e.MessageID == id {
			e.MessageID = nil
		}
	}
	for i := range s.updates {
		if s.updates[i].MessageID != nil && *s.updates[i].MessageID == id {
			s.updates[i].MessageID = nil
		}
	}

	mut := &MessageMutation{Before: *m, Changed: true, UnreadDelta: counter.DeleteDelta(m)}
	if c, ok := s.contacts[m.ContactID]; ok && mut.UnreadDelta != 0 {
		c.UnreadCount = counter.Floor(c.UnreadCount, mut.UnreadDelta)
		c.UpdatedAt = s.now()
	}
	return mut, nil
}

func (s *MemoryStore) upsertContact(channelID int64, phone string, name *string) *model.Contact {
	key := contactKey{channelID: channelID, phone: phone}
	now := s.now()
	if id, ok := s.byPhone[key]; ok {
		c := s.contacts[id]
		if name != nil {
			c.Name = ptr(*name)
		}
		c.UpdatedAt = now
		return c
	}
	c := &model.Contact{
		ID:        s.id(),
		ChannelID: channelID,
		Phone:     phone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if name != nil {
		c.Name = ptr(*name)
	}
	s.contacts[c.ID] = c
	s.byPhone[key] = c.ID
	return c
}

func (s *MemoryStore) UpsertContact(_ context.Context, channelID int64, phone string, name *string) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *s.upsertContact(channelID, phone, name)
	return &out, nil
}

func (s *MemoryStore) GetContact(_ context.Context, id int64) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) ExpireSessions(_ context.Context, now time.Time, limit int) ([]model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*model.Contact
	for _, c := range s.contacts {
		if c.SessionExpiresAt != nil && !c.SessionExpiresAt.After(now) && c.SessionNotifiedAt == nil {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].SessionExpiresAt.Before(*due[j].SessionExpiresAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]model.Contact, 0, len(due))
	for _, c := range due {
		c.SessionNotifiedAt = ptr(now)
		c.UpdatedAt = now
		out = append(out, *c)
	}
	return out, nil
}

// CountUnread scans messages for contactID. Tests compare it against the
// maintained counter.
func (s *MemoryStore) CountUnread(contactID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.messages {
		if m.ContactID == contactID && m.Unread() {
			n++
		}
	}
	return n
}
