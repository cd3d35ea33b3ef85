package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/LeventeLantos/whatsapp-delivery/internal/client"
	"github.com/LeventeLantos/whatsapp-delivery/internal/realtime"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeProvider struct {
	mu    sync.Mutex
	calls []client.TemplateMessage
	send  func(ctx context.Context, m client.TemplateMessage) (string, error)
}

func (p *fakeProvider) SendTemplate(ctx context.Context, m client.TemplateMessage) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, m)
	p.mu.Unlock()
	return p.send(ctx, m)
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev realtime.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Event)
	}
	return out
}

type mapSentCache struct {
	mu  sync.Mutex
	ids map[int64]string
}

func newMapSentCache() *mapSentCache {
	return &mapSentCache{ids: map[int64]string{}}
}

func (c *mapSentCache) StoreSent(_ context.Context, entryID int64, providerMessageID string, _ time.Time) error {
	c.mu.Lock()
	c.ids[entryID] = providerMessageID
	c.mu.Unlock()
	return nil
}

func (c *mapSentCache) LookupSent(_ context.Context, entryID int64) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[entryID]
	return id, ok, nil
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
