package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/whatsapp-delivery/internal/cache"
	"github.com/LeventeLantos/whatsapp-delivery/internal/client"
	"github.com/LeventeLantos/whatsapp-delivery/internal/metrics"
	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
	"github.com/LeventeLantos/whatsapp-delivery/internal/realtime"
	"github.com/LeventeLantos/whatsapp-delivery/internal/repo"
)

type Provider interface {
	SendTemplate(ctx context.Context, m client.TemplateMessage) (providerMessageID string, err error)
}

type DispatcherConfig struct {
	BatchSize       int
	Workers         int
	ClaimTimeout    time.Duration
	ProviderTimeout time.Duration
	Backoff         Backoff
}

// TickStats summarizes one dispatcher pass.
type TickStats struct {
	Stale   int
	Claimed int
	Lost    int
	Sent    int
	Retried int
	Failed  int
}

type tally struct {
	mu sync.Mutex
	TickStats
}

func (t *tally) add(fn func(s *TickStats)) {
	t.mu.Lock()
	fn(&t.TickStats)
	t.mu.Unlock()
}

// Dispatcher turns due queue entries into provider sends. Mutual
// exclusion between dispatchers, in this process or others, comes only
// from the store's conditional claim.
type Dispatcher struct {
	queue    repo.QueueRepository
	provider Provider
	sent     cache.SentCache
	pub      realtime.Publisher
	cfg      DispatcherConfig
	log      *slog.Logger

	now      func() time.Time
	newJobID func() string
}

func NewDispatcher(queue repo.QueueRepository, provider Provider, sent cache.SentCache, pub realtime.Publisher, cfg DispatcherConfig, log *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 2 * time.Minute
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	if sent == nil {
		sent = cache.Nop{}
	}
	if pub == nil {
		pub = realtime.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		queue:    queue,
		provider: provider,
		sent:     sent,
		pub:      pub,
		cfg:      cfg,
		log:      log.With("component", "dispatcher"),
		now:      func() time.Time { return time.Now().UTC() },
		newJobID: uuid.NewString,
	}
}

// Tick adapts RunOnce to the scheduler.
func (d *Dispatcher) Tick(ctx context.Context) error {
	stats, err := d.RunOnce(ctx)
	if stats != (TickStats{}) {
		d.log.Info("dispatch tick",
			"stale", stats.Stale,
			"claimed", stats.Claimed,
			"lost", stats.Lost,
			"sent", stats.Sent,
			"retried", stats.Retried,
			"failed", stats.Failed,
		)
	}
	return err
}

// RunOnce sweeps stale claims, then claims and dispatches one batch of
// due entries. It returns after every started dispatch has finished.
// Once ctx is cancelled no further entries are claimed, while dispatches
// already claimed run to completion on a detached context.
func (d *Dispatcher) RunOnce(ctx context.Context) (TickStats, error) {
	var t tally
	detached := context.WithoutCancel(ctx)

	if err := d.sweepStale(ctx, detached, &t); err != nil {
		return t.TickStats, err
	}

	due, err := d.queue.ListDue(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return t.TickStats, fmt.Errorf("list due entries: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)

	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		id := e.ID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			claimed, err := d.queue.Claim(detached, id, d.newJobID(), d.now())
			if errors.Is(err, repo.ErrClaimLost) {
				metrics.Claims.WithLabelValues("lost").Inc()
				t.add(func(s *TickStats) { s.Lost++ })
				return nil
			}
			if err != nil {
				return fmt.Errorf("claim entry %d: %w", id, err)
			}
			metrics.Claims.WithLabelValues("won").Inc()
			t.add(func(s *TickStats) { s.Claimed++ })

			d.dispatch(detached, claimed, &t)
			return nil
		})
	}

	err = g.Wait()
	return t.TickStats, err
}

// sweepStale requeues entries whose claim outlived ClaimTimeout. The
// stale job id fences the write, so an owner that is merely slow and
// finishes first wins.
func (d *Dispatcher) sweepStale(ctx, detached context.Context, t *tally) error {
	cutoff := d.now().Add(-d.cfg.ClaimTimeout)
	stale, err := d.queue.ListStale(ctx, cutoff, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale claims: %w", err)
	}

	for i := range stale {
		e := &stale[i]
		if e.DispatchJobID == nil {
			continue
		}
		metrics.StaleClaims.Inc()
		t.add(func(s *TickStats) { s.Stale++ })

		attempts := e.Attempts + 1
		if providerID, ok := d.lookupSent(detached, e.ID); ok {
			d.finishSent(detached, e, providerID, attempts, t)
			continue
		}

		claimedAt := ""
		if e.LastDispatchedAt != nil {
			claimedAt = e.LastDispatchedAt.Format(time.RFC3339)
		}
		d.log.Warn("stale claim requeued", "entry_id", e.ID, "job_id", *e.DispatchJobID, "claimed_at", claimedAt)
		d.finishFailure(detached, e, attempts, fmt.Errorf("entry %d claimed at %s: %w", e.ID, claimedAt, model.ErrStaleClaim), t)
	}
	return nil
}

func (d *Dispatcher) lookupSent(ctx context.Context, entryID int64) (string, bool) {
	providerID, ok, err := d.sent.LookupSent(ctx, entryID)
	if err != nil {
		d.log.Warn("sent cache lookup failed", "entry_id", entryID, "error", err)
		return "", false
	}
	if ok {
		metrics.SentCacheHits.Inc()
	}
	return providerID, ok
}

func (d *Dispatcher) dispatch(ctx context.Context, e *model.QueueEntry, t *tally) {
	attempts := e.Attempts + 1

	if providerID, ok := d.lookupSent(ctx, e.ID); ok {
		d.log.Info("provider already accepted entry, reusing id", "entry_id", e.ID, "provider_message_id", providerID)
		d.finishSent(ctx, e, providerID, attempts, t)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	start := time.Now()
	providerID, err := d.provider.SendTemplate(pctx, client.TemplateMessage{
		To:       e.Recipient,
		Name:     e.TemplateName,
		Language: e.TemplateLanguage,
		Params:   e.TemplateParams,
	})
	cancel()
	metrics.ProviderLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		d.finishFailure(ctx, e, attempts, err, t)
		return
	}

	if err := d.sent.StoreSent(ctx, e.ID, providerID, d.now()); err != nil {
		d.log.Warn("sent cache store failed", "entry_id", e.ID, "error", err)
	}
	d.finishSent(ctx, e, providerID, attempts, t)
}

func (d *Dispatcher) finishSent(ctx context.Context, e *model.QueueEntry, providerID string, attempts int, t *tally) {
	msg, err := d.queue.MarkSent(ctx, repo.SentResult{
		EntryID:           e.ID,
		JobID:             *e.DispatchJobID,
		ProviderMessageID: providerID,
		Attempts:          attempts,
		At:                d.now(),
	})
	if err != nil {
		d.recordWriteError(e, "sent", err, t)
		return
	}

	metrics.DispatchOutcomes.WithLabelValues("sent").Inc()
	t.add(func(s *TickStats) { s.Sent++ })
	d.log.Info("queue entry sent", "entry_id", e.ID, "provider_message_id", providerID, "message_id", msg.ID, "attempts", attempts)

	if err := d.pub.Publish(ctx, realtime.MessageNew(msg)); err != nil {
		d.log.Warn("publish message:new failed", "message_id", msg.ID, "error", err)
	}
}

func (d *Dispatcher) finishFailure(ctx context.Context, e *model.QueueEntry, attempts int, cause error, t *tally) {
	code, message := model.ErrorDetails(cause)
	now := d.now()

	if model.IsPermanent(cause) || attempts >= e.MaxAttempts {
		err := d.queue.MarkFailed(ctx, repo.FailResult{
			EntryID:  e.ID,
			JobID:    *e.DispatchJobID,
			Attempts: attempts,
			Code:     code,
			Message:  message,
			At:       now,
		})
		if err != nil {
			d.recordWriteError(e, "failed", err, t)
			return
		}
		metrics.DispatchOutcomes.WithLabelValues("failed").Inc()
		t.add(func(s *TickStats) { s.Failed++ })
		d.log.Warn("queue entry failed", "entry_id", e.ID, "attempts", attempts, "error_code", code, "error", message)
		return
	}

	next := now.Add(d.cfg.Backoff.Delay(attempts))
	err := d.queue.MarkRetry(ctx, repo.RetryResult{
		EntryID:     e.ID,
		JobID:       *e.DispatchJobID,
		Attempts:    attempts,
		NextRetryAt: next,
		Code:        code,
		Message:     message,
		At:          now,
	})
	if err != nil {
		d.recordWriteError(e, "retry", err, t)
		return
	}
	metrics.DispatchOutcomes.WithLabelValues("retry").Inc()
	t.add(func(s *TickStats) { s.Retried++ })
	d.log.Info("queue entry scheduled for retry", "entry_id", e.ID, "attempts", attempts, "next_retry_at", next, "error_code", code)
}

func (d *Dispatcher) recordWriteError(e *model.QueueEntry, outcome string, err error, t *tally) {
	if errors.Is(err, repo.ErrClaimLost) {
		metrics.DispatchOutcomes.WithLabelValues("claim_lost").Inc()
		t.add(func(s *TickStats) { s.Lost++ })
		d.log.Warn("claim lost before outcome write", "entry_id", e.ID, "outcome", outcome)
		return
	}
	d.log.Error("outcome write failed", "entry_id", e.ID, "outcome", outcome, "error", err)
}
