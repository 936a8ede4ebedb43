package service

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/store"
)

// OutboxFlusher replays queued access events in the background.  A pass
// runs on every interval tick and on Kick; after a failed pass the next
// one is scheduled with exponential backoff instead of the interval.
// Delivered entries older than the retention are pruned after each pass.
type OutboxFlusher struct {
	events  *EventService
	store   store.PendingEventStore
	cfg     FlusherConfig
	logger  *log.Logger
	kick    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	mu      sync.Mutex
}

// FlusherConfig holds the parameters for NewOutboxFlusher.
type FlusherConfig struct {
	// Interval between passes while nothing fails.  Defaults to 30s.
	Interval time.Duration

	// BatchSize caps the events replayed per pass.  Defaults to 32.
	BatchSize int

	// RetryInitial and RetryMax bound the backoff after a failed pass.
	// Default 1s and 5m.
	RetryInitial time.Duration
	RetryMax     time.Duration

	// Retention is how long delivered entries are kept.  0 keeps them
	// forever.
	Retention time.Duration
}

// NewOutboxFlusher creates a flusher but does not start it.
func NewOutboxFlusher(events *EventService, s store.PendingEventStore, cfg FlusherConfig, logger *log.Logger) *OutboxFlusher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Second
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = 5 * time.Minute
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &OutboxFlusher{
		events: events,
		store:  s,
		cfg:    cfg,
		logger: logger,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start begins the background loop.  The first pass runs immediately.
// The loop exits when ctx is cancelled or Stop is called.
func (f *OutboxFlusher) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return
	}
	f.started = true

	if f.store == nil {
		f.logger.Printf("outbox flusher disabled (no pending store)")
		close(f.done)
		return
	}

	ctx, f.cancel = context.WithCancel(ctx)
	go f.loop(ctx)

	f.logger.Printf("outbox flusher started (interval=%s, batch=%d)", f.cfg.Interval, f.cfg.BatchSize)
}

// Stop signals the loop to exit and waits for it.  Safe to call more than
// once, and before Start.
func (f *OutboxFlusher) Stop() {
	f.mu.Lock()
	if !f.started {
		f.started = true
		close(f.done)
	}
	cancel := f.cancel
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-f.done
}

// Kick asks for a pass as soon as possible.  It never blocks; kicks that
// arrive while one is pending are merged.
func (f *OutboxFlusher) Kick() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

func (f *OutboxFlusher) loop(ctx context.Context) {
	defer close(f.done)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = f.cfg.RetryInitial
	retry.MaxInterval = f.cfg.RetryMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-f.kick:
			retry.Reset()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		wait := f.cfg.Interval
		if err := f.flushAll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, ErrNotReady) {
				wait = retry.NextBackOff()
				f.logger.Printf("outbox flush: %v (next attempt in %s)", err, wait.Round(time.Millisecond))
			}
		} else {
			retry.Reset()
		}
		f.prune(ctx)
		timer.Reset(wait)
	}
}

// flushAll runs batches until the queue is drained or a batch fails.
func (f *OutboxFlusher) flushAll(ctx context.Context) error {
	total := 0
	defer func() {
		if total > 0 {
			f.logger.Printf("outbox flush: delivered %d queued events", total)
		}
	}()

	for {
		n, err := f.events.Flush(ctx, f.cfg.BatchSize)
		total += n
		if err != nil {
			return err
		}
		if n < f.cfg.BatchSize {
			return nil
		}
	}
}

func (f *OutboxFlusher) prune(ctx context.Context) {
	if f.cfg.Retention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-f.cfg.Retention)
	deleted, err := f.store.PruneDelivered(ctx, cutoff)
	if err != nil {
		f.logger.Printf("outbox prune error: %v", err)
		return
	}
	if deleted > 0 {
		f.logger.Printf("outbox prune: deleted %d delivered events older than %s",
			deleted, cutoff.Format(time.RFC3339))
	}
}
