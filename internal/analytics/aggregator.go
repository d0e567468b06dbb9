// Package analytics folds the event ledger into time-bucketed counters and
// serves the outreach dashboard read model. Rates are derived on read.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/metrics"
	"github.com/ignite/outreach-engine/internal/pkg/distlock"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// ErrBusy is returned by Rebuild when another aggregator holds the lock.
var ErrBusy = errors.New("aggregator is running elsewhere")

// EventSource reads the ledger by offset. *ledger.Ledger implements it.
type EventSource interface {
	EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error)
}

// Aggregator consumes ledger events past the watermark and applies them to
// the store in batches. Only one aggregator runs at a time across
// processes, guarded by a distributed lock.
type Aggregator struct {
	source     EventSource
	store      Store
	lock       distlock.DistLock
	subscriber message.Subscriber
	topic      string
	batchSize  int
	interval   time.Duration
	metrics    *metrics.Outreach

	mu sync.Mutex
}

// NewAggregator creates an aggregator. A nil lock restricts exclusion to
// this process.
func NewAggregator(source EventSource, store Store, lock distlock.DistLock) *Aggregator {
	if lock == nil {
		lock = distlock.NewLocalLock()
	}
	return &Aggregator{
		source:    source,
		store:     store,
		lock:      lock,
		batchSize: 500,
		interval:  30 * time.Second,
	}
}

// SetSubscriber enables streaming mode: notifications on topic wake the
// aggregator between ticks.
func (a *Aggregator) SetSubscriber(sub message.Subscriber, topic string) {
	a.subscriber = sub
	a.topic = topic
}

// SetBatchSize sets how many events are folded per transaction.
func (a *Aggregator) SetBatchSize(n int) {
	if n > 0 {
		a.batchSize = n
	}
}

// SetInterval sets the catch-up tick.
func (a *Aggregator) SetInterval(d time.Duration) {
	if d > 0 {
		a.interval = d
	}
}

// SetMetrics attaches Prometheus collectors.
func (a *Aggregator) SetMetrics(mx *metrics.Outreach) { a.metrics = mx }

// CatchUp folds every event past the watermark. Malformed events are
// logged and skipped; the watermark still moves past them.
func (a *Aggregator) CatchUp(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	wm, err := a.store.Watermark(ctx)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	total := 0
	for {
		events, err := a.source.EventsAfter(ctx, wm, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("read ledger after %d: %w", wm, err)
		}
		if len(events) == 0 {
			return total, nil
		}

		b := newBatch()
		for i := range events {
			ev := &events[i]
			if ev.Seq > b.Watermark {
				b.Watermark = ev.Seq
			}
			if err := ev.Validate(); err != nil {
				logger.Warn("skipping malformed ledger event", "seq", ev.Seq, "error", err.Error())
				b.Skipped++
				continue
			}
			b.Fold(ev)
		}
		if err := a.store.ApplyBatch(ctx, b); err != nil {
			return total, fmt.Errorf("apply batch to %d: %w", b.Watermark, err)
		}
		wm = b.Watermark
		total += b.Applied
		a.metrics.Aggregated("applied", b.Applied)
		a.metrics.Aggregated("skipped", b.Skipped)
		a.metrics.SetWatermark(wm)

		if len(events) < a.batchSize {
			return total, nil
		}
	}
}

// RunOnce catches up if this process wins the lock.
func (a *Aggregator) RunOnce(ctx context.Context) (bool, int, error) {
	n := 0
	ran, err := distlock.TryRun(ctx, a.lock, func(ctx context.Context) error {
		var err error
		n, err = a.CatchUp(ctx)
		return err
	})
	return ran, n, err
}

// Rebuild drops all derived state and replays the ledger from offset 0.
// Given the same ledger it produces the same buckets as live aggregation.
func (a *Aggregator) Rebuild(ctx context.Context) (int, error) {
	n := 0
	ran, err := distlock.TryRun(ctx, a.lock, func(ctx context.Context) error {
		a.mu.Lock()
		err := a.store.Reset(ctx)
		a.mu.Unlock()
		if err != nil {
			return fmt.Errorf("reset aggregates: %w", err)
		}
		n, err = a.CatchUp(ctx)
		return err
	})
	if err != nil {
		return n, err
	}
	if !ran {
		return 0, ErrBusy
	}
	logger.Info("analytics rebuilt", "events", n)
	return n, nil
}

// Run aggregates until ctx is done: on every tick and, in streaming mode,
// whenever a ledger notification arrives.
func (a *Aggregator) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	if a.subscriber != nil {
		msgs, err := a.subscriber.Subscribe(ctx, a.topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", a.topic, err)
		}
		go func() {
			for msg := range msgs {
				msg.Ack()
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}()
	}

	log.Printf("[Aggregator] Running (interval=%s batch=%d streaming=%v)", a.interval, a.batchSize, a.subscriber != nil)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("[Aggregator] Stopped")
			return nil
		case <-ticker.C:
			a.tick(ctx)
		case <-wake:
			a.tick(ctx)
		}
	}
}

func (a *Aggregator) tick(ctx context.Context) {
	if _, _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[Aggregator] Catch-up failed: %v", err)
	}
}
