package outreach

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/metrics"
)

// SchedulerConfig tunes the claim loop.
type SchedulerConfig struct {
	// WorkerID prefixes the lease owner of each worker goroutine.
	WorkerID     string
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	Lease        time.Duration
	// ShutdownWait bounds how long Stop waits for in-flight dispatches.
	ShutdownWait time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = fmt.Sprintf("outreach-%s", uuid.New().String()[:8])
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 60 * time.Second
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = 30 * time.Second
	}
}

// Scheduler polls for due tasks and hands each claimed task to the
// dispatcher. Several schedulers, in one process or many, can share a
// store: the atomic claim decides which one gets a task.
type Scheduler struct {
	cfg        SchedulerConfig
	tasks      TaskStore
	dispatcher *Dispatcher
	metrics    *metrics.Outreach
	now        func() time.Time

	claimed    int64
	dispatched int64
	errors     int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig, tasks TaskStore, dispatcher *Dispatcher) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:        cfg,
		tasks:      tasks,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// SetMetrics attaches Prometheus collectors.
func (s *Scheduler) SetMetrics(mx *metrics.Outreach) { s.metrics = mx }

// SetClock overrides the time source used for claims (tests).
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// WorkerID returns the lease owner prefix of this scheduler.
func (s *Scheduler) WorkerID() string { return s.cfg.WorkerID }

// Start launches the worker goroutines.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	log.Printf("[Scheduler] Starting %d workers (worker_id=%s batch_size=%d lease=%s)",
		s.cfg.Workers, s.cfg.WorkerID, s.cfg.BatchSize, s.cfg.Lease)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop stops claiming and waits up to ShutdownWait for in-flight dispatches.
// Tasks still leased when the wait runs out are reclaimed after their lease
// expires.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	log.Println("[Scheduler] Stopping workers...")
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownWait):
		log.Printf("[Scheduler] Shutdown wait of %s elapsed with dispatches in flight", s.cfg.ShutdownWait)
	}

	log.Printf("[Scheduler] Stopped. claimed=%d dispatched=%d errors=%d",
		atomic.LoadInt64(&s.claimed), atomic.LoadInt64(&s.dispatched), atomic.LoadInt64(&s.errors))
}

// Stats returns counters for the health endpoint.
func (s *Scheduler) Stats() map[string]int64 {
	return map[string]int64{
		"claimed":    atomic.LoadInt64(&s.claimed),
		"dispatched": atomic.LoadInt64(&s.dispatched),
		"errors":     atomic.LoadInt64(&s.errors),
	}
}

func (s *Scheduler) worker(n int) {
	defer s.wg.Done()
	workerID := fmt.Sprintf("%s-%d", s.cfg.WorkerID, n)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		processed, err := s.runOnce(s.ctx, workerID)
		if err != nil && s.ctx.Err() == nil {
			log.Printf("[Scheduler %d] Error claiming tasks: %v", n, err)
		}
		if processed > 0 && err == nil {
			continue
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// RunOnce claims one batch as this scheduler's first worker and dispatches
// it synchronously. It returns the number of tasks claimed.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	return s.runOnce(ctx, s.cfg.WorkerID+"-0")
}

func (s *Scheduler) runOnce(ctx context.Context, workerID string) (int, error) {
	now := s.now().UTC()
	claimCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	tasks, err := s.tasks.ClaimDueTasks(claimCtx, Claim{
		WorkerID: workerID,
		Now:      now,
		Lease:    s.cfg.Lease,
		Limit:    s.cfg.BatchSize,
	})
	cancel()
	if err != nil {
		return 0, err
	}
	atomic.AddInt64(&s.claimed, int64(len(tasks)))
	s.metrics.TasksClaimed(len(tasks))

	for _, t := range tasks {
		if ctx.Err() != nil {
			// Remaining leases expire and are reclaimed.
			break
		}
		leaseExpires := now.Add(s.cfg.Lease)
		if t.LeaseExpiresAt != nil {
			leaseExpires = *t.LeaseExpiresAt
		}
		if err := s.dispatcher.Dispatch(ctx, t, workerID, leaseExpires); err != nil {
			atomic.AddInt64(&s.errors, 1)
			log.Printf("[Scheduler] Error dispatching task %s (enrollment %s step %d): %v",
				t.ID, t.EnrollmentID, t.StepIndex, err)
			continue
		}
		atomic.AddInt64(&s.dispatched, 1)
	}
	return len(tasks), nil
}
