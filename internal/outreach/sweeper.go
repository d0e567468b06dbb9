package outreach

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the time_since_event sweep on a cron schedule.
type Sweeper struct {
	triggers *Triggers
	spec     string
	timeout  time.Duration
	cron     *cron.Cron
}

// NewSweeper validates spec (standard cron or a @every/@daily descriptor).
func NewSweeper(triggers *Triggers, spec string) (*Sweeper, error) {
	if spec == "" {
		spec = "@every 1h"
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return &Sweeper{triggers: triggers, spec: spec, timeout: 10 * time.Minute}, nil
}

// Start schedules the sweep. Overlapping runs are skipped.
func (s *Sweeper) Start() error {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	if _, err := s.cron.AddFunc(s.spec, s.run); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	log.Printf("[Sweeper] Scheduled trigger sweep %q", s.spec)
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	n, err := s.triggers.Sweep(ctx)
	if err != nil {
		log.Printf("[Sweeper] Sweep failed after %d enrollments: %v", n, err)
		return
	}
	log.Printf("[Sweeper] Sweep complete: %d enrollments", n)
}
