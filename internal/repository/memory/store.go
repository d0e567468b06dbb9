// Package memory implements every repository in process memory. It backs
// the development mode of the binaries and the engine's scenario tests.
// All methods are safe for concurrent use; a single mutex makes each
// operation atomic, including the task claim.
package memory

import (
	"sync"

	"github.com/ignite/outreach-engine/internal/analytics"
	"github.com/ignite/outreach-engine/internal/domain"
)

// Store holds all engine state.
type Store struct {
	mu sync.Mutex

	current  map[string]int
	versions map[string]map[int]*domain.WorkflowDefinition
	created  []string

	enrollments map[string]*domain.Enrollment
	enrollOrder []string
	tasks       map[string]*domain.ScheduledTask
	attempts    []domain.DispatchAttempt

	events   []domain.Event
	eventIDs map[string]struct{}
	seq      int64

	buckets   map[domain.BucketKey]domain.Counters
	stages    map[string]analytics.StageUpdate
	types     map[string]domain.WorkflowType
	watermark int64
}

// New creates an empty store.
func New() *Store {
	s := &Store{
		current:     make(map[string]int),
		versions:    make(map[string]map[int]*domain.WorkflowDefinition),
		enrollments: make(map[string]*domain.Enrollment),
		tasks:       make(map[string]*domain.ScheduledTask),
		eventIDs:    make(map[string]struct{}),
	}
	s.resetAnalytics()
	return s
}

func (s *Store) resetAnalytics() {
	s.buckets = make(map[domain.BucketKey]domain.Counters)
	s.stages = make(map[string]analytics.StageUpdate)
	s.types = make(map[string]domain.WorkflowType)
	s.watermark = 0
}
