package memory

import (
	"context"
	"sort"

	"github.com/ignite/outreach-engine/internal/domain"
)

// AppendEvents assigns offsets and stores events, skipping known IDs.
func (s *Store) AppendEvents(_ context.Context, events ...*domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.appendLocked(ev)
	}
	return nil
}

func (s *Store) appendLocked(ev *domain.Event) {
	if _, dup := s.eventIDs[ev.ID]; dup {
		return
	}
	s.seq++
	ev.Seq = s.seq
	s.eventIDs[ev.ID] = struct{}{}
	s.events = append(s.events, *ev)
}

// EventsAfter returns up to limit events after the offset.
func (s *Store) EventsAfter(_ context.Context, after int64, limit int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].Seq > after })
	end := len(s.events)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	return append([]domain.Event(nil), s.events[i:end]...), nil
}

// LastSeq returns the highest assigned offset.
func (s *Store) LastSeq(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, nil
}
