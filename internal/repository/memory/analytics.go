package memory

import (
	"context"
	"sort"

	"github.com/ignite/outreach-engine/internal/analytics"
	"github.com/ignite/outreach-engine/internal/domain"
)

// Watermark returns the last aggregated offset.
func (s *Store) Watermark(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark, nil
}

// ApplyBatch applies an aggregation batch atomically.
func (s *Store) ApplyBatch(_ context.Context, b *analytics.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, d := range b.Deltas {
		c := s.buckets[k]
		c.Add(d)
		s.buckets[k] = c
	}
	for id, st := range b.Stages {
		if cur, ok := s.stages[id]; !ok || st.Stage > cur.Stage {
			s.stages[id] = st
		}
	}
	for id, t := range b.WorkflowTypes {
		s.types[id] = t
	}
	if b.Watermark > s.watermark {
		s.watermark = b.Watermark
	}
	return nil
}

// Buckets returns matching buckets ordered by start.
func (s *Store) Buckets(_ context.Context, q analytics.BucketQuery) ([]domain.AggregateBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	workflowID := q.WorkflowID
	if workflowID == "" {
		workflowID = domain.AllWorkflows
	}
	var out []domain.AggregateBucket
	for k, c := range s.buckets {
		if q.PerWorkflow {
			if k.WorkflowID == domain.AllWorkflows {
				continue
			}
		} else if k.WorkflowID != workflowID {
			continue
		}
		if q.Channel != "" && k.Channel != q.Channel {
			continue
		}
		if k.Granularity != q.Granularity {
			continue
		}
		if (!q.Start.IsZero() && k.Start.Before(q.Start)) || (!q.End.IsZero() && !k.Start.Before(q.End)) {
			continue
		}
		out = append(out, domain.AggregateBucket{BucketKey: k, Counters: c})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].BucketKey, out[j].BucketKey
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.WorkflowID != b.WorkflowID {
			return a.WorkflowID < b.WorkflowID
		}
		return a.Channel < b.Channel
	})
	return out, nil
}

// StageHistogram counts enrollments by highest funnel stage.
func (s *Store) StageHistogram(_ context.Context, workflowID string) (map[domain.FunnelStage]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := workflowID == "" || workflowID == domain.AllWorkflows
	out := make(map[domain.FunnelStage]int64)
	for _, st := range s.stages {
		if all || st.WorkflowID == workflowID {
			out[st.Stage]++
		}
	}
	return out, nil
}

func (s *Store) StageHistograms(_ context.Context, workflowIDs []string) (map[string]map[domain.FunnelStage]int64, error) {
	want := make(map[string]bool, len(workflowIDs))
	for _, id := range workflowIDs {
		want[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[domain.FunnelStage]int64)
	for _, st := range s.stages {
		if !want[st.WorkflowID] {
			continue
		}
		if out[st.WorkflowID] == nil {
			out[st.WorkflowID] = make(map[domain.FunnelStage]int64)
		}
		out[st.WorkflowID][st.Stage]++
	}
	return out, nil
}

// WorkflowTypes returns the workflow types seen by the aggregator.
func (s *Store) WorkflowTypes(context.Context) (map[string]domain.WorkflowType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.WorkflowType, len(s.types))
	for k, v := range s.types {
		out[k] = v
	}
	return out, nil
}

// Reset drops all aggregates.
func (s *Store) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetAnalytics()
	return nil
}
