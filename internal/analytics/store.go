package analytics

import (
	"context"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
)

// Store persists aggregate buckets, per-enrollment funnel stages and the
// watermark.
type Store interface {
	Watermark(ctx context.Context) (int64, error)
	// ApplyBatch adds the deltas to their buckets, raises enrollment stages
	// and moves the watermark in one transaction, so a batch is either
	// counted once or not at all.
	ApplyBatch(ctx context.Context, b *Batch) error
	Buckets(ctx context.Context, q BucketQuery) ([]domain.AggregateBucket, error)
	// StageHistogram counts enrollments by highest stage reached. An empty
	// or "all" workflowID covers every workflow.
	StageHistogram(ctx context.Context, workflowID string) (map[domain.FunnelStage]int64, error)
	// StageHistograms is StageHistogram for several workflows in one read.
	// Workflows with no stages are absent from the result.
	StageHistograms(ctx context.Context, workflowIDs []string) (map[string]map[domain.FunnelStage]int64, error)
	// WorkflowTypes returns the type of every workflow seen in the ledger.
	WorkflowTypes(ctx context.Context) (map[string]domain.WorkflowType, error)
	// Reset drops all derived state and the watermark.
	Reset(ctx context.Context) error
}

// Batch is the folded result of a run of ledger events.
type Batch struct {
	Deltas        map[domain.BucketKey]domain.Counters
	Stages        map[string]StageUpdate
	WorkflowTypes map[string]domain.WorkflowType
	Watermark     int64
	Applied       int
	Skipped       int
}

// StageUpdate raises an enrollment's highest funnel stage.
type StageUpdate struct {
	WorkflowID string
	Stage      domain.FunnelStage
}

// BucketQuery selects buckets. Start is inclusive, End exclusive.
type BucketQuery struct {
	WorkflowID  string
	Channel     domain.Channel
	Granularity domain.Granularity
	Start       time.Time
	End         time.Time
	// PerWorkflow selects every per-workflow bucket instead of the rollup
	// or a single workflow.
	PerWorkflow bool
}

func newBatch() *Batch {
	return &Batch{
		Deltas:        make(map[domain.BucketKey]domain.Counters),
		Stages:        make(map[string]StageUpdate),
		WorkflowTypes: make(map[string]domain.WorkflowType),
	}
}

// Fold adds one event to the batch: every stored granularity, for the
// workflow and the "all" rollup, for the channel and the "all" rollup.
// Buckets come from occurred_at, so late events update historical buckets.
func (b *Batch) Fold(ev *domain.Event) {
	workflows := []string{ev.WorkflowID, domain.AllWorkflows}
	channels := []domain.Channel{domain.ChannelAll}
	if ev.Channel.Valid() {
		channels = append(channels, ev.Channel)
	}
	for _, g := range domain.StoredGranularities {
		start := g.Truncate(ev.OccurredAt)
		for _, wf := range workflows {
			for _, ch := range channels {
				key := domain.BucketKey{WorkflowID: wf, Channel: ch, Granularity: g, Start: start}
				c := b.Deltas[key]
				c.Apply(ev)
				b.Deltas[key] = c
			}
		}
	}
	if stage := domain.StageOf(ev.Type); stage != domain.StageNone {
		if cur, ok := b.Stages[ev.EnrollmentID]; !ok || stage > cur.Stage {
			b.Stages[ev.EnrollmentID] = StageUpdate{WorkflowID: ev.WorkflowID, Stage: stage}
		}
	}
	if ev.WorkflowType != "" {
		b.WorkflowTypes[ev.WorkflowID] = ev.WorkflowType
	}
	b.Applied++
}
