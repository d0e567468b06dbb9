package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
)

// ErrInvalidQuery marks unparseable report parameters.
var ErrInvalidQuery = errors.New("invalid analytics query")

// ReportQuery are the dashboard query parameters.
type ReportQuery struct {
	// Range is "<n>d", "<n>w" or "<n>m", e.g. 30d, 12w, 6m.
	Range string
	// Granularity defaults to the range's unit.
	Granularity domain.Granularity
	// WorkflowID "" or "all" reports across every workflow.
	WorkflowID string
}

// Reader builds outreach reports from aggregate buckets.
type Reader struct {
	store Store
	now   func() time.Time
}

// NewReader creates a report reader.
func NewReader(store Store) *Reader {
	return &Reader{store: store, now: time.Now}
}

// SetClock overrides the time source (tests).
func (r *Reader) SetClock(now func() time.Time) { r.now = now }

// Window is a resolved report range: whole periods of Granularity from
// Start up to, not including, End.
type Window struct {
	Start       time.Time
	End         time.Time
	Granularity domain.Granularity
}

// ParseRange resolves a range expression relative to now. The window ends
// with the period containing now.
func ParseRange(expr string, g domain.Granularity, now time.Time) (Window, error) {
	expr = strings.TrimSpace(strings.ToLower(expr))
	if expr == "" {
		expr = "30d"
	}
	if len(expr) < 2 {
		return Window{}, fmt.Errorf("%w: range %q", ErrInvalidQuery, expr)
	}
	n, err := strconv.Atoi(expr[:len(expr)-1])
	if err != nil || n <= 0 {
		return Window{}, fmt.Errorf("%w: range %q", ErrInvalidQuery, expr)
	}

	var unit domain.Granularity
	var max int
	switch expr[len(expr)-1] {
	case 'd':
		unit, max = domain.GranularityDay, 366
	case 'w':
		unit, max = domain.GranularityWeek, 104
	case 'm':
		unit, max = domain.GranularityMonth, 36
	default:
		return Window{}, fmt.Errorf("%w: range unit in %q", ErrInvalidQuery, expr)
	}
	if n > max {
		return Window{}, fmt.Errorf("%w: range %q exceeds %d", ErrInvalidQuery, expr, max)
	}

	if g == "" {
		g = unit
	}
	switch g {
	case domain.GranularityDay, domain.GranularityWeek, domain.GranularityMonth:
	default:
		return Window{}, fmt.Errorf("%w: granularity %q", ErrInvalidQuery, g)
	}

	end := unit.Next(unit.Truncate(now))
	start := unit.Truncate(now)
	for i := 1; i < n; i++ {
		start = back(unit, start)
	}
	// Align to the reporting granularity so every period is whole.
	return Window{Start: g.Truncate(start), End: g.Next(g.Truncate(end.Add(-time.Nanosecond))), Granularity: g}, nil
}

func back(g domain.Granularity, start time.Time) time.Time {
	switch g {
	case domain.GranularityWeek:
		return start.AddDate(0, 0, -7)
	case domain.GranularityMonth:
		return start.AddDate(0, -1, 0)
	default:
		return start.AddDate(0, 0, -1)
	}
}

// storedFor returns the bucket width read for a reporting granularity.
func storedFor(g domain.Granularity) domain.Granularity {
	if g == domain.GranularityWeek {
		return domain.GranularityDay
	}
	return g
}

func periodLabel(g domain.Granularity, start time.Time) string {
	switch g {
	case domain.GranularityMonth:
		return start.Format("2006-01")
	case domain.GranularityHour:
		return start.Format("2006-01-02T15:00")
	}
	return start.Format("2006-01-02")
}

// Report builds the dashboard payload.
func (r *Reader) Report(ctx context.Context, q ReportQuery) (*domain.OutreachReport, error) {
	w, err := ParseRange(q.Range, q.Granularity, r.now().UTC())
	if err != nil {
		return nil, err
	}
	workflowID := q.WorkflowID
	if workflowID == "" {
		workflowID = domain.AllWorkflows
	}
	stored := storedFor(w.Granularity)

	report := &domain.OutreachReport{
		From:        w.Start,
		To:          w.End,
		Granularity: w.Granularity,
		WorkflowID:  workflowID,
	}

	buckets, err := r.store.Buckets(ctx, BucketQuery{
		WorkflowID:  workflowID,
		Granularity: stored,
		Start:       w.Start,
		End:         w.End,
	})
	if err != nil {
		return nil, fmt.Errorf("load buckets: %w", err)
	}

	totals := make(map[domain.Channel]domain.Counters)
	byPeriod := make(map[time.Time]domain.Counters)
	for _, b := range buckets {
		c := totals[b.Channel]
		c.Add(b.Counters)
		totals[b.Channel] = c
		if b.Channel == domain.ChannelAll {
			start := w.Granularity.Truncate(b.Start)
			p := byPeriod[start]
			p.Add(b.Counters)
			byPeriod[start] = p
		}
	}

	for start := w.Start; start.Before(w.End); start = w.Granularity.Next(start) {
		c := byPeriod[start]
		report.Series = append(report.Series, domain.SeriesPoint{
			Period:   periodLabel(w.Granularity, start),
			Start:    start,
			Counters: c,
			Rates:    c.Rates(),
		})
	}

	report.Totals = totals[domain.ChannelAll]
	report.Rates = report.Totals.Rates()
	for _, ch := range domain.Channels {
		c := totals[ch]
		report.Channels = append(report.Channels, domain.ChannelBreakdown{Channel: ch, Counters: c, Rates: c.Rates()})
	}

	hist, err := r.store.StageHistogram(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load funnel: %w", err)
	}
	report.Funnel = domain.FunnelFromStages(workflowID, hist)

	if workflowID == domain.AllWorkflows {
		if report.CampaignTypes, err = r.campaignTypes(ctx, stored, w); err != nil {
			return nil, err
		}
	}

	if report.Watermark, err = r.store.Watermark(ctx); err != nil {
		return nil, fmt.Errorf("read watermark: %w", err)
	}
	return report, nil
}

func (r *Reader) campaignTypes(ctx context.Context, stored domain.Granularity, w Window) ([]domain.CampaignTypePerformance, error) {
	buckets, err := r.store.Buckets(ctx, BucketQuery{
		PerWorkflow: true,
		Channel:     domain.ChannelAll,
		Granularity: stored,
		Start:       w.Start,
		End:         w.End,
	})
	if err != nil {
		return nil, fmt.Errorf("load workflow buckets: %w", err)
	}
	types, err := r.store.WorkflowTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load workflow types: %w", err)
	}

	counters := make(map[domain.WorkflowType]domain.Counters)
	workflows := make(map[domain.WorkflowType]map[string]struct{})
	for _, b := range buckets {
		t, ok := types[b.WorkflowID]
		if !ok {
			t = domain.WorkflowCustom
		}
		c := counters[t]
		c.Add(b.Counters)
		counters[t] = c
		if workflows[t] == nil {
			workflows[t] = make(map[string]struct{})
		}
		workflows[t][b.WorkflowID] = struct{}{}
	}

	var out []domain.CampaignTypePerformance
	for _, t := range domain.WorkflowTypes {
		c, ok := counters[t]
		if !ok {
			continue
		}
		out = append(out, domain.CampaignTypePerformance{
			Type:      t,
			Workflows: len(workflows[t]),
			Counters:  c,
			Rates:     c.Rates(),
		})
	}
	return out, nil
}
