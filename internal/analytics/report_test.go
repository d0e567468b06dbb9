package analytics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/outreach-engine/internal/analytics"
	"github.com/ignite/outreach-engine/internal/domain"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		expr  string
		g     domain.Granularity
		start time.Time
		end   time.Time
		want  domain.Granularity
	}{
		{"30d", "", date(2026, 2, 14), date(2026, 3, 16), domain.GranularityDay},
		{"", "", date(2026, 2, 14), date(2026, 3, 16), domain.GranularityDay},
		{"12w", "", date(2025, 12, 22), date(2026, 3, 16), domain.GranularityWeek},
		{"12W", domain.GranularityDay, date(2025, 12, 22), date(2026, 3, 16), domain.GranularityDay},
		{"6m", "", date(2025, 10, 1), date(2026, 4, 1), domain.GranularityMonth},
		{"6m", domain.GranularityWeek, date(2025, 9, 29), date(2026, 4, 6), domain.GranularityWeek},
		{"1d", "", date(2026, 3, 15), date(2026, 3, 16), domain.GranularityDay},
	}
	for _, tt := range tests {
		t.Run(tt.expr+"/"+string(tt.g), func(t *testing.T) {
			w, err := analytics.ParseRange(tt.expr, tt.g, now)
			require.NoError(t, err)
			assert.Equal(t, tt.start, w.Start)
			assert.Equal(t, tt.end, w.End)
			assert.Equal(t, tt.want, w.Granularity)
		})
	}
}

func TestParseRange_Invalid(t *testing.T) {
	for _, expr := range []string{"0d", "400d", "105w", "37m", "5y", "d", "xd", "-3d"} {
		_, err := analytics.ParseRange(expr, "", now)
		assert.ErrorIs(t, err, analytics.ErrInvalidQuery, expr)
	}
	_, err := analytics.ParseRange("30d", domain.GranularityHour, now)
	assert.ErrorIs(t, err, analytics.ErrInvalidQuery)
}

// =============================================================================
// REPORT
// =============================================================================

func seedReport(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	yesterday := now.AddDate(0, 0, -1)
	birthday := func(ev *domain.Event) { ev.WorkflowType = domain.WorkflowBirthday }
	untyped := func(ev *domain.Event) { ev.WorkflowType = "" }

	f.event(t, domain.EventEnrolled, "wf-1", "e1", "", yesterday)
	f.event(t, domain.EventSent, "wf-1", "e1", domain.ChannelEmail, yesterday, automated)
	f.event(t, domain.EventDelivered, "wf-1", "e1", domain.ChannelEmail, yesterday)
	f.event(t, domain.EventOpened, "wf-1", "e1", domain.ChannelEmail, yesterday)
	f.event(t, domain.EventClicked, "wf-1", "e1", domain.ChannelEmail, yesterday)

	f.event(t, domain.EventEnrolled, "wf-1", "e2", "", now)
	f.event(t, domain.EventSent, "wf-1", "e2", domain.ChannelSMS, now, aiGenerated)
	f.event(t, domain.EventDelivered, "wf-1", "e2", domain.ChannelSMS, now)

	f.event(t, domain.EventEnrolled, "wf-2", "e3", "", now, birthday)
	f.event(t, domain.EventSent, "wf-2", "e3", domain.ChannelVoice, now, birthday)
	f.event(t, domain.EventBounced, "wf-2", "e3", domain.ChannelVoice, now, birthday)

	f.event(t, domain.EventSent, "wf-3", "e4", domain.ChannelEmail, now, untyped)

	// Outside the 30 day window.
	f.event(t, domain.EventSent, "wf-1", "e5", domain.ChannelEmail, now.AddDate(0, 0, -60))

	_, err := f.agg.CatchUp(context.Background())
	require.NoError(t, err)
	return f
}

func TestReport_AllWorkflows(t *testing.T) {
	f := seedReport(t)
	report, err := f.reader.Report(context.Background(), analytics.ReportQuery{Range: "30d"})
	require.NoError(t, err)

	assert.Equal(t, domain.AllWorkflows, report.WorkflowID)
	assert.Equal(t, date(2026, 2, 14), report.From)
	assert.Equal(t, date(2026, 3, 16), report.To)

	require.Len(t, report.Series, 30, "periods without events are zero-filled")
	last := report.Series[29]
	assert.Equal(t, "2026-03-15", last.Period)
	assert.Equal(t, int64(3), last.Sent)
	assert.Equal(t, int64(1), report.Series[28].Sent)
	assert.Zero(t, report.Series[0].Sent)

	assert.Equal(t, domain.Counters{
		Enrolled: 3, Sent: 4, Delivered: 2, Opened: 1, Clicked: 1, Bounced: 1, Automated: 1, AIGenerated: 1,
	}, report.Totals)
	assert.InDelta(t, 0.5, report.Rates.DeliveryRate, 1e-9)
	assert.InDelta(t, 0.5, report.Rates.OpenRate, 1e-9)
	assert.InDelta(t, 0.25, report.Rates.BounceRate, 1e-9)

	require.Len(t, report.Channels, 3)
	assert.Equal(t, domain.ChannelEmail, report.Channels[0].Channel)
	assert.Equal(t, int64(2), report.Channels[0].Sent)
	assert.Equal(t, int64(1), report.Channels[1].Sent)
	assert.Equal(t, int64(1), report.Channels[2].Bounced)

	// The funnel is lifetime: e5 counts even though it is outside the range.
	assert.Equal(t, domain.Funnel{WorkflowID: domain.AllWorkflows, Sent: 5, Delivered: 2, Opened: 1, Clicked: 1}, report.Funnel)

	require.Len(t, report.CampaignTypes, 3)
	assert.Equal(t, domain.WorkflowRecall, report.CampaignTypes[0].Type)
	assert.Equal(t, 1, report.CampaignTypes[0].Workflows)
	assert.Equal(t, int64(2), report.CampaignTypes[0].Sent)
	assert.Equal(t, domain.WorkflowBirthday, report.CampaignTypes[1].Type)
	assert.Equal(t, domain.WorkflowCustom, report.CampaignTypes[2].Type, "untyped workflows fall back to custom")

	lastSeq, err := f.ledger.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lastSeq, report.Watermark)
}

func TestReport_SingleWorkflow(t *testing.T) {
	f := seedReport(t)
	report, err := f.reader.Report(context.Background(), analytics.ReportQuery{Range: "30d", WorkflowID: "wf-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(2), report.Totals.Sent)
	assert.Equal(t, int64(2), report.Totals.Enrolled)
	assert.Nil(t, report.CampaignTypes)
	assert.Equal(t, domain.Funnel{WorkflowID: "wf-1", Sent: 3, Delivered: 2, Opened: 1, Clicked: 1}, report.Funnel)
	assert.GreaterOrEqual(t, report.Funnel.Sent, report.Funnel.Delivered)
}

func TestReport_WeeksGroupDayBuckets(t *testing.T) {
	f := seedReport(t)
	report, err := f.reader.Report(context.Background(), analytics.ReportQuery{Range: "12w"})
	require.NoError(t, err)

	require.Len(t, report.Series, 12)
	last := report.Series[11]
	assert.Equal(t, date(2026, 3, 9), last.Start)
	assert.Equal(t, int64(4), last.Sent)
	assert.Equal(t, int64(5), report.Totals.Sent, "the 60 day old send is inside 12 weeks")
}

func TestReport_Months(t *testing.T) {
	f := seedReport(t)
	report, err := f.reader.Report(context.Background(), analytics.ReportQuery{Range: "6m"})
	require.NoError(t, err)

	require.Len(t, report.Series, 6)
	assert.Equal(t, "2026-03", report.Series[5].Period)
	assert.Equal(t, int64(4), report.Series[5].Sent)
	assert.Equal(t, "2026-01", report.Series[3].Period)
	assert.Equal(t, int64(1), report.Series[3].Sent)
}

func TestReport_Empty(t *testing.T) {
	f := newFixture(t)
	report, err := f.reader.Report(context.Background(), analytics.ReportQuery{})
	require.NoError(t, err)

	assert.Len(t, report.Series, 30)
	assert.Equal(t, domain.Counters{}, report.Totals)
	assert.Equal(t, domain.Funnel{WorkflowID: domain.AllWorkflows}, report.Funnel)
	assert.Empty(t, report.CampaignTypes)
	assert.Zero(t, report.Watermark)
}

func TestReport_InvalidRange(t *testing.T) {
	f := newFixture(t)
	_, err := f.reader.Report(context.Background(), analytics.ReportQuery{Range: "abc"})
	assert.ErrorIs(t, err, analytics.ErrInvalidQuery)
}
