package domain

import "time"

// AllWorkflows is the rollup key used by aggregate buckets.
const AllWorkflows = "all"

// Granularity is the width of an aggregate time bucket.
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

// StoredGranularities are the bucket widths the aggregator maintains.
// Weeks are grouped from day buckets on read.
var StoredGranularities = []Granularity{GranularityHour, GranularityDay, GranularityMonth}

// Truncate returns the UTC start of the bucket containing t.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case GranularityHour:
		return t.Truncate(time.Hour)
	case GranularityWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // weeks start Monday
		return day.AddDate(0, 0, -offset)
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Next returns the start of the bucket after start.
func (g Granularity) Next(start time.Time) time.Time {
	switch g {
	case GranularityHour:
		return start.Add(time.Hour)
	case GranularityWeek:
		return start.AddDate(0, 0, 7)
	case GranularityMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// Counters holds the raw event counts of a bucket.
type Counters struct {
	Enrolled     int64 `json:"enrolled" db:"enrolled"`
	Sent         int64 `json:"sent" db:"sent"`
	Delivered    int64 `json:"delivered" db:"delivered"`
	Opened       int64 `json:"opened" db:"opened"`
	Clicked      int64 `json:"clicked" db:"clicked"`
	Converted    int64 `json:"converted" db:"converted"`
	Responded    int64 `json:"responded" db:"responded"`
	Bounced      int64 `json:"bounced" db:"bounced"`
	Unsubscribed int64 `json:"unsubscribed" db:"unsubscribed"`
	Failed       int64 `json:"failed" db:"failed"`
	Automated    int64 `json:"automated" db:"automated"`
	AIGenerated  int64 `json:"ai_generated" db:"ai_generated"`
}

// Apply increments the counter for ev. Sent events also feed the automated
// and ai_generated dimensions, which are independent of each other.
func (c *Counters) Apply(ev *Event) {
	switch ev.Type {
	case EventEnrolled:
		c.Enrolled++
	case EventSent:
		c.Sent++
		if ev.Automated {
			c.Automated++
		}
		if ev.AIGenerated {
			c.AIGenerated++
		}
	case EventDelivered:
		c.Delivered++
	case EventOpened:
		c.Opened++
	case EventClicked:
		c.Clicked++
	case EventConverted:
		c.Converted++
	case EventResponded:
		c.Responded++
	case EventBounced:
		c.Bounced++
	case EventUnsubscribed:
		c.Unsubscribed++
	case EventFailed:
		c.Failed++
	}
}

// Add sums other into c.
func (c *Counters) Add(other Counters) {
	c.Enrolled += other.Enrolled
	c.Sent += other.Sent
	c.Delivered += other.Delivered
	c.Opened += other.Opened
	c.Clicked += other.Clicked
	c.Converted += other.Converted
	c.Responded += other.Responded
	c.Bounced += other.Bounced
	c.Unsubscribed += other.Unsubscribed
	c.Failed += other.Failed
	c.Automated += other.Automated
	c.AIGenerated += other.AIGenerated
}

// Rates are derived from counters on read and never stored.
type Rates struct {
	DeliveryRate    float64 `json:"delivery_rate"`
	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
	ConversionRate  float64 `json:"conversion_rate"`
	ResponseRate    float64 `json:"response_rate"`
	BounceRate      float64 `json:"bounce_rate"`
	UnsubscribeRate float64 `json:"unsubscribe_rate"`
}

// Rates derives rate metrics from c. Engagement rates use delivered as the
// denominator; delivery and bounce rates use sent.
func (c Counters) Rates() Rates {
	return Rates{
		DeliveryRate:    ratio(c.Delivered, c.Sent),
		OpenRate:        ratio(c.Opened, c.Delivered),
		ClickRate:       ratio(c.Clicked, c.Delivered),
		ConversionRate:  ratio(c.Converted, c.Delivered),
		ResponseRate:    ratio(c.Responded, c.Delivered),
		BounceRate:      ratio(c.Bounced, c.Sent),
		UnsubscribeRate: ratio(c.Unsubscribed, c.Delivered),
	}
}

func ratio(n, d int64) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// BucketKey identifies an aggregate bucket.
type BucketKey struct {
	WorkflowID  string      `json:"workflow_id" db:"workflow_id"`
	Channel     Channel     `json:"channel" db:"channel"`
	Granularity Granularity `json:"granularity" db:"granularity"`
	Start       time.Time   `json:"bucket_start" db:"bucket_start"`
}

// AggregateBucket holds the counters for one key. Buckets are derived from
// the ledger and safe to rebuild.
type AggregateBucket struct {
	BucketKey
	Counters
}

// FunnelStage is the ordered pipeline position an enrollment has reached.
type FunnelStage int

const (
	StageNone FunnelStage = iota
	StageSent
	StageDelivered
	StageOpened
	StageClicked
	StageConverted
)

// StageOf maps an event type to its funnel stage, StageNone if it is not
// part of the funnel.
func StageOf(t EventType) FunnelStage {
	switch t {
	case EventSent:
		return StageSent
	case EventDelivered:
		return StageDelivered
	case EventOpened:
		return StageOpened
	case EventClicked:
		return StageClicked
	case EventConverted:
		return StageConverted
	}
	return StageNone
}

// Funnel counts enrollments that reached at least each stage.
type Funnel struct {
	WorkflowID string `json:"workflow_id"`
	Sent       int64  `json:"sent"`
	Delivered  int64  `json:"delivered"`
	Opened     int64  `json:"opened"`
	Clicked    int64  `json:"clicked"`
	Converted  int64  `json:"converted"`
}

// FunnelFromStages builds a funnel from a histogram of highest stage per
// enrollment. Cumulative sums make the stages non-increasing.
func FunnelFromStages(workflowID string, histogram map[FunnelStage]int64) Funnel {
	f := Funnel{WorkflowID: workflowID}
	var running int64
	for stage := StageConverted; stage >= StageSent; stage-- {
		running += histogram[stage]
		switch stage {
		case StageConverted:
			f.Converted = running
		case StageClicked:
			f.Clicked = running
		case StageOpened:
			f.Opened = running
		case StageDelivered:
			f.Delivered = running
		case StageSent:
			f.Sent = running
		}
	}
	return f
}

// SeriesPoint is one period of a trend chart.
type SeriesPoint struct {
	Period string    `json:"period"`
	Start  time.Time `json:"start"`
	Counters
	Rates Rates `json:"rates"`
}

// ChannelBreakdown is the per-channel totals row.
type ChannelBreakdown struct {
	Channel Channel `json:"channel"`
	Counters
	Rates Rates `json:"rates"`
}

// CampaignTypePerformance is one row of the campaign-type table.
type CampaignTypePerformance struct {
	Type      WorkflowType `json:"type"`
	Workflows int          `json:"workflows"`
	Counters
	Rates Rates `json:"rates"`
}

// OutreachReport is the analytics payload served to the dashboard.
type OutreachReport struct {
	From          time.Time                 `json:"from"`
	To            time.Time                 `json:"to"`
	Granularity   Granularity               `json:"granularity"`
	WorkflowID    string                    `json:"workflow_id"`
	Totals        Counters                  `json:"totals"`
	Rates         Rates                     `json:"rates"`
	Series        []SeriesPoint             `json:"series"`
	Channels      []ChannelBreakdown        `json:"channels"`
	Funnel        Funnel                    `json:"funnel"`
	CampaignTypes []CampaignTypePerformance `json:"campaign_types"`
	Watermark     int64                     `json:"watermark"`
}
