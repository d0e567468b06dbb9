package outreach_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/outreach"
)

// =============================================================================
// TRIGGER EVALUATION
// =============================================================================

func noShowTrigger() domain.Trigger {
	return domain.Trigger{
		Kind:        domain.TriggerEventMatch,
		EventType:   "no_show_recorded",
		FieldEquals: map[string]string{"location": "north"},
	}
}

func TestHandleContactEvent_EnrollsMatchingWorkflows(t *testing.T) {
	h := newHarness(t)
	w := h.activeWorkflow(t, noShowTrigger())
	manual := h.activeWorkflow(t, domain.Trigger{})

	ev := domain.ContactEvent{
		ID: "ev-1", ContactID: "c1", Type: "no_show_recorded",
		Fields: map[string]string{"location": "north"}, OccurredAt: epoch,
	}
	n, err := h.triggers.HandleContactEvent(h.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := h.store.LatestEnrollment(h.ctx, w.ID, "c1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, domain.SourceTrigger, e.Source)
	assert.True(t, e.Automated())

	none, err := h.store.LatestEnrollment(h.ctx, manual.ID, "c1")
	require.NoError(t, err)
	assert.Nil(t, none)

	n, err = h.triggers.HandleContactEvent(h.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "redelivered event is a no-op")
}

func TestHandleContactEvent_FieldMismatch(t *testing.T) {
	h := newHarness(t)
	h.activeWorkflow(t, noShowTrigger())

	n, err := h.triggers.HandleContactEvent(h.ctx, domain.ContactEvent{
		ContactID: "c1", Type: "no_show_recorded",
		Fields: map[string]string{"location": "south"}, OccurredAt: epoch,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = h.triggers.HandleContactEvent(h.ctx, domain.ContactEvent{Type: "no_show_recorded"})
	assert.Error(t, err)
}

func TestHandleContactEvent_ReenrollsOnlyForNewerEvents(t *testing.T) {
	h := newHarness(t)
	w := h.activeWorkflow(t, noShowTrigger())
	ev := domain.ContactEvent{
		ContactID: "c1", Type: "no_show_recorded",
		Fields: map[string]string{"location": "north"}, OccurredAt: epoch,
	}
	_, err := h.triggers.HandleContactEvent(h.ctx, ev)
	require.NoError(t, err)
	first, err := h.store.LatestEnrollment(h.ctx, w.ID, "c1")
	require.NoError(t, err)
	_, err = h.machine.StopWorkflow(h.ctx, w.ID)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	n, err := h.triggers.HandleContactEvent(h.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "event already acted on")

	ev.OccurredAt = h.clock.Now()
	n, err = h.triggers.HandleContactEvent(h.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	latest, err := h.store.LatestEnrollment(h.ctx, w.ID, "c1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, latest.ID)
}

func TestActivation_BackfillsRecentEvents(t *testing.T) {
	h := newHarness(t)
	h.directory.RecordEvent(domain.ContactEvent{
		ContactID: "recent", Type: "no_show_recorded",
		Fields: map[string]string{"location": "north"}, OccurredAt: epoch.Add(-2 * time.Hour),
	})
	h.directory.RecordEvent(domain.ContactEvent{
		ContactID: "stale", Type: "no_show_recorded",
		Fields: map[string]string{"location": "north"}, OccurredAt: epoch.Add(-3 * day),
	})

	w := h.activeWorkflow(t, noShowTrigger())

	list, total, err := h.store.ListEnrollments(h.ctx, outreach.EnrollmentFilter{WorkflowID: w.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "recent", list[0].ContactID)
}

func TestSweep_TimeSinceEvent(t *testing.T) {
	h := newHarness(t)
	h.directory.RecordEvent(domain.ContactEvent{ContactID: "due", Type: "visit_completed", OccurredAt: epoch.Add(-200 * day)})
	h.directory.RecordEvent(domain.ContactEvent{ContactID: "recent", Type: "visit_completed", OccurredAt: epoch.Add(-30 * day)})

	w := h.activeWorkflow(t, domain.Trigger{
		Kind: domain.TriggerTimeSinceEvent, EventType: "visit_completed",
		ThresholdSeconds: int64(180 * day / time.Second),
	})

	_, total, err := h.store.ListEnrollments(h.ctx, outreach.EnrollmentFilter{WorkflowID: w.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "activation sweeps immediately")

	n, err := h.triggers.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "contact already in progress")

	_, err = h.machine.StopWorkflow(h.ctx, w.ID)
	require.NoError(t, err)
	n, err = h.triggers.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no visit since the last enrollment")

	h.clock.Advance(151 * day)
	n, err = h.triggers.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "second contact crossed the threshold")
}

func TestNewSweeper_ValidatesSchedule(t *testing.T) {
	h := newHarness(t)
	_, err := outreach.NewSweeper(h.triggers, "not a schedule")
	assert.Error(t, err)

	s, err := outreach.NewSweeper(h.triggers, "0 6 * * 1")
	require.NoError(t, err)
	require.NoError(t, s.Start())
	s.Stop()
}
