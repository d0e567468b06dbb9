package outreach_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ignite/outreach-engine/internal/channel"
	"github.com/ignite/outreach-engine/internal/contacts"
	"github.com/ignite/outreach-engine/internal/content"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/ledger"
	"github.com/ignite/outreach-engine/internal/outreach"
	"github.com/ignite/outreach-engine/internal/repository/memory"
	"github.com/ignite/outreach-engine/internal/service/workflow"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

const day = 24 * time.Hour

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedSender returns queued results in order, then Sent. onSend runs
// before each call returns; timeout is reported as every channel's timeout.
type scriptedSender struct {
	mu      sync.Mutex
	script  []channel.Result
	sent    []channel.Message
	calls   int
	expired int
	timeout time.Duration
	onSend  func(msg channel.Message)
}

func (s *scriptedSender) Send(ctx context.Context, msg channel.Message) channel.Result {
	if ctx.Err() != nil {
		s.mu.Lock()
		s.expired++
		s.mu.Unlock()
	}
	if s.onSend != nil {
		s.onSend(msg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.sent = append(s.sent, msg)
	if len(s.script) > 0 {
		r := s.script[0]
		s.script = s.script[1:]
		return r
	}
	return channel.Result{Outcome: channel.Sent, MessageID: "msg-" + msg.Tags["step"]}
}

func (s *scriptedSender) Timeout(context.Context, domain.Channel) time.Duration {
	return s.timeout
}

// Expired counts sends started with an already expired context.
func (s *scriptedSender) Expired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

func (s *scriptedSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedSender) Messages() []channel.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]channel.Message(nil), s.sent...)
}

type harness struct {
	ctx        context.Context
	clock      *fakeClock
	store      *memory.Store
	directory  *contacts.Directory
	sender     *scriptedSender
	workflows  *workflow.Service
	machine    *outreach.Machine
	dispatcher *outreach.Dispatcher
	scheduler  *outreach.Scheduler
	triggers   *outreach.Triggers
	engagement *outreach.Engagement
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: epoch}
	store := memory.New()
	directory := contacts.NewDirectory()
	sender := &scriptedSender{}
	renderer := content.NewRenderer()

	workflows := workflow.NewService(store)
	workflows.SetClock(clock.Now)
	workflows.SetTemplateChecker(renderer.Check)

	machine := outreach.NewMachine(workflows, store, ledger.New(store, nil, ""))
	machine.SetClock(clock.Now)

	dispatcher := outreach.NewDispatcher(outreach.DispatcherDeps{
		Machine:  machine,
		Tasks:    store,
		Attempts: store,
		Contacts: directory,
		Sender:   sender,
		Renderer: renderer,
		Retry:    outreach.RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute},
	})

	scheduler := outreach.NewScheduler(outreach.SchedulerConfig{
		WorkerID:  "test",
		Workers:   1,
		BatchSize: 20,
		Lease:     60 * time.Second,
	}, store, dispatcher)
	scheduler.SetClock(clock.Now)

	triggers := outreach.NewTriggers(machine, directory)
	workflows.SetLifecycle(outreach.Hooks{Triggers: triggers, Machine: machine})

	return &harness{
		ctx:        context.Background(),
		clock:      clock,
		store:      store,
		directory:  directory,
		sender:     sender,
		workflows:  workflows,
		machine:    machine,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		triggers:   triggers,
		engagement: outreach.NewEngagement(machine),
	}
}

func recallSteps() []domain.StepDefinition {
	return []domain.StepDefinition{
		{Channel: domain.ChannelEmail, DelaySeconds: 0, Subject: "Time for a check-up", Body: "Hi {{ first_name }}, book your visit."},
		{Channel: domain.ChannelSMS, DelaySeconds: int64(3 * day / time.Second), Body: "{{ first_name }}, reply YES to book."},
		{Channel: domain.ChannelVoice, DelaySeconds: int64(7 * day / time.Second), Body: "This is a reminder from your dentist."},
	}
}

func (h *harness) activeWorkflow(t *testing.T, trigger domain.Trigger) *domain.WorkflowDefinition {
	t.Helper()
	w, err := h.workflows.Create(h.ctx, workflow.CreateInput{
		Name:    "Six month recall",
		Type:    domain.WorkflowRecall,
		Steps:   recallSteps(),
		Trigger: trigger,
		Status:  domain.WorkflowActive,
	})
	require.NoError(t, err)
	return w
}

func (h *harness) addContact(id string) {
	h.directory.Put(domain.Contact{
		ID:        id,
		FirstName: "Dana",
		Email:     id + "@example.com",
		Phone:     "+12015550123",
		Consent: map[domain.Channel]bool{
			domain.ChannelEmail: true,
			domain.ChannelSMS:   true,
			domain.ChannelVoice: true,
		},
	})
}

func (h *harness) enroll(t *testing.T, workflowID, contactID string) *domain.Enrollment {
	t.Helper()
	e, err := h.machine.Enroll(h.ctx, outreach.EnrollRequest{WorkflowID: workflowID, ContactID: contactID})
	require.NoError(t, err)
	return e
}

func (h *harness) runOnce(t *testing.T) int {
	t.Helper()
	n, err := h.scheduler.RunOnce(h.ctx)
	require.NoError(t, err)
	return n
}

func (h *harness) enrollment(t *testing.T, id string) *domain.Enrollment {
	t.Helper()
	e, err := h.store.GetEnrollment(h.ctx, id)
	require.NoError(t, err)
	return e
}

func (h *harness) attempts(t *testing.T, id string) []domain.DispatchAttempt {
	t.Helper()
	a, err := h.store.ListAttempts(h.ctx, id)
	require.NoError(t, err)
	return a
}

func (h *harness) eventTypes(t *testing.T) []domain.EventType {
	t.Helper()
	events, err := h.store.EventsAfter(h.ctx, 0, 0)
	require.NoError(t, err)
	out := make([]domain.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}
