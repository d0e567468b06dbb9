package tracking_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/outreach"
	"github.com/ignite/outreach-engine/internal/tracking"
)

// =============================================================================
// FAKES
// =============================================================================

type captureSink struct {
	mu     sync.Mutex
	events []tracking.Event
}

func (s *captureSink) Publish(_ context.Context, evt tracking.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *captureSink) all() []tracking.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tracking.Event(nil), s.events...)
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []outreach.EngagementInput
	err   error
}

func (r *fakeRecorder) Record(_ context.Context, in outreach.EngagementInput) (*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, in)
	if r.err != nil {
		return nil, r.err
	}
	return &domain.Event{ID: "ev", Type: in.Type, EnrollmentID: in.EnrollmentID}, nil
}

type fakeSQS struct {
	mu       sync.Mutex
	sent     []string
	inbox    []types.Message
	deleted  []string
	sendErr  error
	received int
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("m")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	f.received++
	msgs := f.inbox
	f.inbox = nil
	f.mu.Unlock()
	if len(msgs) == 0 {
		time.Sleep(time.Millisecond)
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) enqueue(handle, body string) {
	f.inbox = append(f.inbox, types.Message{ReceiptHandle: aws.String(handle), Body: aws.String(body)})
}

var ref = outreach.TrackingRef{EnrollmentID: "enr-1", StepIndex: 2, Channel: domain.ChannelEmail}

func pathOf(t *testing.T, link string) string {
	t.Helper()
	u, err := url.Parse(link)
	require.NoError(t, err)
	return u.Path
}

// =============================================================================
// SIGNED LINKS
// =============================================================================

func TestSigner_RoundTrip(t *testing.T) {
	s := tracking.NewSigner("secret", "https://t.example/")

	link := s.ClickURL(ref, "https://clinic.example/book?a=1|b=2")
	assert.True(t, strings.HasPrefix(link, "https://t.example/track/click/"))

	parts := strings.Split(pathOf(t, link), "/")
	require.Len(t, parts, 5)
	got, target, err := s.Decode(parts[3], parts[4])
	require.NoError(t, err)
	assert.Equal(t, ref, got)
	assert.Equal(t, "https://clinic.example/book?a=1|b=2", target, "pipes in the target survive")
}

func TestSigner_RejectsTampering(t *testing.T) {
	s := tracking.NewSigner("secret", "https://t.example")
	parts := strings.Split(pathOf(t, s.OpenURL(ref)), "/")

	_, _, err := tracking.NewSigner("other", "").Decode(parts[3], parts[4])
	assert.ErrorIs(t, err, tracking.ErrBadSignature)

	_, _, err = s.Decode("!!!", parts[4])
	assert.ErrorIs(t, err, tracking.ErrMalformed)
}

func TestDecorator_Email(t *testing.T) {
	s := tracking.NewSigner("secret", "https://t.example")
	d := tracking.NewDecorator(s)

	body := `<html><body><a href="https://clinic.example/book">Book</a> <a href="` +
		tracking.UnsubscribePlaceholder + `">Stop</a></body></html>`
	out := d.Decorate(domain.ChannelEmail, body, ref)

	assert.NotContains(t, out, `href="https://clinic.example/book"`)
	assert.Contains(t, out, "https://t.example/track/click/")
	assert.Contains(t, out, "https://t.example/track/unsubscribe/")
	assert.Contains(t, out, "https://t.example/track/open/")
	assert.True(t, strings.HasSuffix(out, "</body></html>"), "pixel goes inside the body")
}

func TestDecorator_NonEmailUntouched(t *testing.T) {
	d := tracking.NewDecorator(tracking.NewSigner("secret", "https://t.example"))
	body := "Reply YES to book https://clinic.example"
	assert.Equal(t, body, d.Decorate(domain.ChannelSMS, body, ref))
}

// =============================================================================
// LINK HANDLERS
// =============================================================================

func TestHandler_Open(t *testing.T) {
	s := tracking.NewSigner("secret", "")
	sink := &captureSink{}
	srv := httptest.NewServer(tracking.NewHandler(s, sink).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + pathOf(t, s.OpenURL(ref)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventOpened, events[0].Type)
	assert.Equal(t, "enr-1", events[0].EnrollmentID)
	require.NotNil(t, events[0].StepIndex)
	assert.Equal(t, 2, *events[0].StepIndex)
	assert.Equal(t, "link:2", events[0].ExternalID)
}

func TestHandler_BadOpenStillServesPixel(t *testing.T) {
	sink := &captureSink{}
	srv := httptest.NewServer(tracking.NewHandler(tracking.NewSigner("secret", ""), sink).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/track/open/abc/def")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, sink.all())
}

func TestHandler_ClickRedirects(t *testing.T) {
	s := tracking.NewSigner("secret", "")
	sink := &captureSink{}
	h := tracking.NewHandler(s, sink).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, pathOf(t, s.ClickURL(ref, "https://clinic.example/book")), nil))
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "https://clinic.example/book", rec.Header().Get("Location"))
	require.Len(t, sink.all(), 1)
	assert.Equal(t, domain.EventClicked, sink.all()[0].Type)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, pathOf(t, s.ClickURL(ref, "javascript:alert(1)")), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Unsubscribe(t *testing.T) {
	s := tracking.NewSigner("secret", "")
	sink := &captureSink{}
	h := tracking.NewHandler(s, sink).Routes()

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, pathOf(t, s.UnsubscribeURL(ref)), nil))
		assert.Equal(t, http.StatusOK, rec.Code, method)
	}
	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventUnsubscribed, events[0].Type)
	assert.Equal(t, events[0].ExternalID, events[1].ExternalID, "repeat hits share an id")
}

// =============================================================================
// TWILIO
// =============================================================================

func TestClassifyTwilio(t *testing.T) {
	tagged := url.Values{"enrollment_id": {"enr-1"}, "step": {"1"}}

	tests := []struct {
		name    string
		query   url.Values
		form    url.Values
		want    domain.EventType
		channel domain.Channel
		ok      bool
	}{
		{"delivered", tagged, url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}}, domain.EventDelivered, domain.ChannelSMS, true},
		{"undelivered", tagged, url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"undelivered"}, "ErrorCode": {"30003"}}, domain.EventBounced, domain.ChannelSMS, true},
		{"failed", tagged, url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"failed"}}, domain.EventBounced, domain.ChannelSMS, true},
		{"opted out", tagged, url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"failed"}, "ErrorCode": {"21610"}}, domain.EventUnsubscribed, domain.ChannelSMS, true},
		{"still sending", tagged, url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"sent"}}, "", "", false},
		{"stop reply", tagged, url.Values{"SmsSid": {"SM2"}, "SmsStatus": {"received"}, "Body": {" stop "}}, domain.EventUnsubscribed, domain.ChannelSMS, true},
		{"other reply", tagged, url.Values{"SmsSid": {"SM2"}, "SmsStatus": {"received"}, "Body": {"yes please"}}, domain.EventResponded, domain.ChannelSMS, true},
		{"call answered", tagged, url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}, domain.EventResponded, domain.ChannelVoice, true},
		{"call failed", tagged, url.Values{"CallSid": {"CA1"}, "CallStatus": {"failed"}}, domain.EventBounced, domain.ChannelVoice, true},
		{"no answer", tagged, url.Values{"CallSid": {"CA1"}, "CallStatus": {"no-answer"}}, "", "", false},
		{"untagged", url.Values{}, url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}}, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, ok := tracking.ClassifyTwilio(tt.query, tt.form)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.want, evt.Type)
			assert.Equal(t, tt.channel, evt.Channel)
			assert.Equal(t, "enr-1", evt.EnrollmentID)
			require.NotNil(t, evt.StepIndex)
			assert.Equal(t, 1, *evt.StepIndex)
			assert.NotEmpty(t, evt.ExternalID)
		})
	}
}

func TestTwilioWebhook_PublishesStatus(t *testing.T) {
	sink := &captureSink{}
	h := tracking.NewTwilioWebhook(sink, "", "")

	form := url.Values{"MessageSid": {"SM9"}, "MessageStatus": {"delivered"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio?enrollment_id=enr-1&step=0", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Response>")
	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventDelivered, events[0].Type)
	assert.Equal(t, "SM9:delivered", events[0].ExternalID)
	assert.False(t, events[0].OccurredAt.IsZero())
}

func TestTwilioWebhook_RejectsUnsignedWhenTokenSet(t *testing.T) {
	sink := &captureSink{}
	h := tracking.NewTwilioWebhook(sink, "auth-token", "https://hooks.example")

	form := url.Values{"MessageSid": {"SM9"}, "MessageStatus": {"delivered"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio?enrollment_id=enr-1&step=0", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "bogus")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, sink.all())
}

// =============================================================================
// SQS QUEUE
// =============================================================================

func TestPublisher_SendsJSON(t *testing.T) {
	client := &fakeSQS{}
	p := tracking.NewPublisher(client, "https://sqs.example/q")

	step := 1
	p.Publish(context.Background(), tracking.Event{Type: domain.EventClicked, EnrollmentID: "enr-1", StepIndex: &step})
	p.Wait()

	require.Len(t, client.sent, 1)
	var got tracking.Event
	require.NoError(t, json.Unmarshal([]byte(client.sent[0]), &got))
	assert.Equal(t, domain.EventClicked, got.Type)
	assert.Equal(t, 1, *got.StepIndex)
}

func TestPublisher_SendErrorIsSwallowed(t *testing.T) {
	client := &fakeSQS{sendErr: errors.New("throttled")}
	p := tracking.NewPublisher(client, "q")
	p.Publish(context.Background(), tracking.Event{Type: domain.EventOpened, EnrollmentID: "enr-1"})
	p.Wait()
	assert.Empty(t, client.sent)
}

func TestConsumer_PollOnce(t *testing.T) {
	client := &fakeSQS{}
	rec := &fakeRecorder{}
	c := tracking.NewConsumer(client, "q", rec)

	good, _ := json.Marshal(tracking.Event{Type: domain.EventOpened, EnrollmentID: "enr-1", ExternalID: "link:0"})
	client.enqueue("h1", string(good))
	client.enqueue("h2", "{not json")

	n, err := c.PollOnce(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ElementsMatch(t, []string{"h1", "h2"}, client.deleted, "undecodable messages are dropped")
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "link:0", rec.calls[0].ExternalID)
}

func TestConsumer_ErrorHandling(t *testing.T) {
	body, _ := json.Marshal(tracking.Event{Type: domain.EventOpened, EnrollmentID: "enr-1"})

	t.Run("permanent errors are dropped", func(t *testing.T) {
		client := &fakeSQS{}
		c := tracking.NewConsumer(client, "q", &fakeRecorder{err: fmt.Errorf("load: %w", outreach.ErrEnrollmentNotFound)})
		client.enqueue("h1", string(body))

		n, err := c.PollOnce(context.Background(), 0)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, []string{"h1"}, client.deleted)
	})

	t.Run("transient errors stay queued", func(t *testing.T) {
		client := &fakeSQS{}
		c := tracking.NewConsumer(client, "q", &fakeRecorder{err: errors.New("db down")})
		client.enqueue("h1", string(body))

		n, err := c.PollOnce(context.Background(), 0)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, client.deleted)
	})
}

func TestConsumer_StartStop(t *testing.T) {
	client := &fakeSQS{}
	rec := &fakeRecorder{}
	body, _ := json.Marshal(tracking.Event{Type: domain.EventDelivered, EnrollmentID: "enr-1"})
	client.enqueue("h1", string(body))

	c := tracking.NewConsumer(client, "q", rec)
	c.Start(context.Background())
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.calls) == 1
	}, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()
}

func TestRecorderSink(t *testing.T) {
	rec := &fakeRecorder{err: outreach.ErrInvalidEngagement}
	tracking.NewRecorderSink(rec).Publish(context.Background(), tracking.Event{Type: domain.EventSent, EnrollmentID: "enr-1"})
	require.Len(t, rec.calls, 1)
	assert.Equal(t, domain.EventSent, rec.calls[0].Type)
}
