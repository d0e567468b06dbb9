package contacts_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/contacts"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/pubsub"
)

var at = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// =============================================================================
// HTTP CLIENT
// =============================================================================

func TestClient_GetContact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/contacts/c-1":
			json.NewEncoder(w).Encode(domain.Contact{
				ID: "c-1", FirstName: "Dana", Phone: "+12015550123",
				Consent: map[domain.Channel]bool{domain.ChannelSMS: true},
			})
		case "/contacts/broken":
			http.Error(w, "boom", http.StatusBadRequest)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := contacts.NewClient(config.ContactsConfig{BaseURL: srv.URL, APIKey: "key-1"})
	ctx := context.Background()

	got, err := c.GetContact(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Dana", got.FirstName)
	assert.True(t, got.HasConsent(domain.ChannelSMS))
	assert.False(t, got.HasConsent(domain.ChannelEmail))

	_, err = c.GetContact(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrContactNotFound)

	_, err = c.GetContact(ctx, "broken")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrContactNotFound)
}

func TestClient_EventPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "appointment_completed", q.Get("type"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/contact-events":
			assert.Equal(t, "2026-03-02T09:00:00Z", q.Get("since"))
			assert.Equal(t, "50", q.Get("limit"))
			if q.Get("cursor") == "" {
				w.Write([]byte(`{"events":[{"id":"e1","contact_id":"c-1","type":"appointment_completed"}],"next_cursor":"p2"}`))
				return
			}
			assert.Equal(t, "p2", q.Get("cursor"))
			w.Write([]byte(`{"events":[{"id":"e2","contact_id":"c-2","type":"appointment_completed"}]}`))
		case "/contact-events/latest":
			assert.Equal(t, "2026-03-02T09:00:00Z", q.Get("before"))
			w.Write([]byte(`{"events":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := contacts.NewClient(config.ContactsConfig{BaseURL: srv.URL})
	c.SetHTTPClient(srv.Client())
	ctx := context.Background()

	page, next, err := c.RecentEvents(ctx, "appointment_completed", at, "", 50)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "p2", next)

	page, next, err = c.RecentEvents(ctx, "appointment_completed", at, next, 50)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c-2", page[0].ContactID)
	assert.Empty(t, next)

	page, _, err = c.LastEvents(ctx, "appointment_completed", at, "", 0)
	require.NoError(t, err)
	assert.Empty(t, page)
}

// =============================================================================
// DIRECTORY
// =============================================================================

func TestDirectory_ContactsAreCopies(t *testing.T) {
	d := contacts.NewDirectory()
	d.Put(domain.Contact{ID: "c-1", Consent: map[domain.Channel]bool{domain.ChannelEmail: true}})

	got, err := d.GetContact(context.Background(), "c-1")
	require.NoError(t, err)
	got.Consent[domain.ChannelEmail] = false

	again, err := d.GetContact(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, again.HasConsent(domain.ChannelEmail))

	require.NoError(t, d.SetConsent("c-1", domain.ChannelEmail, false))
	again, _ = d.GetContact(context.Background(), "c-1")
	assert.False(t, again.HasConsent(domain.ChannelEmail))

	assert.ErrorIs(t, d.SetConsent("nobody", domain.ChannelSMS, true), domain.ErrContactNotFound)

	d.Remove("c-1")
	_, err = d.GetContact(context.Background(), "c-1")
	assert.ErrorIs(t, err, domain.ErrContactNotFound)
}

func TestDirectory_RecordEventTracksLatest(t *testing.T) {
	d := contacts.NewDirectory()
	d.Put(domain.Contact{ID: "c-1", FirstName: "Dana"})

	d.RecordEvent(domain.ContactEvent{ContactID: "c-1", Type: "visit", OccurredAt: at})
	d.RecordEvent(domain.ContactEvent{ContactID: "c-1", Type: "visit", OccurredAt: at.Add(-time.Hour)})
	d.RecordEvent(domain.ContactEvent{ContactID: "c-2", Type: "visit", OccurredAt: at.Add(-48 * time.Hour)})

	c1, err := d.GetContact(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, at, c1.LastEventAt["visit"], "older events do not move the latest time back")

	d.Put(domain.Contact{ID: "c-1", FirstName: "Dana M"})
	c1, _ = d.GetContact(context.Background(), "c-1")
	assert.Equal(t, at, c1.LastEventAt["visit"], "replacing a contact keeps its event history")

	last, _, err := d.LastEvents(context.Background(), "visit", at.Add(-24*time.Hour), "", 10)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "c-2", last[0].ContactID)
}

func TestDirectory_Paging(t *testing.T) {
	d := contacts.NewDirectory()
	for _, id := range []string{"c-1", "c-2", "c-3"} {
		d.RecordEvent(domain.ContactEvent{ContactID: id, Type: "visit", OccurredAt: at})
	}
	d.RecordEvent(domain.ContactEvent{ContactID: "c-4", Type: "visit", OccurredAt: at.Add(-time.Hour)})

	ctx := context.Background()
	page, next, err := d.RecentEvents(ctx, "visit", at, "", 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	require.Equal(t, "2", next)

	page, next, err = d.RecentEvents(ctx, "visit", at, next, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1, "events before since are excluded")
	assert.Empty(t, next)

	_, _, err = d.RecentEvents(ctx, "visit", at, "bogus", 2)
	assert.Error(t, err)
}

// =============================================================================
// EVENT SOURCE
// =============================================================================

type flakyHandler struct {
	mu    sync.Mutex
	seen  []domain.ContactEvent
	fails int
}

func (h *flakyHandler) HandleContactEvent(_ context.Context, ev domain.ContactEvent) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, ev)
	if h.fails > 0 {
		h.fails--
		return 0, assert.AnError
	}
	return 1, nil
}

func (h *flakyHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func TestEventSource_DeliversAndRedelivers(t *testing.T) {
	// Persistent so messages published before the subscription are kept.
	ps := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, pubsub.NewLogger())
	defer ps.Close()

	require.NoError(t, ps.Publish(contacts.DefaultTopic, message.NewMessage("junk", []byte("{"))))
	require.NoError(t, contacts.Publish(ps, "", domain.ContactEvent{
		ID: "ev-1", ContactID: "c-1", Type: "no_show_recorded", OccurredAt: at,
	}))

	handler := &flakyHandler{fails: 1}
	dir := contacts.NewDirectory()
	src := contacts.NewEventSource(ps, "", handler)
	src.SetRecorder(dir.RecordEvent)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	require.Eventually(t, func() bool { return handler.count() >= 2 }, 2*time.Second, 10*time.Millisecond,
		"a failed event is nacked and redelivered")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("event source did not stop")
	}

	handler.mu.Lock()
	require.Len(t, handler.seen, 2, "the junk message never reaches the handler")
	assert.Equal(t, "ev-1", handler.seen[0].ID)
	assert.Equal(t, "ev-1", handler.seen[1].ID)
	assert.Equal(t, "no_show_recorded", handler.seen[0].Type)
	handler.mu.Unlock()

	c, err := dir.GetContact(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, at, c.LastEventAt["no_show_recorded"])
}
