package tracking

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/outreach"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Handler serves the signed tracking links minted by Signer.
type Handler struct {
	signer *Signer
	sink   Sink
	now    func() time.Time
}

func NewHandler(signer *Signer, sink Sink) *Handler {
	return &Handler{signer: signer, sink: sink, now: time.Now}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/track/open/{data}/{sig}", h.HandleOpen)
	r.Get("/track/click/{data}/{sig}", h.HandleClick)
	r.Get("/track/unsubscribe/{data}/{sig}", h.HandleUnsubscribe)
	// One-click unsubscribe (RFC 8058) posts to the same link.
	r.Post("/track/unsubscribe/{data}/{sig}", h.HandleUnsubscribe)
	r.Get("/health", h.HandleHealth)
	return r
}

func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	ref, _, err := h.signer.Decode(chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
	if err != nil {
		h.servePixel(w)
		return
	}

	h.sink.Publish(r.Context(), h.event(r, domain.EventOpened, ref))
	log.Printf("OPEN enrollment=%s step=%d", ref.EnrollmentID, ref.StepIndex)
	h.servePixel(w)
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	ref, target, err := h.signer.Decode(chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
	if err != nil || !redirectable(target) {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}

	h.sink.Publish(r.Context(), h.event(r, domain.EventClicked, ref))
	log.Printf("CLICK enrollment=%s step=%d", ref.EnrollmentID, ref.StepIndex)
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ref, _, err := h.signer.Decode(chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
	if err != nil {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}

	h.sink.Publish(r.Context(), h.event(r, domain.EventUnsubscribed, ref))
	log.Printf("UNSUB enrollment=%s step=%d", ref.EnrollmentID, ref.StepIndex)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive messages from this program.</p>
	</body></html>`))
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// event builds the report for a link hit. Repeat hits on the same step
// share an ExternalID, so each step counts one open, click or unsubscribe.
func (h *Handler) event(r *http.Request, typ domain.EventType, ref outreach.TrackingRef) Event {
	step := ref.StepIndex
	ch := ref.Channel
	if !ch.Valid() {
		ch = ""
	}
	return Event{
		Type:         typ,
		EnrollmentID: ref.EnrollmentID,
		StepIndex:    &step,
		Channel:      ch,
		ExternalID:   fmt.Sprintf("link:%d", step),
		IPAddress:    realIP(r),
		UserAgent:    r.UserAgent(),
		OccurredAt:   h.now().UTC(),
	}
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func redirectable(target string) bool {
	u, err := url.Parse(target)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
