package tracking

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	twclient "github.com/twilio/twilio-go/client"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// twilioOptOut is the error code Twilio reports when the recipient has
// replied STOP to the sending number.
const twilioOptOut = "21610"

var stopKeywords = map[string]bool{
	"STOP": true, "STOPALL": true, "UNSUBSCRIBE": true,
	"CANCEL": true, "END": true, "QUIT": true,
}

// TwilioWebhook receives message and call status callbacks plus inbound
// replies. Callbacks carry the enrollment_id and step tags the adapter
// appended to the status callback URL; untagged requests are acknowledged
// and ignored.
type TwilioWebhook struct {
	sink      Sink
	validator *twclient.RequestValidator
	publicURL string
	now       func() time.Time
}

// NewTwilioWebhook creates the webhook. When authToken is set requests
// must carry a valid X-Twilio-Signature computed over publicURL plus the
// request path and query.
func NewTwilioWebhook(sink Sink, authToken, publicURL string) *TwilioWebhook {
	h := &TwilioWebhook{
		sink:      sink,
		publicURL: strings.TrimRight(publicURL, "/"),
		now:       time.Now,
	}
	if authToken != "" {
		v := twclient.NewRequestValidator(authToken)
		h.validator = &v
	}
	return h
}

func (h *TwilioWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if h.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !h.validator.Validate(h.requestURL(r), params, r.Header.Get("X-Twilio-Signature")) {
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	if evt, ok := ClassifyTwilio(r.URL.Query(), r.PostForm); ok {
		evt.OccurredAt = h.now().UTC()
		h.sink.Publish(r.Context(), evt)
	} else {
		logger.Debug("twilio callback ignored",
			"status", firstNonEmpty(r.PostForm.Get("MessageStatus"), r.PostForm.Get("CallStatus")))
	}

	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))
}

func (h *TwilioWebhook) requestURL(r *http.Request) string {
	base := h.publicURL
	if base == "" {
		scheme := "https"
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = p
		}
		base = scheme + "://" + r.Host
	}
	return base + r.URL.RequestURI()
}

// ClassifyTwilio maps a Twilio callback onto an engagement report.
// Delivered messages report delivered, undelivered or failed ones report
// bounced (unsubscribed for the opt-out code), completed calls report
// responded, and inbound replies report unsubscribed for STOP keywords and
// responded otherwise. Intermediate statuses return false.
func ClassifyTwilio(query, form url.Values) (Event, bool) {
	enrollment := firstNonEmpty(query.Get("enrollment_id"), form.Get("enrollment_id"))
	if enrollment == "" {
		return Event{}, false
	}
	evt := Event{EnrollmentID: enrollment}
	if s, err := strconv.Atoi(firstNonEmpty(query.Get("step"), form.Get("step"))); err == nil && s >= 0 {
		evt.StepIndex = &s
	}
	sid := firstNonEmpty(form.Get("MessageSid"), form.Get("SmsSid"), form.Get("CallSid"))

	messageStatus := firstNonEmpty(form.Get("MessageStatus"), form.Get("SmsStatus"))
	switch {
	case messageStatus == "received":
		evt.Channel = domain.ChannelSMS
		evt.ExternalID = sid
		if stopKeywords[strings.ToUpper(strings.TrimSpace(form.Get("Body")))] {
			evt.Type = domain.EventUnsubscribed
		} else {
			evt.Type = domain.EventResponded
		}
	case messageStatus != "":
		evt.Channel = domain.ChannelSMS
		switch messageStatus {
		case "delivered":
			evt.Type = domain.EventDelivered
		case "undelivered", "failed":
			evt.Type = domain.EventBounced
			if form.Get("ErrorCode") == twilioOptOut {
				evt.Type = domain.EventUnsubscribed
			}
		default:
			return Event{}, false
		}
		evt.ExternalID = sid + ":" + messageStatus
	case form.Get("CallStatus") != "":
		evt.Channel = domain.ChannelVoice
		status := form.Get("CallStatus")
		switch status {
		case "completed":
			evt.Type = domain.EventResponded
		case "failed":
			evt.Type = domain.EventBounced
		default:
			return Event{}, false
		}
		evt.ExternalID = sid + ":" + status
	default:
		return Event{}, false
	}
	return evt, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
