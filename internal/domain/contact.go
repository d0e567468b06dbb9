package domain

import (
	"errors"
	"time"
)

// ErrContactNotFound is returned by contact stores for unknown contacts.
var ErrContactNotFound = errors.New("contact not found")

// Contact is the projection of a patient/lead record the engine needs.
// Destinations and consent are keyed by channel.
type Contact struct {
	ID          string               `json:"id"`
	FirstName   string               `json:"first_name"`
	LastName    string               `json:"last_name"`
	Email       string               `json:"email,omitempty"`
	Phone       string               `json:"phone,omitempty"`
	Consent     map[Channel]bool     `json:"consent"`
	Attributes  map[string]string    `json:"attributes,omitempty"`
	LastEventAt map[string]time.Time `json:"last_event_at,omitempty"`
}

// Destination returns the address used for channel, or "" if none.
func (c *Contact) Destination(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return c.Email
	case ChannelSMS, ChannelVoice:
		return c.Phone
	}
	return ""
}

// HasConsent reports whether the contact currently consents to ch.
// A missing flag means no consent.
func (c *Contact) HasConsent(ch Channel) bool {
	return c.Consent[ch]
}

// Variables returns the template variables exposed to step content.
func (c *Contact) Variables() map[string]interface{} {
	vars := map[string]interface{}{
		"first_name": c.FirstName,
		"last_name":  c.LastName,
		"email":      c.Email,
		"phone":      c.Phone,
	}
	for k, v := range c.Attributes {
		if _, taken := vars[k]; !taken {
			vars[k] = v
		}
	}
	return vars
}

// ContactEvent is an external event published by the contact store, e.g.
// "no_show_recorded" or "appointment_completed".
type ContactEvent struct {
	ID         string            `json:"id"`
	ContactID  string            `json:"contact_id"`
	Type       string            `json:"type"`
	Fields     map[string]string `json:"fields,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
