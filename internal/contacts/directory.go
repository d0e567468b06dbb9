package contacts

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
)

// Directory is an in-memory contact store. Cursors are decimal offsets.
type Directory struct {
	mu       sync.RWMutex
	contacts map[string]*domain.Contact
	events   []domain.ContactEvent
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{contacts: make(map[string]*domain.Contact)}
}

// Put inserts or replaces a contact.
func (d *Directory) Put(c domain.Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := cloneContact(&c)
	if prev, ok := d.contacts[c.ID]; ok && cp.LastEventAt == nil {
		cp.LastEventAt = prev.LastEventAt
	}
	d.contacts[c.ID] = cp
}

// SetConsent changes a contact's consent for one channel.
func (d *Directory) SetConsent(id string, ch domain.Channel, consent bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contacts[id]
	if !ok {
		return domain.ErrContactNotFound
	}
	if c.Consent == nil {
		c.Consent = make(map[domain.Channel]bool)
	}
	c.Consent[ch] = consent
	return nil
}

// Remove deletes a contact.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.contacts, id)
}

// RecordEvent appends an event to the history and updates the contact's
// last event time for its type.
func (d *Directory) RecordEvent(ev domain.ContactEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	c, ok := d.contacts[ev.ContactID]
	if !ok {
		c = &domain.Contact{ID: ev.ContactID}
		d.contacts[ev.ContactID] = c
	}
	if c.LastEventAt == nil {
		c.LastEventAt = make(map[string]time.Time)
	}
	if ev.OccurredAt.After(c.LastEventAt[ev.Type]) {
		c.LastEventAt[ev.Type] = ev.OccurredAt
	}
}

// GetContact returns a copy of a contact.
func (d *Directory) GetContact(_ context.Context, id string) (*domain.Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[id]
	if !ok {
		return nil, domain.ErrContactNotFound
	}
	return cloneContact(c), nil
}

// RecentEvents lists recorded events of a type at or after since.
func (d *Directory) RecentEvents(_ context.Context, eventType string, since time.Time, cursor string, limit int) ([]domain.ContactEvent, string, error) {
	d.mu.RLock()
	var matched []domain.ContactEvent
	for _, ev := range d.events {
		if ev.Type == eventType && !ev.OccurredAt.Before(since) {
			matched = append(matched, ev)
		}
	}
	d.mu.RUnlock()
	return pageEvents(matched, cursor, limit)
}

// LastEvents lists, per contact ordered by id, the latest event of a type
// when it happened at or before cutoff.
func (d *Directory) LastEvents(_ context.Context, eventType string, cutoff time.Time, cursor string, limit int) ([]domain.ContactEvent, string, error) {
	d.mu.RLock()
	var matched []domain.ContactEvent
	for id, c := range d.contacts {
		last, ok := c.LastEventAt[eventType]
		if !ok || last.After(cutoff) {
			continue
		}
		matched = append(matched, domain.ContactEvent{ContactID: id, Type: eventType, OccurredAt: last})
	}
	d.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].ContactID < matched[j].ContactID })
	return pageEvents(matched, cursor, limit)
}

func pageEvents(events []domain.ContactEvent, cursor string, limit int) ([]domain.ContactEvent, string, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
		offset = n
	}
	if offset >= len(events) {
		return nil, "", nil
	}
	end := len(events)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	next := ""
	if end < len(events) {
		next = strconv.Itoa(end)
	}
	return events[offset:end], next, nil
}

func cloneContact(c *domain.Contact) *domain.Contact {
	cp := *c
	if c.Consent != nil {
		cp.Consent = make(map[domain.Channel]bool, len(c.Consent))
		for k, v := range c.Consent {
			cp.Consent[k] = v
		}
	}
	if c.Attributes != nil {
		cp.Attributes = make(map[string]string, len(c.Attributes))
		for k, v := range c.Attributes {
			cp.Attributes[k] = v
		}
	}
	if c.LastEventAt != nil {
		cp.LastEventAt = make(map[string]time.Time, len(c.LastEventAt))
		for k, v := range c.LastEventAt {
			cp.LastEventAt[k] = v
		}
	}
	return &cp
}
