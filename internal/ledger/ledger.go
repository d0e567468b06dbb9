// Package ledger is the append-only event log. Events are persisted by a
// Store, which assigns the sequence offset, and then announced on a
// watermill topic so that consumers such as the aggregator can react
// without polling.
package ledger

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// DefaultTopic carries event notifications.
const DefaultTopic = "outreach.events"

// Metadata keys set on notification messages.
const (
	MetadataSeq  = "seq"
	MetadataType = "event_type"
)

// Store persists events.
type Store interface {
	// AppendEvents stores events with increasing Seq values, setting Seq on
	// each. Events whose ID is already stored are skipped and keep Seq 0.
	AppendEvents(ctx context.Context, events ...*domain.Event) error
	// EventsAfter returns up to limit events with Seq > after, in Seq order.
	EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error)
	LastSeq(ctx context.Context) (int64, error)
}

// Ledger appends events and publishes notifications.
type Ledger struct {
	store     Store
	publisher message.Publisher
	topic     string
}

// New creates a ledger. publisher may be nil, in which case nothing is
// announced and consumers rely on polling.
func New(store Store, publisher message.Publisher, topic string) *Ledger {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Ledger{store: store, publisher: publisher, topic: topic}
}

// Topic returns the notification topic.
func (l *Ledger) Topic() string { return l.topic }

// Append persists events and announces the stored ones.
func (l *Ledger) Append(ctx context.Context, events ...*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := l.store.AppendEvents(ctx, events...); err != nil {
		return err
	}
	l.Announce(events...)
	return nil
}

// Announce publishes a notification per event. Publishing is best effort:
// the ledger is the source of truth and consumers catch up by offset.
func (l *Ledger) Announce(events ...*domain.Event) {
	if l.publisher == nil {
		return
	}
	msgs := make([]*message.Message, 0, len(events))
	for _, ev := range events {
		if ev == nil || ev.Seq == 0 {
			continue
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			logger.Warn("marshal ledger notification", "event_id", ev.ID, "error", err.Error())
			continue
		}
		msg := message.NewMessage(ev.ID, payload)
		msg.Metadata.Set(MetadataSeq, strconv.FormatInt(ev.Seq, 10))
		msg.Metadata.Set(MetadataType, string(ev.Type))
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return
	}
	if err := l.publisher.Publish(l.topic, msgs...); err != nil {
		logger.Warn("publish ledger notification", "topic", l.topic, "count", len(msgs), "error", err.Error())
	}
}

// EventsAfter reads the ledger from an offset.
func (l *Ledger) EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	return l.store.EventsAfter(ctx, after, limit)
}

// LastSeq returns the highest assigned offset.
func (l *Ledger) LastSeq(ctx context.Context) (int64, error) {
	return l.store.LastSeq(ctx)
}

// Decode reads the event carried by a notification message.
func Decode(msg *message.Message) (*domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
