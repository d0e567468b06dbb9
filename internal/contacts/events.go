package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// DefaultTopic carries contact events published by the contact store.
const DefaultTopic = "contacts.events"

// EventHandler evaluates a contact event. outreach.Triggers implements it.
type EventHandler interface {
	HandleContactEvent(ctx context.Context, ev domain.ContactEvent) (int, error)
}

// EventSource consumes contact events from a watermill subscriber.
type EventSource struct {
	subscriber message.Subscriber
	topic      string
	handler    EventHandler
	recorder   func(domain.ContactEvent)
}

// NewEventSource creates an event source for topic.
func NewEventSource(sub message.Subscriber, topic string, handler EventHandler) *EventSource {
	if topic == "" {
		topic = DefaultTopic
	}
	return &EventSource{subscriber: sub, topic: topic, handler: handler}
}

// SetRecorder registers a callback invoked for every decoded event before
// it is handled, e.g. Directory.RecordEvent to keep event history locally.
func (s *EventSource) SetRecorder(fn func(domain.ContactEvent)) { s.recorder = fn }

// Run consumes until ctx is done. Undecodable messages are acked and
// dropped; handler failures are nacked for redelivery.
func (s *EventSource) Run(ctx context.Context) error {
	msgs, err := s.subscriber.Subscribe(ctx, s.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	log.Printf("[ContactEvents] Consuming %s", s.topic)
	for msg := range msgs {
		s.handle(ctx, msg)
	}
	return nil
}

func (s *EventSource) handle(ctx context.Context, msg *message.Message) {
	var ev domain.ContactEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		logger.Warn("dropping undecodable contact event", "message_id", msg.UUID, "error", err.Error())
		msg.Ack()
		return
	}
	if ev.ID == "" {
		ev.ID = msg.UUID
	}
	if s.recorder != nil {
		s.recorder(ev)
	}
	n, err := s.handler.HandleContactEvent(ctx, ev)
	if err != nil {
		logger.Error("contact event handling failed", "event_id", ev.ID, "type", ev.Type, "error", err.Error())
		msg.Nack()
		return
	}
	if n > 0 {
		logger.Info("contact event enrolled contacts", "event_id", ev.ID, "type", ev.Type, "enrolled", n)
	}
	msg.Ack()
}

// Publish sends a contact event on topic. Used by the dev tooling and tests
// standing in for the contact store.
func Publish(pub message.Publisher, topic string, ev domain.ContactEvent) error {
	if topic == "" {
		topic = DefaultTopic
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	id := ev.ID
	if id == "" {
		id = watermill.NewUUID()
	}
	return pub.Publish(topic, message.NewMessage(id, payload))
}
