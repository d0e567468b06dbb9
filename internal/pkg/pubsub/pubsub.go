// Package pubsub builds watermill publishers and subscribers for the
// configured transport: an in-process gochannel or Kafka.
package pubsub

import (
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// Transports.
const (
	GoChannel = "gochannel"
	Kafka     = "kafka"
)

// Options selects and configures a transport.
type Options struct {
	Transport     string
	Brokers       []string
	ConsumerGroup string
}

// PubSub is a connected publisher/subscriber pair. For gochannel both sides
// are the same instance.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides.
func (p *PubSub) Close() error {
	err := p.Publisher.Close()
	if p.Subscriber != nil && any(p.Subscriber) != any(p.Publisher) {
		err = errors.Join(err, p.Subscriber.Close())
	}
	return err
}

// New creates the transport described by opts.
func New(opts Options) (*PubSub, error) {
	wlog := NewLogger()
	switch opts.Transport {
	case "", GoChannel:
		return NewGoChannel(wlog), nil
	case Kafka:
		return newKafka(opts, wlog)
	}
	return nil, fmt.Errorf("unknown pubsub transport %q", opts.Transport)
}

// NewGoChannel creates an in-process transport.
func NewGoChannel(wlog watermill.LoggerAdapter) *PubSub {
	ps := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		wlog,
	)
	return &PubSub{Publisher: ps, Subscriber: ps}
}

func newKafka(opts Options, wlog watermill.LoggerAdapter) (*PubSub, error) {
	if len(opts.Brokers) == 0 || opts.Brokers[0] == "" {
		return nil, errors.New("kafka transport requires at least one broker")
	}

	saramaPublisherConfig := sarama.NewConfig()
	saramaPublisherConfig.Producer.Return.Successes = true
	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               opts.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaPublisherConfig,
		},
		wlog,
	)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}

	ps := &PubSub{Publisher: publisher}
	if opts.ConsumerGroup == "" {
		return ps, nil
	}

	saramaSubscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaSubscriberConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               opts.Brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaSubscriberConfig,
			ConsumerGroup:         opts.ConsumerGroup,
		},
		wlog,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("kafka subscriber: %w", err)
	}
	ps.Subscriber = subscriber
	return ps, nil
}

// watermillLogger routes watermill logs through the structured logger.
type watermillLogger struct {
	fields watermill.LogFields
}

// NewLogger returns a watermill.LoggerAdapter writing to the default logger.
// Trace output is dropped.
func NewLogger() watermill.LoggerAdapter {
	return watermillLogger{}
}

func (l watermillLogger) kv(fields watermill.LogFields) []interface{} {
	merged := l.fields.Add(fields)
	out := make([]interface{}, 0, len(merged)*2+2)
	out = append(out, "component", "watermill")
	for k, v := range merged {
		out = append(out, k, v)
	}
	return out
}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	kv := l.kv(fields)
	if err != nil {
		kv = append(kv, "error", err.Error())
	}
	logger.Error(msg, kv...)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	logger.Info(msg, l.kv(fields)...)
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	logger.Debug(msg, l.kv(fields)...)
}

func (l watermillLogger) Trace(string, watermill.LogFields) {}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{fields: l.fields.Add(fields)}
}
