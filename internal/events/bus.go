// Package events carries domain events between the backend and live gateway connections.
package events

import (
	"context"
	"encoding/json"
	"time"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/difychat/internal/domain"
)

// Topic is the single stream every domain event is published on.
const Topic = "difychat.events"

// Publisher publishes domain events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// RedisSettings enables the redis-stream transport.
type RedisSettings struct {
	Enabled  bool
	Addr     string
	Group    string
	Consumer string
}

// Bus publishes and subscribes domain events over watermill.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	closers    []func() error
}

var _ Publisher = (*Bus)(nil)

// NewBus builds a bus on redis streams when enabled, otherwise on an in-process go channel.
func NewBus(s RedisSettings) (*Bus, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.Enabled {
		pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return &Bus{publisher: pubsub, subscriber: pubsub, closers: []func() error{pubsub.Close}}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream publisher")
	}

	// Each consumer gets its own group so every gateway instance sees every event.
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group + ":" + s.Consumer,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream subscriber")
	}

	return &Bus{
		publisher:  pub,
		subscriber: sub,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

// Publish encodes event as JSON and publishes it on Topic.
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Ts == 0 {
		event.Ts = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	msg := message.NewMessage(event.EventID, payload)
	msg.Metadata.Set("type", string(event.Type))
	msg.SetContext(ctx)
	return errors.Wrap(b.publisher.Publish(Topic, msg), "publish event")
}

// Subscribe returns a channel of decoded events that closes when ctx ends.
// Undecodable messages are acked and dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	messages, err := b.subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe events")
	}

	out := make(chan domain.Event, 64)
	go func() {
		defer close(out)
		for msg := range messages {
			var event domain.Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				log.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("dropping undecodable event")
				msg.Ack()
				continue
			}
			select {
			case out <- event:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close releases the underlying transport.
func (b *Bus) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.Event) error { return nil }

