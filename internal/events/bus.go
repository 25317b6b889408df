// Package events carries trigger events, delivery callbacks and internal
// notifications over watermill.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/RealZimboGuy/campaignflow/internal/config"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

const (
	TopicTriggers      = "campaignflow.triggers"
	TopicDeliveries    = "campaignflow.deliveries"
	TopicNotifications = "campaignflow.notifications"

	// KeyMetadataKey holds the partition key. Events of one contact share a
	// key so Kafka keeps them in order.
	KeyMetadataKey  = "campaignflow_key"
	TypeMetadataKey = "campaignflow_type"
)

var nackDelay = time.Second

// Bus publishes and consumes the engine's topics.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

func NewBus(pub message.Publisher, sub message.Subscriber) *Bus {
	return &Bus{publisher: pub, subscriber: sub}
}

// New builds the bus selected by CFLOW_EVENT_BUS.
func New(settings *config.Settings, logger *slog.Logger) (*Bus, error) {
	wmLogger := watermill.NewSlogLogger(logger)
	switch settings.EventBus {
	case config.EVENT_BUS_KAFKA:
		logger.Info("Using Kafka as message broker", "brokers", settings.KafkaBrokers)
		pub, sub, err := newKafkaPubSub(settings.KafkaBrokers, settings.ServiceName, settings.OtelEnabled, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}
		return NewBus(pub, sub), nil
	case config.EVENT_BUS_GOCHANNEL, "":
		logger.Info("Using GoChannel as message broker")
		return NewGoChannelBus(wmLogger), nil
	default:
		return nil, fmt.Errorf("unsupported event bus %q", settings.EventBus)
	}
}

// NewGoChannelBus keeps every message in process.
func NewGoChannelBus(logger watermill.LoggerAdapter) *Bus {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return NewBus(pubSub, pubSub)
}

func newKafkaPubSub(brokers []string, serviceName string, otelEnabled bool, logger watermill.LoggerAdapter) (*kafka.Publisher, *kafka.Subscriber, error) {
	marshaler := kafka.NewWithPartitioningMarshaler(func(topic string, msg *message.Message) (string, error) {
		return msg.Metadata.Get(KeyMetadataKey), nil
	})

	saramaSubscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaSubscriberConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           marshaler,
			OverwriteSaramaConfig: saramaSubscriberConfig,
			ConsumerGroup:         "cg-" + serviceName,
			OTELEnabled:           otelEnabled,
		},
		logger,
	)
	if err != nil {
		return nil, nil, err
	}

	saramaPublisherConfig := sarama.NewConfig()
	saramaPublisherConfig.Producer.Return.Successes = true
	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: saramaPublisherConfig,
			OTELEnabled:           otelEnabled,
		},
		logger,
	)
	if err != nil {
		_ = subscriber.Close()
		return nil, nil, err
	}

	return publisher, subscriber, nil
}

func (b *Bus) publish(ctx context.Context, topic, key, eventType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(KeyMetadataKey, key)
	msg.Metadata.Set(TypeMetadataKey, eventType)
	msg.SetContext(ctx)

	if err := b.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) PublishTrigger(ctx context.Context, ev domain.TriggerEvent) error {
	return b.publish(ctx, TopicTriggers, ev.ContactID, ev.Type, ev)
}

func (b *Bus) PublishDelivery(ctx context.Context, ev domain.DeliveryEvent) error {
	return b.publish(ctx, TopicDeliveries, ev.DeliveryID, string(ev.Event), ev)
}

// Notify publishes a notify action's message. It satisfies engine.Notifier.
func (b *Bus) Notify(ctx context.Context, n domain.Notification) error {
	return b.publish(ctx, TopicNotifications, n.ContactID, "notification", n)
}

func (b *Bus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}
	return b.subscriber.Close()
}
