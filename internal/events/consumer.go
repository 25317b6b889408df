package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/RealZimboGuy/campaignflow/internal/engine"
	"github.com/RealZimboGuy/campaignflow/internal/repository"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/models"
)

// TriggerHandler is implemented by engine.TriggerMatcher.
type TriggerHandler interface {
	HandleEvent(ctx context.Context, ev domain.TriggerEvent) (*models.TriggerEventResponse, error)
}

// DeliveryHandler is implemented by engine.DeliveryTracker.
type DeliveryHandler interface {
	HandleEvent(ctx context.Context, ev domain.DeliveryEvent) (*models.DeliveryEventResponse, error)
}

// unprocessable messages are acked and dropped; everything else is nacked
// and redelivered.
type unprocessable struct{ err error }

func (u *unprocessable) Error() string { return u.err.Error() }
func (u *unprocessable) Unwrap() error { return u.err }

func drop(err error) error { return &unprocessable{err: err} }

// ConsumeTriggers feeds trigger events from the bus to h until ctx ends.
func (b *Bus) ConsumeTriggers(ctx context.Context, h TriggerHandler) error {
	return b.consume(ctx, TopicTriggers, func(ctx context.Context, msg *message.Message) error {
		if err := engine.TriggerEventSchema.Validate(msg.Payload); err != nil {
			return drop(err)
		}
		var ev domain.TriggerEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return drop(err)
		}
		res, err := h.HandleEvent(ctx, ev)
		if err != nil {
			return err
		}
		slog.DebugContext(ctx, "Trigger event consumed", "event_type", ev.Type, "contact_id", ev.ContactID,
			"enrolled", len(res.Enrolled), "skipped", res.Skipped)
		return nil
	})
}

// ConsumeDeliveries feeds delivery callbacks from the bus to h until ctx ends.
func (b *Bus) ConsumeDeliveries(ctx context.Context, h DeliveryHandler) error {
	return b.consume(ctx, TopicDeliveries, func(ctx context.Context, msg *message.Message) error {
		if err := engine.DeliveryEventSchema.Validate(msg.Payload); err != nil {
			return drop(err)
		}
		var ev domain.DeliveryEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return drop(err)
		}
		_, err := h.HandleEvent(ctx, ev)
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, engine.ErrUnknownDeliveryEvent) {
			return drop(err)
		}
		return err
	})
}

// ConsumeNotifications hands every published notification to fn.
func (b *Bus) ConsumeNotifications(ctx context.Context, fn func(ctx context.Context, n domain.Notification) error) error {
	return b.consume(ctx, TopicNotifications, func(ctx context.Context, msg *message.Message) error {
		var n domain.Notification
		if err := json.Unmarshal(msg.Payload, &n); err != nil {
			return drop(err)
		}
		return fn(ctx, n)
	})
}

func (b *Bus) consume(ctx context.Context, topic string, handle func(context.Context, *message.Message) error) error {
	messages, err := b.subscriber.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	go func() {
		for msg := range messages {
			dispatch(ctx, topic, msg, handle)
		}
		slog.InfoContext(ctx, "Consumer stopped", "topic", topic)
	}()
	return nil
}

func dispatch(ctx context.Context, topic string, msg *message.Message, handle func(context.Context, *message.Message) error) {
	err := handle(ctx, msg)
	var u *unprocessable
	switch {
	case err == nil:
		msg.Ack()
	case errors.As(err, &u):
		slog.WarnContext(ctx, "Dropping unprocessable message", "topic", topic, "message_id", msg.UUID, "error", err)
		msg.Ack()
	default:
		slog.ErrorContext(ctx, "Failed to handle message, redelivering", "topic", topic, "message_id", msg.UUID, "error", err)
		select {
		case <-time.After(nackDelay):
		case <-ctx.Done():
		}
		msg.Nack()
	}
}
