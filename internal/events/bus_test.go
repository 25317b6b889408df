package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/campaignflow/internal/config"
	"github.com/RealZimboGuy/campaignflow/internal/repository"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/models"
)

type recordingTriggers struct {
	mu     sync.Mutex
	events []domain.TriggerEvent
	fail   int
}

func (r *recordingTriggers) HandleEvent(_ context.Context, ev domain.TriggerEvent) (*models.TriggerEventResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return nil, errors.New("database unavailable")
	}
	r.events = append(r.events, ev)
	return &models.TriggerEventResponse{Enrolled: []string{"enr-1"}}, nil
}

func (r *recordingTriggers) received() []domain.TriggerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TriggerEvent(nil), r.events...)
}

type deliveryFunc func(ctx context.Context, ev domain.DeliveryEvent) (*models.DeliveryEventResponse, error)

func (f deliveryFunc) HandleEvent(ctx context.Context, ev domain.DeliveryEvent) (*models.DeliveryEventResponse, error) {
	return f(ctx, ev)
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := NewGoChannelBus(watermill.NopLogger{})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBus_TriggerRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBus(t)
	h := &recordingTriggers{}
	require.NoError(t, b.ConsumeTriggers(ctx, h))

	require.NoError(t, b.PublishTrigger(ctx, domain.TriggerEvent{
		Type:      "contact_created",
		ContactID: "c-1",
		Payload:   map[string]any{"source": "landing"},
	}))

	require.Eventually(t, func() bool { return len(h.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := h.received()[0]
	assert.Equal(t, "contact_created", got.Type)
	assert.Equal(t, "c-1", got.ContactID)
	assert.Equal(t, "landing", got.Payload["source"])
}

func TestBus_DropsInvalidTriggerAndContinues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBus(t)
	h := &recordingTriggers{}
	require.NoError(t, b.ConsumeTriggers(ctx, h))

	bad := message.NewMessage(watermill.NewUUID(), []byte(`{"type":"contact_created"}`))
	require.NoError(t, b.publisher.Publish(TopicTriggers, bad))
	require.NoError(t, b.PublishTrigger(ctx, domain.TriggerEvent{Type: "contact_created", ContactID: "c-2"}))

	require.Eventually(t, func() bool { return len(h.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "c-2", h.received()[0].ContactID)
}

func TestBus_RedeliversOnHandlerError(t *testing.T) {
	prev := nackDelay
	nackDelay = 10 * time.Millisecond
	defer func() { nackDelay = prev }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBus(t)
	h := &recordingTriggers{fail: 2}
	require.NoError(t, b.ConsumeTriggers(ctx, h))

	require.NoError(t, b.PublishTrigger(ctx, domain.TriggerEvent{Type: "purchase", ContactID: "c-1"}))

	require.Eventually(t, func() bool { return len(h.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestBus_DeliveryForUnknownLogIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBus(t)

	var mu sync.Mutex
	var seen []string
	h := deliveryFunc(func(_ context.Context, ev domain.DeliveryEvent) (*models.DeliveryEventResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.DeliveryID)
		if ev.DeliveryID == "missing" {
			return nil, repository.ErrNotFound
		}
		return &models.DeliveryEventResponse{DeliveryID: ev.DeliveryID, Status: domain.DeliveryOpened, Changed: true}, nil
	})
	require.NoError(t, b.ConsumeDeliveries(ctx, h))

	require.NoError(t, b.PublishDelivery(ctx, domain.DeliveryEvent{DeliveryID: "missing", Event: domain.DeliveryEventOpened}))
	require.NoError(t, b.PublishDelivery(ctx, domain.DeliveryEvent{DeliveryID: "d-1", Event: domain.DeliveryEventOpened}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"missing", "d-1"}, seen)
}

func TestBus_NotifyPublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBus(t)

	got := make(chan domain.Notification, 1)
	require.NoError(t, b.ConsumeNotifications(ctx, func(_ context.Context, n domain.Notification) error {
		got <- n
		return nil
	}))

	require.NoError(t, b.Notify(ctx, domain.Notification{EnrollmentID: "enr-1", StepID: "notify", Message: "high value lead"}))

	select {
	case n := <-got:
		assert.Equal(t, "enr-1", n.EnrollmentID)
		assert.Equal(t, "high value lead", n.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not received")
	}
}

func TestNew_SelectsTransport(t *testing.T) {
	b, err := New(&config.Settings{EventBus: config.EVENT_BUS_GOCHANNEL}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = New(&config.Settings{EventBus: "carrier-pigeon"}, slog.Default())
	assert.Error(t, err)
}
