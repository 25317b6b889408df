package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/core"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/models"
)

const deliveryUpdateAttempts = 3

// DeliveryTracker folds Email Dispatch Service callbacks into delivery logs.
type DeliveryTracker struct {
	Deliveries DeliveryLogRepo
	Stats      *StatsAggregator
	Clock      core.Clock
}

func NewDeliveryTracker(deliveries DeliveryLogRepo, stats *StatsAggregator, clock core.Clock) *DeliveryTracker {
	return &DeliveryTracker{Deliveries: deliveries, Stats: stats, Clock: clock}
}

// HandleEvent applies ev with an optimistic update, re-reading the log when
// a concurrent callback changed it first.
func (t *DeliveryTracker) HandleEvent(ctx context.Context, ev domain.DeliveryEvent) (*models.DeliveryEventResponse, error) {
	switch ev.Event {
	case domain.DeliveryEventDelivered, domain.DeliveryEventOpened, domain.DeliveryEventClicked, domain.DeliveryEventBounced:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDeliveryEvent, ev.Event)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = t.Clock.Now()
	}

	for attempt := 0; attempt < deliveryUpdateAttempts; attempt++ {
		l, err := t.Deliveries.FindByDeliveryID(ctx, ev.DeliveryID)
		if err != nil {
			return nil, err
		}
		prev := l.Modified
		if !l.Apply(ev.Event, ts.UTC(), ev.Revenue) {
			return &models.DeliveryEventResponse{DeliveryID: l.DeliveryID, Status: l.Status}, nil
		}
		l.Modified = t.Clock.Now().UTC().Truncate(time.Millisecond)
		if !l.Modified.After(prev) {
			l.Modified = prev.Add(time.Millisecond)
		}
		ok, err := t.Deliveries.UpdateIfUnmodified(ctx, l, prev)
		if err != nil {
			return nil, err
		}
		if !ok {
			slog.DebugContext(ctx, "Delivery log changed concurrently, retrying", "delivery_id", ev.DeliveryID, "attempt", attempt+1)
			continue
		}
		slog.InfoContext(ctx, "Delivery event applied", "delivery_id", ev.DeliveryID, "event", ev.Event, "status", l.Status, "enrollment_id", l.EnrollmentID)
		if ev.Revenue > 0 {
			t.Stats.Record(ctx, l.DefinitionID, domain.StatsDelta{Revenue: ev.Revenue})
		}
		return &models.DeliveryEventResponse{DeliveryID: l.DeliveryID, Status: l.Status, Changed: true}, nil
	}
	return nil, fmt.Errorf("delivery %s: %w", ev.DeliveryID, ErrDeliveryConflict)
}
