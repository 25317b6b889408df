package controllers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/RealZimboGuy/campaignflow/internal/engine"
	"github.com/RealZimboGuy/campaignflow/internal/util"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/models"
)

type TriggerHandler interface {
	HandleEvent(ctx context.Context, ev domain.TriggerEvent) (*models.TriggerEventResponse, error)
}

type DeliveryHandler interface {
	HandleEvent(ctx context.Context, ev domain.DeliveryEvent) (*models.DeliveryEventResponse, error)
}

// EventPublisher puts events on the bus instead of handling them inline.
type EventPublisher interface {
	PublishTrigger(ctx context.Context, ev domain.TriggerEvent) error
	PublishDelivery(ctx context.Context, ev domain.DeliveryEvent) error
}

// EventsController accepts trigger events and Email Dispatch Service
// callbacks. The plain routes handle the event before answering; the /async
// routes only publish it to the bus.
type EventsController struct {
	Triggers   TriggerHandler
	Deliveries DeliveryHandler
	Publisher  EventPublisher // optional
}

func NewEventsController(triggers TriggerHandler, deliveries DeliveryHandler, publisher EventPublisher) *EventsController {
	return &EventsController{Triggers: triggers, Deliveries: deliveries, Publisher: publisher}
}

func decodeDocument[T any](r *http.Request, schema *engine.DocumentSchema) (T, error) {
	var zero T
	body, err := util.ReadBody(r)
	if err != nil {
		return zero, err
	}
	if err := schema.Validate(body); err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return zero, &engine.SchemaError{Document: "event", Problems: []string{err.Error()}}
	}
	return v, nil
}

func (c *EventsController) handleTriggerEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := decodeDocument[domain.TriggerEvent](r, engine.TriggerEventSchema)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	res, err := c.Triggers.HandleEvent(r.Context(), ev)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, res)
}

func (c *EventsController) handleDeliveryEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := decodeDocument[domain.DeliveryEvent](r, engine.DeliveryEventSchema)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	res, err := c.Deliveries.HandleEvent(r.Context(), ev)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, res)
}

func (c *EventsController) handlePublishTrigger(w http.ResponseWriter, r *http.Request) {
	if c.Publisher == nil {
		writeProblem(w, r, http.StatusServiceUnavailable, "bus_unavailable", "no event bus configured")
		return
	}
	ev, err := decodeDocument[domain.TriggerEvent](r, engine.TriggerEventSchema)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if err := c.Publisher.PublishTrigger(r.Context(), ev); err != nil {
		handleServiceError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusAccepted, models.PublishedEventResponse{Accepted: true})
}

func (c *EventsController) handlePublishDelivery(w http.ResponseWriter, r *http.Request) {
	if c.Publisher == nil {
		writeProblem(w, r, http.StatusServiceUnavailable, "bus_unavailable", "no event bus configured")
		return
	}
	ev, err := decodeDocument[domain.DeliveryEvent](r, engine.DeliveryEventSchema)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if err := c.Publisher.PublishDelivery(r.Context(), ev); err != nil {
		handleServiceError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusAccepted, models.PublishedEventResponse{Accepted: true})
}
