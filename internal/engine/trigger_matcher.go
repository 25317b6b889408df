package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/RealZimboGuy/campaignflow/internal/repository"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/core"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/models"
)

// TriggerMatcher turns incoming events into new enrollments. It never runs
// steps; new enrollments are due immediately and picked up by the Scheduler.
type TriggerMatcher struct {
	Definitions DefinitionRepo
	Enrollments EnrollmentRepo
	Contacts    ContactStore
	Stats       *StatsAggregator
	Clock       core.Clock
	// OnEnrolled is called after at least one enrollment was created.
	OnEnrolled func()
}

func NewTriggerMatcher(definitions DefinitionRepo, enrollments EnrollmentRepo, contacts ContactStore, stats *StatsAggregator, clock core.Clock) *TriggerMatcher {
	return &TriggerMatcher{
		Definitions: definitions,
		Enrollments: enrollments,
		Contacts:    contacts,
		Stats:       stats,
		Clock:       clock,
	}
}

// HandleEvent evaluates every active definition listening for the event type.
// A malformed filter only drops the event for its own definition.
func (tm *TriggerMatcher) HandleEvent(ctx context.Context, ev domain.TriggerEvent) (*models.TriggerEventResponse, error) {
	defs, err := tm.Definitions.FindActiveByTriggerType(ctx, ev.Type)
	if err != nil {
		return nil, err
	}
	res := &models.TriggerEventResponse{Enrolled: []string{}}
	lookup := &contactLookup{store: tm.Contacts, id: ev.ContactID}

	for _, def := range defs {
		res.Evaluated++
		ok, err := tm.matches(ctx, def, ev, lookup)
		if err != nil {
			if IsTriggerMatchError(err) {
				slog.WarnContext(ctx, "Trigger filter rejected event", "definition_id", def.ID, "event_type", ev.Type, "error", err)
				res.FailedMatch++
				continue
			}
			return res, err
		}
		if !ok {
			res.Unmatched++
			continue
		}
		e, err := tm.enroll(ctx, def, ev)
		if err != nil {
			return res, err
		}
		if e == nil {
			res.Skipped++
			continue
		}
		res.Enrolled = append(res.Enrolled, e.ID)
	}
	if len(res.Enrolled) > 0 && tm.OnEnrolled != nil {
		tm.OnEnrolled()
	}
	return res, nil
}

func (tm *TriggerMatcher) matches(ctx context.Context, def *domain.WorkflowDefinition, ev domain.TriggerEvent, lookup *contactLookup) (bool, error) {
	payload := FieldSource{Name: "payload", Data: ev.Payload}
	for _, f := range def.Trigger.Filters {
		if !KnownOperator(f.Operator) {
			return false, &TriggerMatchError{DefinitionID: def.ID, Field: f.Field, Err: ErrUnknownOperator}
		}
		var contact *domain.Contact
		if needsContact(f.Field, payload) {
			c, err := lookup.get(ctx)
			if err != nil && !errors.Is(err, ErrContactNotFound) {
				return false, err
			}
			contact = c
		}
		actual, found := ResolveField(f.Field, contact, payload)
		ok, err := Compare(f.Operator, actual, found, f.Value)
		if err != nil {
			return false, &TriggerMatchError{DefinitionID: def.ID, Field: f.Field, Err: err}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// enroll applies the dedup and reentry policy and creates the enrollment.
// It returns nil when the policy says no.
func (tm *TriggerMatcher) enroll(ctx context.Context, def *domain.WorkflowDefinition, ev domain.TriggerEvent) (*domain.Enrollment, error) {
	now := tm.Clock.Now()
	existing, err := tm.Enrollments.FindByDefinitionAndContact(ctx, def.ID, ev.ContactID)
	if err != nil {
		return nil, err
	}
	if !reentryAllowed(def.Settings, existing, now) {
		slog.DebugContext(ctx, "Enrollment skipped by entry policy", "definition_id", def.ID, "contact_id", ev.ContactID)
		return nil, nil
	}

	e := &domain.Enrollment{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		ContactID:    ev.ContactID,
		Status:       domain.EnrollmentActive,
		NextActionAt: sql.NullTime{Time: now, Valid: true},
		EntryData:    ev.Payload,
		EntryNumber:  len(existing) + 1,
		Created:      now,
		Modified:     now,
	}
	if err := tm.Enrollments.Create(ctx, e); err != nil {
		if errors.Is(err, repository.ErrActiveEnrollmentExists) {
			return nil, nil
		}
		return nil, err
	}
	slog.InfoContext(ctx, "Contact enrolled", "definition_id", def.ID, "contact_id", ev.ContactID, "enrollment_id", e.ID)
	tm.Stats.Record(ctx, def.ID, domain.StatsDelta{Entered: 1, Active: 1})
	return e, nil
}

func reentryAllowed(s domain.Settings, existing []*domain.Enrollment, now time.Time) bool {
	if len(existing) == 0 {
		return true
	}
	var lastExit time.Time
	for _, e := range existing {
		if !e.Status.IsTerminal() {
			return false
		}
		if e.ExitedAt.Valid && e.ExitedAt.Time.After(lastExit) {
			lastExit = e.ExitedAt.Time
		}
	}
	if !s.AllowReentry {
		return false
	}
	if now.Before(lastExit.Add(s.ReentryDelay.Std())) {
		return false
	}
	return s.MaxEntriesPerContact <= 0 || len(existing) < s.MaxEntriesPerContact
}

// contactLookup fetches the contact at most once per event.
type contactLookup struct {
	store   ContactStore
	id      string
	fetched bool
	contact *domain.Contact
	err     error
}

func (l *contactLookup) get(ctx context.Context) (*domain.Contact, error) {
	if !l.fetched {
		l.contact, l.err = l.store.GetContact(ctx, l.id)
		l.fetched = true
	}
	return l.contact, l.err
}
