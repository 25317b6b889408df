package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/core"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

// DefinitionService owns the definition life-cycle and propagates status
// changes to enrollments.
type DefinitionService struct {
	Definitions DefinitionRepo
	Enrollments EnrollmentRepo
	Stats       *StatsAggregator
	Clock       core.Clock
	// OnResume is called after paused enrollments were reactivated.
	OnResume func()
}

func NewDefinitionService(definitions DefinitionRepo, enrollments EnrollmentRepo, stats *StatsAggregator, clock core.Clock) *DefinitionService {
	return &DefinitionService{Definitions: definitions, Enrollments: enrollments, Stats: stats, Clock: clock}
}

func (s *DefinitionService) Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	return s.Definitions.FindByID(ctx, id)
}

func (s *DefinitionService) List(ctx context.Context) ([]*domain.WorkflowDefinition, error) {
	return s.Definitions.FindAll(ctx)
}

// Create validates and stores a new definition. It starts as a draft unless
// it asks to be active.
func (s *DefinitionService) Create(ctx context.Context, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	switch def.Status {
	case "":
		def.Status = domain.DefinitionDraft
	case domain.DefinitionDraft, domain.DefinitionActive:
	default:
		return nil, fmt.Errorf("%w: cannot create a %s definition", ErrInvalidTransition, def.Status)
	}
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := s.Clock.Now()
	def.Created, def.Updated = now, now
	def.Stats = domain.Stats{}
	if err := s.Definitions.Save(ctx, def); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Workflow definition created", "definition_id", def.ID, "name", def.Name, "status", def.Status)
	return def, nil
}

// Update replaces the graph, trigger and settings of a draft or paused
// definition. Status and stats are kept.
func (s *DefinitionService) Update(ctx context.Context, id string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	existing, err := s.Definitions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Status != domain.DefinitionDraft && existing.Status != domain.DefinitionPaused {
		return nil, ErrDefinitionNotEditable
	}
	def.ID = id
	def.Status = existing.Status
	def.Stats = existing.Stats
	def.Created = existing.Created
	if def.OwnerID == "" {
		def.OwnerID = existing.OwnerID
	}
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	def.Updated = s.Clock.Now()
	if err := s.Definitions.Save(ctx, def); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Workflow definition updated", "definition_id", id)
	return def, nil
}

// SetStatus moves a definition through draft -> active <-> paused -> archived
// and applies the change to its enrollments.
func (s *DefinitionService) SetStatus(ctx context.Context, id string, to domain.DefinitionStatus) (*domain.WorkflowDefinition, error) {
	def, err := s.Definitions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	from := def.Status
	if from == to {
		return def, nil
	}
	if !transitionAllowed(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to == domain.DefinitionActive {
		if err := ValidateDefinition(def); err != nil {
			return nil, err
		}
	}

	now := s.Clock.Now()
	if err := s.Definitions.UpdateStatus(ctx, id, to, now); err != nil {
		return nil, err
	}
	def.Status, def.Updated = to, now

	switch {
	case to == domain.DefinitionPaused:
		n, err := s.Enrollments.SetStatusForDefinition(ctx, id, domain.EnrollmentActive, domain.EnrollmentPaused, now)
		if err != nil {
			return def, fmt.Errorf("pause enrollments: %w", err)
		}
		slog.InfoContext(ctx, "Workflow definition paused", "definition_id", id, "enrollments_paused", n)
	case to == domain.DefinitionActive && from == domain.DefinitionPaused:
		n, err := s.Enrollments.SetStatusForDefinition(ctx, id, domain.EnrollmentPaused, domain.EnrollmentActive, now)
		if err != nil {
			return def, fmt.Errorf("resume enrollments: %w", err)
		}
		slog.InfoContext(ctx, "Workflow definition resumed", "definition_id", id, "enrollments_resumed", n)
		if n > 0 && s.OnResume != nil {
			s.OnResume()
		}
	case to == domain.DefinitionArchived:
		n, err := s.Enrollments.ExitAllForDefinition(ctx, id, domain.ExitReasonWorkflowArchived, now)
		if err != nil {
			return def, fmt.Errorf("exit enrollments: %w", err)
		}
		s.Stats.Record(ctx, id, domain.StatsDelta{Active: -n, Exited: n})
		slog.InfoContext(ctx, "Workflow definition archived", "definition_id", id, "enrollments_exited", n)
	default:
		slog.InfoContext(ctx, "Workflow definition status changed", "definition_id", id, "from", from, "to", to)
	}
	return def, nil
}

func transitionAllowed(from, to domain.DefinitionStatus) bool {
	switch from {
	case domain.DefinitionDraft:
		return to == domain.DefinitionActive || to == domain.DefinitionArchived
	case domain.DefinitionActive:
		return to == domain.DefinitionPaused || to == domain.DefinitionArchived
	case domain.DefinitionPaused:
		return to == domain.DefinitionActive || to == domain.DefinitionArchived
	}
	return false
}
