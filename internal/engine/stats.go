package engine

import (
	"context"
	"log/slog"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

// StatsAggregator applies counter increments to definitions. Failures are
// logged and never reach the enrollment that caused them.
type StatsAggregator struct {
	Definitions DefinitionRepo
}

func NewStatsAggregator(definitions DefinitionRepo) *StatsAggregator {
	return &StatsAggregator{Definitions: definitions}
}

func (s *StatsAggregator) Record(ctx context.Context, definitionID string, delta domain.StatsDelta) {
	if s == nil || delta.IsZero() {
		return
	}
	if err := s.Definitions.IncrementStats(ctx, definitionID, delta); err != nil {
		slog.WarnContext(ctx, "Failed to update definition stats", "definition_id", definitionID, "error", err)
	}
}

// TransitionDelta is the counter change for an enrollment moving from one
// status to another. Pausing leaves the counters alone.
func TransitionDelta(from, to domain.EnrollmentStatus) domain.StatsDelta {
	var d domain.StatsDelta
	if from == to || from.IsTerminal() || !to.IsTerminal() {
		return d
	}
	d.Active = -1
	switch to {
	case domain.EnrollmentCompleted:
		d.Completed = 1
	case domain.EnrollmentExited:
		d.Exited = 1
	case domain.EnrollmentFailed:
		d.Failed = 1
	}
	return d
}

func addDelta(a, b domain.StatsDelta) domain.StatsDelta {
	return domain.StatsDelta{
		Entered:      a.Entered + b.Entered,
		Active:       a.Active + b.Active,
		Completed:    a.Completed + b.Completed,
		Exited:       a.Exited + b.Exited,
		Failed:       a.Failed + b.Failed,
		GoalsReached: a.GoalsReached + b.GoalsReached,
		EmailsSent:   a.EmailsSent + b.EmailsSent,
		Revenue:      a.Revenue + b.Revenue,
	}
}
