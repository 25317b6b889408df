package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/RealZimboGuy/campaignflow/internal/config"
	"github.com/RealZimboGuy/campaignflow/internal/telemetry"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/core"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

// claimedEnrollment is a unit of work handed to a worker. The claim is
// already held under token.
type claimedEnrollment struct {
	enrollment *domain.Enrollment
	token      string
}

// Scheduler scans for due enrollments, claims them and feeds the workers.
type Scheduler struct {
	Enrollments  EnrollmentRepo
	Definitions  DefinitionRepo
	Executors    ExecutorRepo
	Runner       *Runner
	Clock        core.Clock
	Settings     config.EngineSettings
	ExecutorName string

	executorID int64
	wakeup     chan struct{}
	queue      chan claimedEnrollment
}

func NewScheduler(enrollments EnrollmentRepo, definitions DefinitionRepo, executors ExecutorRepo, runner *Runner,
	clock core.Clock, settings config.EngineSettings, executorName string) *Scheduler {
	batch := settings.BatchSize
	if batch <= 0 {
		batch = 10
	}
	return &Scheduler{
		Enrollments:  enrollments,
		Definitions:  definitions,
		Executors:    executors,
		Runner:       runner,
		Clock:        clock,
		Settings:     settings,
		ExecutorName: executorName,
		wakeup:       make(chan struct{}, 1),
		queue:        make(chan claimedEnrollment, batch),
	}
}

// ListExecutors returns recent executors ordered by last_active desc.
func (s *Scheduler) ListExecutors(ctx context.Context, limit int) ([]*domain.Executor, error) {
	return s.Executors.GetExecutorsByLastActive(ctx, limit)
}

// Start registers this executor, starts the workers and scans until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.registerExecutor(ctx)
	go s.repairLoop(ctx)

	workers := s.Settings.ExecutorSize
	if workers <= 0 {
		workers = 1
	}
	slog.InfoContext(ctx, "Starting campaign scheduler", "workers", workers, "queue_size", cap(s.queue), "executor_id", s.executorID)
	for i := 0; i < workers; i++ {
		workerCtx := context.WithValue(ctx, core.CtxKeyWorkerId, i)
		go Worker(workerCtx, i, s.Runner, s.queue)
	}

	interval := s.Settings.ScanInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.InfoContext(ctx, "Campaign scheduler started", "scan_interval", interval.String())

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Campaign scheduler stopping due to context cancel")
			return
		case <-ticker.C:
			s.scan(ctx)
		case <-s.wakeup:
			s.scan(ctx)
		}
	}
}

// Wakeup triggers a scan without waiting for the next tick.
func (s *Scheduler) Wakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// scan claims due enrollments and queues them for the workers.
func (s *Scheduler) scan(ctx context.Context) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.scan")
	defer span.End()

	free := cap(s.queue) - len(s.queue)
	if free <= 0 {
		slog.WarnContext(ctx, "Enrollment queue full, skipping scan, possibly long running steps")
		return
	}
	for _, c := range s.claimDue(ctx, free) {
		s.queue <- c
	}
}

// RunDue claims and runs every due enrollment on the calling goroutine.
// It returns how many enrollments were run.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	batch := s.Settings.BatchSize
	if batch <= 0 {
		batch = 10
	}
	ran := 0
	for {
		claimed := s.claimDue(ctx, batch)
		if len(claimed) == 0 {
			return ran, nil
		}
		for _, c := range claimed {
			if err := s.Runner.Run(ctx, c.enrollment, c.token); err != nil && !IsClaimConflict(err) {
				return ran, err
			}
			ran++
		}
	}
}

func (s *Scheduler) claimDue(ctx context.Context, limit int) []claimedEnrollment {
	now := s.Clock.Now()
	due, err := s.Enrollments.FindDue(ctx, now, limit)
	if err != nil {
		slog.ErrorContext(ctx, "Error fetching due enrollments", "error", err)
		return nil
	}
	var out []claimedEnrollment
	for _, e := range due {
		token := fmt.Sprintf("%d-%s", s.executorID, uuid.NewString())
		ok, err := s.Enrollments.Claim(ctx, e.ID, token, now, s.lease())
		if err != nil {
			slog.ErrorContext(ctx, "Error claiming enrollment", "enrollment_id", e.ID, "error", err)
			continue
		}
		if !ok {
			slog.DebugContext(ctx, "Enrollment claimed elsewhere", "enrollment_id", e.ID, "error", &SchedulerClaimConflict{EnrollmentID: e.ID})
			continue
		}
		e.ClaimedBy.String, e.ClaimedBy.Valid = token, true
		out = append(out, claimedEnrollment{enrollment: e, token: token})
	}
	return out
}

// Repair clears expired claims and reactivates paused enrollments whose
// definition is active again.
func (s *Scheduler) Repair(ctx context.Context) {
	now := s.Clock.Now()
	n, err := s.Enrollments.ReleaseExpiredClaims(ctx, now)
	if err != nil {
		slog.ErrorContext(ctx, "Error releasing expired claims", "error", err)
	} else if n > 0 {
		slog.WarnContext(ctx, "Released expired enrollment claims", "count", n)
	}

	defs, err := s.Definitions.FindAll(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Error listing definitions for repair", "error", err)
		return
	}
	for _, def := range defs {
		if def.Status != domain.DefinitionActive {
			continue
		}
		n, err := s.Enrollments.SetStatusForDefinition(ctx, def.ID, domain.EnrollmentPaused, domain.EnrollmentActive, now)
		if err != nil {
			slog.ErrorContext(ctx, "Error reactivating paused enrollments", "definition_id", def.ID, "error", err)
			continue
		}
		if n > 0 {
			slog.WarnContext(ctx, "Reactivated paused enrollments of active definition", "definition_id", def.ID, "count", n)
		}
	}
}

func (s *Scheduler) repairLoop(ctx context.Context) {
	interval := s.Settings.ClaimRepairInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Claim repair service stopping due to context cancel")
			return
		case <-ticker.C:
			s.Repair(ctx)
		}
	}
}

func (s *Scheduler) registerExecutor(ctx context.Context) {
	now := s.Clock.Now()
	id, err := s.Executors.Save(ctx, &domain.Executor{Name: s.ExecutorName, Started: now, LastActive: now})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to register executor", "error", err)
		return
	}
	s.executorID = id
	slog.InfoContext(ctx, "Registered executor", "executor_id", id, "name", s.ExecutorName)

	interval := s.Settings.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		hb := time.NewTicker(interval)
		defer hb.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hb.C:
				if err := s.Executors.UpdateLastActive(ctx, id, s.Clock.Now()); err != nil {
					slog.ErrorContext(ctx, "Failed to update executor last_active", "executor_id", id, "error", err)
				}
			}
		}
	}()
}

func (s *Scheduler) lease() time.Duration {
	if s.Settings.ClaimLease <= 0 {
		return 2 * time.Minute
	}
	return s.Settings.ClaimLease
}
