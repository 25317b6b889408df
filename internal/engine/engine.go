package engine

import (
	"fmt"
	"time"

	"github.com/RealZimboGuy/campaignflow/internal/config"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/core"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/models"
)

// Dependencies are the stores and collaborators the engine runs against.
type Dependencies struct {
	Definitions DefinitionRepo
	Enrollments EnrollmentRepo
	Deliveries  DeliveryLogRepo
	Executors   ExecutorRepo
	Contacts    ContactStore
	Email       EmailDispatcher
	Webhooks    WebhookCaller
	Notifier    Notifier
	Clock       core.Clock
}

// Engine groups the wired components.
type Engine struct {
	Matcher     *TriggerMatcher
	Tracker     *DeliveryTracker
	Definitions *DefinitionService
	Scheduler   *Scheduler
	Runner      *Runner
	Stats       *StatsAggregator
}

func New(deps Dependencies, settings config.EngineSettings, executorName string) (*Engine, error) {
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		return nil, fmt.Errorf("engine timezone: %w", err)
	}
	if deps.Clock == nil {
		deps.Clock = core.NewRealClock()
	}

	stats := NewStatsAggregator(deps.Definitions)
	executor := &StepExecutor{
		Contacts:    deps.Contacts,
		Email:       deps.Email,
		Webhooks:    deps.Webhooks,
		Notifier:    deps.Notifier,
		Conditions:  NewConditionEvaluator(deps.Contacts, deps.Deliveries),
		CallTimeout: settings.CallTimeout,
		Location:    loc,
	}
	runner := &Runner{
		Definitions: deps.Definitions,
		Enrollments: deps.Enrollments,
		Contacts:    deps.Contacts,
		Executor:    executor,
		Stats:       stats,
		Clock:       deps.Clock,
		Retry: models.RetryConfig{
			MaxAttempts:      settings.MaxAttempts,
			RetryIntervalMin: settings.RetryMin,
			RetryIntervalMax: settings.RetryMax,
		},
		Lease:    settings.ClaimLease,
		MaxSteps: settings.MaxStepsPerRun,
		Location: loc,
	}
	scheduler := NewScheduler(deps.Enrollments, deps.Definitions, deps.Executors, runner, deps.Clock, settings, executorName)

	matcher := NewTriggerMatcher(deps.Definitions, deps.Enrollments, deps.Contacts, stats, deps.Clock)
	matcher.OnEnrolled = scheduler.Wakeup
	definitions := NewDefinitionService(deps.Definitions, deps.Enrollments, stats, deps.Clock)
	definitions.OnResume = scheduler.Wakeup

	return &Engine{
		Matcher:     matcher,
		Tracker:     NewDeliveryTracker(deps.Deliveries, stats, deps.Clock),
		Definitions: definitions,
		Scheduler:   scheduler,
		Runner:      runner,
		Stats:       stats,
	}, nil
}
