package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/RealZimboGuy/campaignflow/internal/repository"
	"github.com/RealZimboGuy/campaignflow/internal/telemetry"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/core"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/models"
)

// Runner advances one claimed enrollment until it waits, terminates or hits
// the step budget. Every step outcome is committed under the claim token.
type Runner struct {
	Definitions DefinitionRepo
	Enrollments EnrollmentRepo
	Contacts    ContactStore
	Executor    *StepExecutor
	Stats       *StatsAggregator
	Clock       core.Clock
	Retry       models.RetryConfig
	Lease       time.Duration
	MaxSteps    int
	Location    *time.Location
}

// run carries the per-claim state between commits.
type run struct {
	ec           *ExecutionContext
	token        string
	pending      []domain.HistoryEntry
	pendingStats domain.StatsDelta
}

func (r *Runner) Run(ctx context.Context, e *domain.Enrollment, token string) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.run_enrollment", trace.WithAttributes(
		telemetry.EnrollmentIDKey.String(e.ID),
		telemetry.DefinitionIDKey.String(e.DefinitionID),
		telemetry.ContactIDKey.String(e.ContactID),
	))
	defer func() {
		if err != nil && !IsClaimConflict(err) {
			telemetry.SetError(span, err)
		}
		span.End()
	}()

	// a queued claim may have expired and been taken by another worker
	if err := r.renewClaim(ctx, e, token); err != nil {
		return err
	}
	def, err := r.Definitions.FindByID(ctx, e.DefinitionID)
	if err != nil {
		r.release(ctx, e, token)
		return fmt.Errorf("load definition %s: %w", e.DefinitionID, err)
	}
	history, err := r.Enrollments.History(ctx, e.ID)
	if err != nil {
		r.release(ctx, e, token)
		return fmt.Errorf("load history of %s: %w", e.ID, err)
	}

	rn := &run{
		ec:    &ExecutionContext{Definition: def, Enrollment: e, History: history},
		token: token,
	}
	for i := 0; i < r.maxSteps(); i++ {
		if i > 0 {
			if err := r.renewClaim(ctx, e, token); err != nil {
				return err
			}
			status, err := r.Definitions.FindStatus(ctx, def.ID)
			if err != nil {
				r.release(ctx, e, token)
				return fmt.Errorf("reload definition status: %w", err)
			}
			def.Status = status
		}
		rn.ec.Reset(r.Clock.Now())

		done, err := r.step(ctx, rn)
		if err != nil || done {
			return err
		}
	}

	slog.WarnContext(ctx, "Step budget exhausted, yielding", "enrollment_id", e.ID, "max_steps", r.maxSteps())
	e.NextActionAt = sql.NullTime{Time: r.Clock.Now(), Valid: true}
	return r.commit(ctx, rn, nil, true)
}

// step runs the checks and the step at the current pointer. done reports
// that the claim has been released.
func (r *Runner) step(ctx context.Context, rn *run) (bool, error) {
	ec := rn.ec
	e, def := ec.Enrollment, ec.Definition

	switch def.Status {
	case domain.DefinitionArchived:
		return true, r.finish(ctx, rn, domain.EnrollmentExited, domain.ExitReasonWorkflowArchived, nil)
	case domain.DefinitionPaused, domain.DefinitionDraft:
		slog.InfoContext(ctx, "Definition not active, pausing enrollment", "enrollment_id", e.ID, "definition_id", def.ID, "status", def.Status)
		e.Status = domain.EnrollmentPaused
		return true, r.commit(ctx, rn, nil, true)
	}

	if !e.CurrentStep.Valid {
		e.CurrentStep = sql.NullString{String: def.EntryStepID(), Valid: true}
	}
	if done, err := r.checkExitAndGoal(ctx, rn); done || err != nil {
		return true, err
	}

	step, ok := def.StepByID(e.CurrentStep.String)
	if !ok {
		return true, r.fail(ctx, rn, nil, &StepConfigError{StepID: e.CurrentStep.String, Err: errors.New("step does not exist")})
	}

	if done, err := r.deferToWindow(ctx, rn, step); done || err != nil {
		return true, err
	}

	res, err := r.Executor.Execute(ctx, ec, step)
	if err != nil {
		return r.handleError(ctx, rn, step, err)
	}
	return r.apply(ctx, rn, res)
}

func (r *Runner) apply(ctx context.Context, rn *run, res *ExecutionResult) (bool, error) {
	e := rn.ec.Enrollment
	rn.pending = append(rn.pending, res.History...)
	rn.pendingStats = addDelta(rn.pendingStats, res.Stats)
	e.Attempts = 0
	e.LastError = sql.NullString{}

	switch {
	case res.Terminal != "":
		return true, r.finish(ctx, rn, res.Terminal, domain.ExitReasonCompleted, res.DeliveryLogs)
	case !res.WaitUntil.IsZero():
		e.NextActionAt = sql.NullTime{Time: res.WaitUntil, Valid: true}
		slog.InfoContext(ctx, "Enrollment waiting", "enrollment_id", e.ID, "step_id", e.CurrentStep.String, "next_action_at", res.WaitUntil)
		return true, r.commit(ctx, rn, res.DeliveryLogs, true)
	}
	slog.DebugContext(ctx, "Advancing enrollment", "enrollment_id", e.ID, "from", e.CurrentStep.String, "to", res.NextStep)
	e.CurrentStep = sql.NullString{String: res.NextStep, Valid: true}
	e.NextActionAt = sql.NullTime{Time: rn.ec.Now, Valid: true}
	return false, r.commit(ctx, rn, res.DeliveryLogs, false)
}

// handleError applies the error taxonomy: config faults and unknown contacts
// fail the enrollment, everything else is retried with backoff and then
// skipped or failed per the step's policy.
func (r *Runner) handleError(ctx context.Context, rn *run, step *domain.Step, err error) (bool, error) {
	e := rn.ec.Enrollment
	if IsStepConfigError(err) || errors.Is(err, ErrContactNotFound) {
		return true, r.fail(ctx, rn, step, err)
	}

	if scheduled, cerr := r.retryLater(ctx, rn, step.ID, err); scheduled || cerr != nil {
		return true, cerr
	}

	if !continueOnError(step) {
		return true, r.fail(ctx, rn, step, err)
	}
	slog.WarnContext(ctx, "Retries exhausted, skipping step", "enrollment_id", e.ID, "step_id", step.ID, "attempts", e.Attempts, "error", err)
	res := advanceTo(step.Next())
	res.record(rn.ec, step, domain.ActionSkipped, map[string]any{"error": err.Error(), "attempts": e.Attempts})
	return r.apply(ctx, rn, res)
}

// retryLater counts a failed attempt and schedules the next one. It reports
// false once the attempts are used up and leaves the outcome to the caller.
func (r *Runner) retryLater(ctx context.Context, rn *run, stepID string, cause error) (bool, error) {
	e := rn.ec.Enrollment
	e.Attempts++
	e.LastError = sql.NullString{String: cause.Error(), Valid: true}
	if r.Retry.Exhausted(e.Attempts) {
		return false, nil
	}
	wait := r.Retry.Backoff(e.Attempts)
	e.NextActionAt = sql.NullTime{Time: rn.ec.Now.Add(wait), Valid: true}
	slog.WarnContext(ctx, "Step failed, scheduling retry", "enrollment_id", e.ID, "step_id", stepID, "attempt", e.Attempts, "retry_in", wait.String(), "error", cause)
	return true, r.commit(ctx, rn, nil, true)
}

func (r *Runner) checkExitAndGoal(ctx context.Context, rn *run) (bool, error) {
	ec := rn.ec
	e := ec.Enrollment
	s := ec.Definition.Settings
	if !s.ExitOnUnsubscribe && !s.ExitOnPurchase && (s.GoalType == "" || e.GoalReached) {
		return false, nil
	}
	contact, err := ec.Contact(ctx, r.Contacts)
	if err != nil {
		if errors.Is(err, ErrContactNotFound) {
			return true, r.fail(ctx, rn, nil, err)
		}
		err = fmt.Errorf("contact lookup: %w", err)
		if scheduled, cerr := r.retryLater(ctx, rn, e.CurrentStep.String, err); scheduled || cerr != nil {
			return true, cerr
		}
		return true, r.fail(ctx, rn, nil, err)
	}

	if s.ExitOnUnsubscribe && contact.Unsubscribed {
		return true, r.finish(ctx, rn, domain.EnrollmentExited, domain.ExitReasonUnsubscribed, nil)
	}
	if s.ExitOnPurchase && contact.PurchasedSince(e.Created) {
		return true, r.finish(ctx, rn, domain.EnrollmentExited, domain.ExitReasonPurchased, nil)
	}

	if s.GoalType == "" || e.GoalReached {
		return false, nil
	}
	reached, value := r.goalMet(ctx, ec, contact)
	if !reached {
		return false, nil
	}
	e.GoalReached = true
	e.GoalReachedAt = sql.NullTime{Time: ec.Now, Valid: true}
	data := map[string]any{"goalType": string(s.GoalType)}
	if value != nil {
		e.GoalValue = sql.NullFloat64{Float64: *value, Valid: true}
		data["value"] = *value
	}
	rn.pending = append(rn.pending, domain.HistoryEntry{
		EnrollmentID: e.ID,
		StepID:       e.CurrentStep.String,
		Action:       domain.ActionGoalReached,
		Timestamp:    ec.Now,
		Data:         data,
	})
	rn.pendingStats.GoalsReached++
	slog.InfoContext(ctx, "Goal reached", "enrollment_id", e.ID, "goal_type", s.GoalType)
	if s.ExitOnGoal {
		return true, r.finish(ctx, rn, domain.EnrollmentCompleted, domain.ExitReasonGoalReached, nil)
	}
	return false, nil
}

func (r *Runner) goalMet(ctx context.Context, ec *ExecutionContext, contact *domain.Contact) (bool, *float64) {
	s := ec.Definition.Settings
	switch s.GoalType {
	case domain.GoalPurchase:
		if contact.PurchasedSince(ec.Enrollment.Created) {
			v := contact.LastPurchaseAmount
			return true, &v
		}
	case domain.GoalTagAdded:
		return contact.HasTag(s.GoalTag), nil
	case domain.GoalCustom:
		actual, found, err := ec.resolveConditionField(ctx, r.Contacts, s.GoalField)
		if err == nil {
			var ok bool
			ok, err = Compare(s.GoalOperator, actual, found, s.GoalValue)
			if ok {
				if f, isNum := toFloat(actual); isNum {
					return true, &f
				}
				return true, nil
			}
		}
		if err != nil {
			slog.WarnContext(ctx, "Goal evaluation failed", "enrollment_id", ec.Enrollment.ID, "error", err)
		}
	}
	return false, nil
}

// deferToWindow holds email and action steps until the sending window opens.
func (r *Runner) deferToWindow(ctx context.Context, rn *run, step *domain.Step) (bool, error) {
	ec := rn.ec
	window := ec.Definition.Settings.SendingWindow
	if window == nil || (step.Type != domain.StepEmail && step.Type != domain.StepAction) {
		return false, nil
	}
	if ec.hasEntry(step.ID, domain.ActionCompleted) {
		return false, nil
	}
	sw, err := NewSendingWindow(window, r.location())
	if err != nil {
		return true, r.fail(ctx, rn, step, &StepConfigError{StepID: step.ID, Err: err})
	}
	at, err := sw.NextOpening(ec.Now)
	if err != nil {
		return true, r.fail(ctx, rn, step, &StepConfigError{StepID: step.ID, Err: err})
	}
	if !at.After(ec.Now) {
		return false, nil
	}
	e := ec.Enrollment
	e.NextActionAt = sql.NullTime{Time: at, Valid: true}
	rn.pending = append(rn.pending, domain.HistoryEntry{
		EnrollmentID: e.ID,
		StepID:       step.ID,
		StepType:     step.Type,
		Action:       domain.ActionDeferred,
		Timestamp:    ec.Now,
		Data:         map[string]any{"resumeAt": at.Format(time.RFC3339Nano)},
	})
	slog.InfoContext(ctx, "Outside sending window, deferring", "enrollment_id", e.ID, "step_id", step.ID, "resume_at", at)
	return true, r.commit(ctx, rn, nil, true)
}

func (r *Runner) fail(ctx context.Context, rn *run, step *domain.Step, cause error) error {
	e := rn.ec.Enrollment
	entry := domain.HistoryEntry{
		EnrollmentID: e.ID,
		StepID:       e.CurrentStep.String,
		Action:       domain.ActionFailed,
		Timestamp:    rn.ec.Now,
		Data:         map[string]any{"error": cause.Error()},
	}
	if step != nil {
		entry.StepID, entry.StepType = step.ID, step.Type
	}
	rn.pending = append(rn.pending, entry)
	e.LastError = sql.NullString{String: cause.Error(), Valid: true}
	slog.ErrorContext(ctx, "Enrollment failed", "enrollment_id", e.ID, "step_id", entry.StepID, "error", cause)
	return r.finish(ctx, rn, domain.EnrollmentFailed, domain.ExitReasonFailed, nil)
}

// finish moves the enrollment to a terminal status and releases the claim.
func (r *Runner) finish(ctx context.Context, rn *run, status domain.EnrollmentStatus, reason string, logs []*domain.DeliveryLog) error {
	e := rn.ec.Enrollment
	rn.pendingStats = addDelta(rn.pendingStats, TransitionDelta(e.Status, status))
	e.Status = status
	e.ExitedAt = sql.NullTime{Time: rn.ec.Now, Valid: true}
	e.ExitReason = sql.NullString{String: reason, Valid: true}
	e.NextActionAt = sql.NullTime{}
	if status == domain.EnrollmentCompleted {
		e.CurrentStep = sql.NullString{}
	}
	slog.InfoContext(ctx, "Enrollment finished", "enrollment_id", e.ID, "status", status, "reason", reason)
	return r.commit(ctx, rn, logs, true)
}

func (r *Runner) commit(ctx context.Context, rn *run, logs []*domain.DeliveryLog, release bool) error {
	e := rn.ec.Enrollment
	e.Modified = r.Clock.Now()
	err := r.Enrollments.Commit(ctx, rn.token, repository.EnrollmentCommit{
		Enrollment:   e,
		History:      rn.pending,
		DeliveryLogs: logs,
		Release:      release,
	})
	if err != nil {
		return r.claimErr(e, err)
	}
	rn.ec.History = append(rn.ec.History, rn.pending...)
	rn.pending = nil
	r.Stats.Record(ctx, e.DefinitionID, rn.pendingStats)
	rn.pendingStats = domain.StatsDelta{}
	return nil
}

func (r *Runner) release(ctx context.Context, e *domain.Enrollment, token string) {
	if err := r.Enrollments.Release(ctx, e.ID, token); err != nil {
		slog.ErrorContext(ctx, "Failed to release claim", "enrollment_id", e.ID, "error", err)
	}
}

// renewClaim proves the token still owns the row and pushes the lease a full
// term past now, so no side effect runs under a claim close to expiry.
func (r *Runner) renewClaim(ctx context.Context, e *domain.Enrollment, token string) error {
	until := r.Clock.Now().Add(r.lease())
	if err := r.Enrollments.ExtendClaim(ctx, e.ID, token, until); err != nil {
		return r.claimErr(e, err)
	}
	e.ClaimExpiresAt = sql.NullTime{Time: until, Valid: true}
	return nil
}

func (r *Runner) claimErr(e *domain.Enrollment, err error) error {
	if errors.Is(err, repository.ErrClaimLost) {
		return &SchedulerClaimConflict{EnrollmentID: e.ID}
	}
	return err
}

func (r *Runner) maxSteps() int {
	if r.MaxSteps <= 0 {
		return 200
	}
	return r.MaxSteps
}

func (r *Runner) lease() time.Duration {
	if r.Lease <= 0 {
		return 2 * time.Minute
	}
	return r.Lease
}

func (r *Runner) location() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}
