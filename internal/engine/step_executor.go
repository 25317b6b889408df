package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/RealZimboGuy/campaignflow/internal/telemetry"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

// ExecutionContext is the state one step runs against. The contact is
// fetched lazily and cached until Reset.
type ExecutionContext struct {
	Definition *domain.WorkflowDefinition
	Enrollment *domain.Enrollment
	History    []domain.HistoryEntry
	Now        time.Time

	contact        *domain.Contact
	contactErr     error
	contactFetched bool
}

func (ec *ExecutionContext) Contact(ctx context.Context, store ContactStore) (*domain.Contact, error) {
	if !ec.contactFetched {
		ec.contact, ec.contactErr = store.GetContact(ctx, ec.Enrollment.ContactID)
		ec.contactFetched = true
	}
	return ec.contact, ec.contactErr
}

// Reset drops the cached contact so the next step sees fresh data.
func (ec *ExecutionContext) Reset(now time.Time) {
	ec.Now = now
	ec.contact, ec.contactErr, ec.contactFetched = nil, nil, false
}

// hasEntry reports whether history already holds action for stepID. Graphs
// are acyclic so a step id appears in at most one progression.
func (ec *ExecutionContext) hasEntry(stepID string, action domain.HistoryAction) bool {
	for i := len(ec.History) - 1; i >= 0; i-- {
		if ec.History[i].StepID == stepID && ec.History[i].Action == action {
			return true
		}
	}
	return false
}

// ExecutionResult is the outcome of one step. A zero WaitUntil with an
// empty Terminal means advance to NextStep on the same pass.
type ExecutionResult struct {
	NextStep     string
	WaitUntil    time.Time
	Terminal     domain.EnrollmentStatus
	History      []domain.HistoryEntry
	DeliveryLogs []*domain.DeliveryLog
	Stats        domain.StatsDelta
}

func advanceTo(next string) *ExecutionResult {
	if next == "" {
		return &ExecutionResult{Terminal: domain.EnrollmentCompleted}
	}
	return &ExecutionResult{NextStep: next}
}

func (r *ExecutionResult) record(ec *ExecutionContext, step *domain.Step, action domain.HistoryAction, data map[string]any) {
	r.History = append(r.History, domain.HistoryEntry{
		EnrollmentID: ec.Enrollment.ID,
		StepID:       step.ID,
		StepType:     step.Type,
		Action:       action,
		Timestamp:    ec.Now,
		Data:         data,
	})
}

// StepExecutor interprets a single step. Side effects are bounded by
// CallTimeout and failures come back as DeliveryError.
type StepExecutor struct {
	Contacts    ContactStore
	Email       EmailDispatcher
	Webhooks    WebhookCaller
	Notifier    Notifier
	Conditions  *ConditionEvaluator
	CallTimeout time.Duration
	Location    *time.Location
}

func (x *StepExecutor) Execute(ctx context.Context, ec *ExecutionContext, step *domain.Step) (*ExecutionResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.execute_step", trace.WithAttributes(
		telemetry.EnrollmentIDKey.String(ec.Enrollment.ID),
		telemetry.StepIDKey.String(step.ID),
		telemetry.StepTypeKey.String(string(step.Type)),
	))
	defer span.End()

	res, err := x.execute(ctx, ec, step)
	if err != nil {
		telemetry.SetError(span, err)
	}
	return res, err
}

func (x *StepExecutor) execute(ctx context.Context, ec *ExecutionContext, step *domain.Step) (*ExecutionResult, error) {
	switch cfg := step.Config.(type) {
	case *domain.EmailConfig:
		return x.email(ctx, ec, step, cfg)
	case *domain.DelayConfig:
		return x.delay(ec, step, cfg)
	case *domain.ConditionConfig:
		return x.condition(ctx, ec, step, cfg)
	case *domain.ActionConfig:
		return x.action(ctx, ec, step, cfg)
	case *domain.SplitConfig:
		path, err := ChooseSplitPath(cfg, ec.Enrollment.ID, step.ID)
		if err != nil {
			return nil, &StepConfigError{StepID: step.ID, Err: err}
		}
		slog.DebugContext(ctx, "Split path chosen", "enrollment_id", ec.Enrollment.ID, "step_id", step.ID, "path", path.ID)
		return advanceTo(path.NextStep), nil
	}
	return nil, &StepConfigError{StepID: step.ID, Err: fmt.Errorf("config %T does not match step type %q", step.Config, step.Type)}
}

func (x *StepExecutor) email(ctx context.Context, ec *ExecutionContext, step *domain.Step, cfg *domain.EmailConfig) (*ExecutionResult, error) {
	// already dispatched in an earlier run
	if ec.hasEntry(step.ID, domain.ActionCompleted) {
		return advanceTo(step.Next()), nil
	}
	contact, err := ec.Contact(ctx, x.Contacts)
	if err != nil {
		return nil, x.deliveryError(step, err)
	}

	vars := make(map[string]any, len(cfg.Vars)+1)
	for k, v := range cfg.Vars {
		vars[k] = v
	}
	if len(ec.Enrollment.EntryData) > 0 {
		vars["entry"] = ec.Enrollment.EntryData
	}
	req := domain.EmailRequest{
		To:             contact.Email,
		ContactID:      contact.ID,
		TemplateRef:    cfg.TemplateRef,
		Subject:        cfg.Subject,
		FromName:       cfg.FromName,
		Vars:           vars,
		IdempotencyKey: ec.Enrollment.ID + ":" + step.ID,
	}
	callCtx, cancel := x.callContext(ctx)
	defer cancel()
	deliveryID, err := x.Email.Send(callCtx, req)
	if err != nil {
		return nil, x.deliveryError(step, err)
	}

	log := &domain.DeliveryLog{
		ID:           uuid.NewString(),
		EnrollmentID: ec.Enrollment.ID,
		DefinitionID: ec.Enrollment.DefinitionID,
		StepID:       step.ID,
		ContactID:    ec.Enrollment.ContactID,
		DeliveryID:   deliveryID,
		TemplateRef:  cfg.TemplateRef,
		Status:       domain.DeliverySent,
		SentAt:       ec.Now,
		Created:      ec.Now,
		Modified:     ec.Now,
	}

	slog.InfoContext(ctx, "Email dispatched", "enrollment_id", ec.Enrollment.ID, "step_id", step.ID, "delivery_id", deliveryID)
	res := advanceTo(step.Next())
	res.record(ec, step, domain.ActionCompleted, map[string]any{
		"deliveryLogId": log.ID,
		"deliveryId":    deliveryID,
		"templateRef":   cfg.TemplateRef,
	})
	res.DeliveryLogs = append(res.DeliveryLogs, log)
	res.Stats.EmailsSent = 1
	return res, nil
}

func (x *StepExecutor) delay(ec *ExecutionContext, step *domain.Step, cfg *domain.DelayConfig) (*ExecutionResult, error) {
	if ec.hasEntry(step.ID, domain.ActionWaiting) {
		if ec.Enrollment.NextActionAt.Valid && ec.Enrollment.NextActionAt.Time.After(ec.Now) {
			return &ExecutionResult{WaitUntil: ec.Enrollment.NextActionAt.Time}, nil
		}
		return advanceTo(step.Next()), nil
	}
	at, err := ResumeAt(cfg, ec.Now, x.location())
	if err != nil {
		return nil, &StepConfigError{StepID: step.ID, Err: err}
	}
	if !at.After(ec.Now) {
		return advanceTo(step.Next()), nil
	}
	res := &ExecutionResult{WaitUntil: at}
	res.record(ec, step, domain.ActionWaiting, map[string]any{"resumeAt": at.Format(time.RFC3339Nano)})
	return res, nil
}

func (x *StepExecutor) condition(ctx context.Context, ec *ExecutionContext, step *domain.Step, cfg *domain.ConditionConfig) (*ExecutionResult, error) {
	ok, err := x.Conditions.Evaluate(ctx, ec, step.ID, cfg)
	if err != nil {
		slog.WarnContext(ctx, "Condition evaluation failed, taking no path", "enrollment_id", ec.Enrollment.ID, "step_id", step.ID, "error", err)
		res := advanceTo(cfg.NoPath)
		res.record(ec, step, domain.ActionError, map[string]any{"error": err.Error()})
		return res, nil
	}
	if ok {
		return advanceTo(cfg.YesPath), nil
	}
	return advanceTo(cfg.NoPath), nil
}

func (x *StepExecutor) action(ctx context.Context, ec *ExecutionContext, step *domain.Step, cfg *domain.ActionConfig) (*ExecutionResult, error) {
	if ec.hasEntry(step.ID, domain.ActionCompleted) {
		return advanceTo(step.Next()), nil
	}
	callCtx, cancel := x.callContext(ctx)
	defer cancel()

	contactID := ec.Enrollment.ContactID
	data := map[string]any{"actionType": string(cfg.ActionType)}
	var err error
	switch cfg.ActionType {
	case domain.ActionAddTag:
		err = x.Contacts.AddTag(callCtx, contactID, cfg.Tag)
	case domain.ActionRemoveTag:
		err = x.Contacts.RemoveTag(callCtx, contactID, cfg.Tag)
	case domain.ActionAddToList:
		err = x.Contacts.AddToList(callCtx, contactID, cfg.ListID)
	case domain.ActionRemoveFromList:
		err = x.Contacts.RemoveFromList(callCtx, contactID, cfg.ListID)
	case domain.ActionUpdateField:
		err = x.Contacts.UpdateField(callCtx, contactID, cfg.Field, cfg.Value)
	case domain.ActionWebhook:
		var status int
		status, err = x.Webhooks.Post(callCtx, cfg.URL, webhookBody(ec, step, cfg), x.CallTimeout)
		if err == nil && (status < 200 || status >= 300) {
			err = fmt.Errorf("webhook %s answered %d", cfg.URL, status)
		}
		data["statusCode"] = status
	case domain.ActionNotify:
		err = x.notify(callCtx, ec, step, cfg)
	default:
		return nil, &StepConfigError{StepID: step.ID, Err: fmt.Errorf("unsupported action type %q", cfg.ActionType)}
	}
	if err != nil {
		return nil, x.deliveryError(step, err)
	}

	res := advanceTo(step.Next())
	res.record(ec, step, domain.ActionCompleted, data)
	return res, nil
}

func (x *StepExecutor) notify(ctx context.Context, ec *ExecutionContext, step *domain.Step, cfg *domain.ActionConfig) error {
	n := domain.Notification{
		DefinitionID: ec.Enrollment.DefinitionID,
		EnrollmentID: ec.Enrollment.ID,
		ContactID:    ec.Enrollment.ContactID,
		StepID:       step.ID,
		Message:      cfg.Message,
		SentAt:       ec.Now,
	}
	if x.Notifier == nil {
		slog.InfoContext(ctx, "Workflow notification", "enrollment_id", n.EnrollmentID, "step_id", n.StepID, "message", n.Message)
		return nil
	}
	return x.Notifier.Notify(ctx, n)
}

func webhookBody(ec *ExecutionContext, step *domain.Step, cfg *domain.ActionConfig) any {
	if cfg.Body != nil {
		return cfg.Body
	}
	return map[string]any{
		"definitionId": ec.Enrollment.DefinitionID,
		"enrollmentId": ec.Enrollment.ID,
		"contactId":    ec.Enrollment.ContactID,
		"stepId":       step.ID,
		"entryData":    ec.Enrollment.EntryData,
		"timestamp":    ec.Now,
	}
}

// deliveryError wraps a side-effect failure. An unknown contact is not
// retryable and is returned as is.
func (x *StepExecutor) deliveryError(step *domain.Step, err error) error {
	if errors.Is(err, ErrContactNotFound) {
		return err
	}
	return &DeliveryError{StepID: step.ID, Err: err}
}

func (x *StepExecutor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if x.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, x.CallTimeout)
}

func (x *StepExecutor) location() *time.Location {
	if x.Location == nil {
		return time.UTC
	}
	return x.Location
}

// continueOnError is the error policy of steps with side effects.
func continueOnError(step *domain.Step) bool {
	switch cfg := step.Config.(type) {
	case *domain.EmailConfig:
		return cfg.ShouldContinueOnError()
	case *domain.ActionConfig:
		return cfg.ShouldContinueOnError()
	}
	return true
}
