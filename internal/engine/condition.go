package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

// ConditionEvaluator answers branch predicates. Any error means the
// predicate is false and the caller routes to the no path.
type ConditionEvaluator struct {
	Contacts   ContactStore
	Deliveries DeliveryLogRepo
}

func NewConditionEvaluator(contacts ContactStore, deliveries DeliveryLogRepo) *ConditionEvaluator {
	return &ConditionEvaluator{Contacts: contacts, Deliveries: deliveries}
}

func (ce *ConditionEvaluator) Evaluate(ctx context.Context, ec *ExecutionContext, stepID string, cfg *domain.ConditionConfig) (bool, error) {
	ok, err := ce.evaluate(ctx, ec, cfg)
	if err != nil {
		return false, &ConditionEvalError{StepID: stepID, Err: err}
	}
	return ok, nil
}

func (ce *ConditionEvaluator) evaluate(ctx context.Context, ec *ExecutionContext, cfg *domain.ConditionConfig) (bool, error) {
	switch cfg.ConditionType {
	case domain.ConditionEmailOpened, domain.ConditionEmailClicked:
		log, err := ce.referencedDelivery(ctx, ec, cfg.EmailStepID)
		if err != nil {
			return false, err
		}
		if cfg.ConditionType == domain.ConditionEmailOpened {
			return log.OpenedAt.Valid, nil
		}
		return log.ClickedAt.Valid, nil
	case domain.ConditionHasTag:
		return ce.Contacts.HasTag(ctx, ec.Enrollment.ContactID, cfg.Tag)
	case domain.ConditionCustom:
		value, found, err := ec.resolveConditionField(ctx, ce.Contacts, cfg.ConditionField)
		if err != nil {
			return false, err
		}
		return Compare(cfg.ConditionOperator, value, found, cfg.ConditionValue)
	}
	return false, fmt.Errorf("unsupported condition type %q", cfg.ConditionType)
}

// referencedDelivery finds the delivery log of the pinned email step, or of
// the most recent email step in history.
func (ce *ConditionEvaluator) referencedDelivery(ctx context.Context, ec *ExecutionContext, emailStepID string) (*domain.DeliveryLog, error) {
	stepID := emailStepID
	if stepID == "" {
		for i := len(ec.History) - 1; i >= 0; i-- {
			h := ec.History[i]
			if h.StepType == domain.StepEmail && h.Action == domain.ActionCompleted {
				stepID = h.StepID
				break
			}
		}
	}
	if stepID == "" {
		return nil, fmt.Errorf("no email step in history")
	}
	return ce.Deliveries.FindLatestForStep(ctx, ec.Enrollment.ID, stepID)
}

// resolveConditionField looks a field up on the contact first, then in the
// enrollment's entry data. "contact." and "entry."/"payload." prefixes pin
// the source.
func (ec *ExecutionContext) resolveConditionField(ctx context.Context, contacts ContactStore, field string) (any, bool, error) {
	entry := []FieldSource{{Name: "entry", Data: ec.Enrollment.EntryData}, {Name: "payload", Data: ec.Enrollment.EntryData}}
	if head, _, ok := strings.Cut(field, "."); ok && (head == "entry" || head == "payload") {
		v, found := ResolveField(field, nil, entry...)
		return v, found, nil
	}
	contact, err := ec.Contact(ctx, contacts)
	if err != nil {
		return nil, false, err
	}
	name := strings.TrimPrefix(field, "contact.")
	if v, found := lookupContact(contact, name); found {
		return v, true, nil
	}
	if strings.HasPrefix(field, "contact.") {
		return nil, false, nil
	}
	v, found := lookupPath(ec.Enrollment.EntryData, field)
	return v, found, nil
}
