package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClaimConflict means another worker holds or already processed the enrollment.
	ErrClaimConflict = errors.New("enrollment claimed by another worker")
	// ErrContactNotFound is returned by ContactStore adapters for unknown ids.
	ErrContactNotFound = errors.New("contact not found")
	// ErrUnknownOperator is returned for filter or condition operators outside the supported set.
	ErrUnknownOperator = errors.New("unknown operator")

	ErrDefinitionNotEditable = errors.New("only draft or paused definitions can be updated")
	ErrInvalidTransition     = errors.New("invalid definition status transition")
	ErrUnknownDeliveryEvent  = errors.New("unknown delivery event")
	ErrDeliveryConflict      = errors.New("delivery log kept changing, giving up")
)

// TriggerMatchError reports a malformed filter. The event is dropped for that
// definition only.
type TriggerMatchError struct {
	DefinitionID string
	Field        string
	Err          error
}

func (e *TriggerMatchError) Error() string {
	return fmt.Sprintf("trigger filter %q of definition %s: %v", e.Field, e.DefinitionID, e.Err)
}

func (e *TriggerMatchError) Unwrap() error { return e.Err }

// StepConfigError is a graph or config problem found at run time. The
// enrollment fails immediately.
type StepConfigError struct {
	StepID string
	Err    error
}

func (e *StepConfigError) Error() string {
	return fmt.Sprintf("step %q config: %v", e.StepID, e.Err)
}

func (e *StepConfigError) Unwrap() error { return e.Err }

// ConditionEvalError routes the enrollment to the no path.
type ConditionEvalError struct {
	StepID string
	Err    error
}

func (e *ConditionEvalError) Error() string {
	return fmt.Sprintf("condition %q: %v", e.StepID, e.Err)
}

func (e *ConditionEvalError) Unwrap() error { return e.Err }

// DeliveryError is a failed side effect (email, webhook, contact mutation,
// notification). It is retried with backoff.
type DeliveryError struct {
	StepID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("step %q delivery: %v", e.StepID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// SchedulerClaimConflict is benign: the enrollment is retried on a later scan.
type SchedulerClaimConflict struct {
	EnrollmentID string
}

func (e *SchedulerClaimConflict) Error() string {
	return fmt.Sprintf("enrollment %s: %v", e.EnrollmentID, ErrClaimConflict)
}

func (e *SchedulerClaimConflict) Unwrap() error { return ErrClaimConflict }

// GraphValidationError lists every problem found when saving a definition.
type GraphValidationError struct {
	Problems []string
}

func (e *GraphValidationError) Error() string {
	return "invalid workflow definition: " + strings.Join(e.Problems, "; ")
}

// SchemaError lists JSON schema violations of an incoming document.
type SchemaError struct {
	Document string
	Problems []string
}

func (e *SchemaError) Error() string {
	return "invalid " + e.Document + ": " + strings.Join(e.Problems, "; ")
}

func IsTriggerMatchError(err error) bool {
	var target *TriggerMatchError
	return errors.As(err, &target)
}

func IsStepConfigError(err error) bool {
	var target *StepConfigError
	return errors.As(err, &target)
}

func IsConditionEvalError(err error) bool {
	var target *ConditionEvalError
	return errors.As(err, &target)
}

func IsDeliveryError(err error) bool {
	var target *DeliveryError
	return errors.As(err, &target)
}

func IsClaimConflict(err error) bool {
	return errors.Is(err, ErrClaimConflict)
}

func IsGraphValidationError(err error) bool {
	var target *GraphValidationError
	return errors.As(err, &target)
}

func IsSchemaError(err error) bool {
	var target *SchemaError
	return errors.As(err, &target)
}
