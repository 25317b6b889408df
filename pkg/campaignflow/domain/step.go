package domain

import (
	"encoding/json"
	"fmt"
)

type StepType string

const (
	StepEmail     StepType = "email"
	StepDelay     StepType = "delay"
	StepCondition StepType = "condition"
	StepAction    StepType = "action"
	StepSplit     StepType = "split"
)

// StepConfig is the type specific configuration of a Step. Exactly one variant
// exists per StepType and the variant always matches Step.Type.
type StepConfig interface {
	StepType() StepType
}

// Step is one node of a workflow graph. Email, delay and action steps continue
// through NextSteps[0]; condition and split steps name their successors in
// their config.
type Step struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Type      StepType   `json:"type"`
	Config    StepConfig `json:"config"`
	NextSteps []string   `json:"nextSteps,omitempty"`
}

type EmailConfig struct {
	TemplateRef     string            `json:"templateRef" validate:"required"`
	Subject         string            `json:"subject,omitempty"`
	FromName        string            `json:"fromName,omitempty"`
	Vars            map[string]string `json:"vars,omitempty"`
	ContinueOnError *bool             `json:"continueOnError,omitempty"`
}

type DelayType string

const (
	DelayFixed     DelayType = "fixed"
	DelayUntilTime DelayType = "until_time"
	DelayUntilDay  DelayType = "until_day"
)

type DelayConfig struct {
	DelayType  DelayType `json:"delayType" validate:"required,oneof=fixed until_time until_day"`
	DelayValue int       `json:"delayValue,omitempty" validate:"required_if=DelayType fixed,gte=0"`
	DelayUnit  string    `json:"delayUnit,omitempty" validate:"required_if=DelayType fixed,omitempty,oneof=seconds minutes hours days weeks"`
	UntilTime  string    `json:"untilTime,omitempty" validate:"required_if=DelayType until_time,omitempty,datetime=15:04"`
	UntilDay   string    `json:"untilDay,omitempty" validate:"required_if=DelayType until_day,omitempty,oneof=sunday monday tuesday wednesday thursday friday saturday"`
}

type ConditionType string

const (
	ConditionEmailOpened  ConditionType = "email_opened"
	ConditionEmailClicked ConditionType = "email_clicked"
	ConditionHasTag       ConditionType = "has_tag"
	ConditionCustom       ConditionType = "custom"
)

type ConditionConfig struct {
	ConditionType ConditionType `json:"conditionType" validate:"required,oneof=email_opened email_clicked has_tag custom"`
	// EmailStepID pins email_opened/email_clicked to a specific email step
	// instead of the most recent one in history.
	EmailStepID       string `json:"emailStepId,omitempty"`
	Tag               string `json:"tag,omitempty" validate:"required_if=ConditionType has_tag"`
	ConditionField    string `json:"conditionField,omitempty" validate:"required_if=ConditionType custom"`
	ConditionOperator string `json:"conditionOperator,omitempty" validate:"required_if=ConditionType custom,omitempty,oneof=equals not_equals contains greater_than less_than exists"`
	ConditionValue    any    `json:"conditionValue,omitempty"`
	YesPath           string `json:"yesPath,omitempty"`
	NoPath            string `json:"noPath,omitempty"`
}

type ActionType string

const (
	ActionAddTag         ActionType = "add_tag"
	ActionRemoveTag      ActionType = "remove_tag"
	ActionAddToList      ActionType = "add_to_list"
	ActionRemoveFromList ActionType = "remove_from_list"
	ActionUpdateField    ActionType = "update_field"
	ActionWebhook        ActionType = "webhook"
	ActionNotify         ActionType = "notify"
)

type ActionConfig struct {
	ActionType      ActionType     `json:"actionType" validate:"required,oneof=add_tag remove_tag add_to_list remove_from_list update_field webhook notify"`
	Tag             string         `json:"tag,omitempty"`
	ListID          string         `json:"listId,omitempty"`
	Field           string         `json:"field,omitempty"`
	Value           any            `json:"value,omitempty"`
	URL             string         `json:"url,omitempty" validate:"omitempty,url"`
	Body            map[string]any `json:"body,omitempty"`
	Message         string         `json:"message,omitempty"`
	ContinueOnError *bool          `json:"continueOnError,omitempty"`
}

type SplitType string

const (
	SplitRandom   SplitType = "random"
	SplitWeighted SplitType = "weighted"
)

type SplitPath struct {
	ID         string  `json:"id" validate:"required"`
	Percentage float64 `json:"percentage,omitempty" validate:"gte=0,lte=100"`
	NextStep   string  `json:"nextStep,omitempty"`
}

type SplitConfig struct {
	SplitType SplitType   `json:"splitType" validate:"required,oneof=random weighted"`
	Paths     []SplitPath `json:"paths" validate:"required,min=1,dive"`
}

func (EmailConfig) StepType() StepType     { return StepEmail }
func (DelayConfig) StepType() StepType     { return StepDelay }
func (ConditionConfig) StepType() StepType { return StepCondition }
func (ActionConfig) StepType() StepType    { return StepAction }
func (SplitConfig) StepType() StepType     { return StepSplit }

// ShouldContinueOnError reports the error policy of the step, defaulting to
// skip-and-continue.
func (c *EmailConfig) ShouldContinueOnError() bool {
	return c.ContinueOnError == nil || *c.ContinueOnError
}

func (c *ActionConfig) ShouldContinueOnError() bool {
	return c.ContinueOnError == nil || *c.ContinueOnError
}

func newStepConfig(t StepType) (StepConfig, error) {
	switch t {
	case StepEmail:
		return &EmailConfig{}, nil
	case StepDelay:
		return &DelayConfig{}, nil
	case StepCondition:
		return &ConditionConfig{}, nil
	case StepAction:
		return &ActionConfig{}, nil
	case StepSplit:
		return &SplitConfig{}, nil
	}
	return nil, fmt.Errorf("unsupported step type %q", t)
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Type      StepType        `json:"type"`
		Config    json.RawMessage `json:"config"`
		NextSteps []string        `json:"nextSteps"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := newStepConfig(raw.Type)
	if err != nil {
		return fmt.Errorf("step %q: %w", raw.ID, err)
	}
	if len(raw.Config) > 0 && string(raw.Config) != "null" {
		if err := json.Unmarshal(raw.Config, cfg); err != nil {
			return fmt.Errorf("step %q: decode %s config: %w", raw.ID, raw.Type, err)
		}
	}
	s.ID = raw.ID
	s.Name = raw.Name
	s.Type = raw.Type
	s.Config = cfg
	s.NextSteps = raw.NextSteps
	return nil
}

func (s Step) Email() (*EmailConfig, bool) {
	c, ok := s.Config.(*EmailConfig)
	return c, ok
}

func (s Step) Delay() (*DelayConfig, bool) {
	c, ok := s.Config.(*DelayConfig)
	return c, ok
}

func (s Step) Condition() (*ConditionConfig, bool) {
	c, ok := s.Config.(*ConditionConfig)
	return c, ok
}

func (s Step) Action() (*ActionConfig, bool) {
	c, ok := s.Config.(*ActionConfig)
	return c, ok
}

func (s Step) Split() (*SplitConfig, bool) {
	c, ok := s.Config.(*SplitConfig)
	return c, ok
}

// Next returns the linear successor, or "" when the step is an implicit terminal.
func (s Step) Next() string {
	if len(s.NextSteps) == 0 {
		return ""
	}
	return s.NextSteps[0]
}

// Successors lists every step id this step can route to.
func (s Step) Successors() []string {
	var out []string
	switch cfg := s.Config.(type) {
	case *ConditionConfig:
		if cfg.YesPath != "" {
			out = append(out, cfg.YesPath)
		}
		if cfg.NoPath != "" {
			out = append(out, cfg.NoPath)
		}
	case *SplitConfig:
		for _, p := range cfg.Paths {
			if p.NextStep != "" {
				out = append(out, p.NextStep)
			}
		}
	default:
		out = append(out, s.NextSteps...)
	}
	return out
}
