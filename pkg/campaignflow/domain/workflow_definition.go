package domain

import "time"

type DefinitionStatus string

const (
	DefinitionDraft    DefinitionStatus = "draft"
	DefinitionActive   DefinitionStatus = "active"
	DefinitionPaused   DefinitionStatus = "paused"
	DefinitionArchived DefinitionStatus = "archived"
)

func (s DefinitionStatus) Valid() bool {
	switch s {
	case DefinitionDraft, DefinitionActive, DefinitionPaused, DefinitionArchived:
		return true
	}
	return false
}

// TriggerFilter is a field/operator/value predicate evaluated against the
// triggering event payload and the contact record.
type TriggerFilter struct {
	Field    string `json:"field" validate:"required"`
	Operator string `json:"operator" validate:"required"`
	Value    any    `json:"value,omitempty"`
}

type Trigger struct {
	Type    string          `json:"type" validate:"required"`
	Filters []TriggerFilter `json:"filters,omitempty" validate:"dive"`
	// StartStep is the entry step of the graph. Empty means the first step.
	StartStep string `json:"startStep,omitempty"`
}

type SendingWindow struct {
	StartTime string   `json:"startTime" validate:"required,datetime=15:04"`
	EndTime   string   `json:"endTime" validate:"required,datetime=15:04"`
	Days      []string `json:"days,omitempty" validate:"dive,oneof=sunday monday tuesday wednesday thursday friday saturday"`
	Timezone  string   `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

type GoalType string

const (
	GoalPurchase GoalType = "purchase"
	GoalTagAdded GoalType = "tag_added"
	GoalCustom   GoalType = "custom"
)

type Settings struct {
	AllowReentry         bool           `json:"allowReentry,omitempty"`
	ReentryDelay         Duration       `json:"reentryDelay,omitempty"`
	MaxEntriesPerContact int            `json:"maxEntriesPerContact,omitempty" validate:"gte=0"`
	ExitOnUnsubscribe    bool           `json:"exitOnUnsubscribe,omitempty"`
	ExitOnPurchase       bool           `json:"exitOnPurchase,omitempty"`
	SendingWindow        *SendingWindow `json:"sendingWindow,omitempty"`
	GoalType             GoalType       `json:"goalType,omitempty" validate:"omitempty,oneof=purchase tag_added custom"`
	GoalTag              string         `json:"goalTag,omitempty" validate:"required_if=GoalType tag_added"`
	GoalField            string         `json:"goalField,omitempty" validate:"required_if=GoalType custom"`
	GoalOperator         string         `json:"goalOperator,omitempty" validate:"required_if=GoalType custom,omitempty,oneof=equals not_equals contains greater_than less_than exists"`
	GoalValue            any            `json:"goalValue,omitempty"`
	ExitOnGoal           bool           `json:"exitOnGoal,omitempty"`
}

type Stats struct {
	TotalEntered    int64   `json:"totalEntered"`
	CurrentlyActive int64   `json:"currentlyActive"`
	Completed       int64   `json:"completed"`
	Exited          int64   `json:"exited"`
	Failed          int64   `json:"failed"`
	GoalsReached    int64   `json:"goalsReached"`
	EmailsSent      int64   `json:"emailsSent"`
	Revenue         float64 `json:"revenue"`
}

// StatsDelta is an increment applied to Stats in one update.
type StatsDelta struct {
	Entered      int64
	Active       int64
	Completed    int64
	Exited       int64
	Failed       int64
	GoalsReached int64
	EmailsSent   int64
	Revenue      float64
}

func (d StatsDelta) IsZero() bool {
	return d == StatsDelta{}
}

type WorkflowDefinition struct {
	ID          string           `json:"id"`
	OwnerID     string           `json:"ownerId"`
	Name        string           `json:"name" validate:"required"`
	Description string           `json:"description,omitempty"`
	Status      DefinitionStatus `json:"status"`
	Trigger     Trigger          `json:"trigger"`
	Steps       []Step           `json:"steps"`
	Settings    Settings         `json:"settings"`
	Stats       Stats            `json:"stats"`
	Created     time.Time        `json:"created"`
	Updated     time.Time        `json:"updated"`
}

// EntryStepID resolves the step an enrollment starts at.
func (d *WorkflowDefinition) EntryStepID() string {
	if d.Trigger.StartStep != "" {
		return d.Trigger.StartStep
	}
	if len(d.Steps) > 0 {
		return d.Steps[0].ID
	}
	return ""
}

func (d *WorkflowDefinition) StepByID(id string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}
