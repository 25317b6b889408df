package models

import (
	"time"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

type UpdateDefinitionStatusRequest struct {
	Status domain.DefinitionStatus `json:"status" validate:"required,oneof=draft active paused archived"`
}

type TriggerEventResponse struct {
	Enrolled    []string `json:"enrolled"`
	Skipped     int      `json:"skipped"`
	Unmatched   int      `json:"unmatched"`
	Evaluated   int      `json:"evaluated"`
	FailedMatch int      `json:"failedMatch"`
}

type DeliveryEventResponse struct {
	DeliveryID string                `json:"deliveryId"`
	Status     domain.DeliveryStatus `json:"status"`
	Changed    bool                  `json:"changed"`
}

type HistoryEntryResponse struct {
	Seq       int                  `json:"seq"`
	StepID    string               `json:"stepId"`
	StepType  domain.StepType      `json:"stepType"`
	Action    domain.HistoryAction `json:"action"`
	Timestamp time.Time            `json:"timestamp"`
	Data      map[string]any       `json:"data,omitempty"`
}

type EnrollmentResponse struct {
	ID            string                  `json:"id"`
	DefinitionID  string                  `json:"definitionId"`
	ContactID     string                  `json:"contactId"`
	Status        domain.EnrollmentStatus `json:"status"`
	CurrentStep   *string                 `json:"currentStep"`
	NextActionAt  *time.Time              `json:"nextActionAt"`
	EntryData     map[string]any          `json:"entryData,omitempty"`
	EntryNumber   int                     `json:"entryNumber"`
	Attempts      int                     `json:"attempts"`
	LastError     *string                 `json:"lastError,omitempty"`
	ExitedAt      *time.Time              `json:"exitedAt,omitempty"`
	ExitReason    *string                 `json:"exitReason,omitempty"`
	GoalReached   bool                    `json:"goalReached"`
	GoalReachedAt *time.Time              `json:"goalReachedAt,omitempty"`
	GoalValue     *float64                `json:"goalValue,omitempty"`
	Created       time.Time               `json:"created"`
	Modified      time.Time               `json:"modified"`
	History       []HistoryEntryResponse  `json:"history,omitempty"`
}

type EnrollmentListResponse struct {
	Results     int                  `json:"results"`
	Enrollments []EnrollmentResponse `json:"enrollments"`
	Offset      int64                `json:"offset"`
}

type SearchEnrollmentsRequest struct {
	DefinitionID string `json:"definitionId"`
	ContactID    string `json:"contactId"`
	Status       string `json:"status" validate:"omitempty,oneof=active paused completed exited failed"`
	Limit        int64  `json:"limit" validate:"gte=0,lte=1000"`
	Offset       int64  `json:"offset" validate:"gte=0"`
}

type DeliveryLogResponse struct {
	ID           string                `json:"id"`
	EnrollmentID string                `json:"enrollmentId"`
	DefinitionID string                `json:"definitionId"`
	StepID       string                `json:"stepId"`
	ContactID    string                `json:"contactId"`
	DeliveryID   string                `json:"deliveryId"`
	TemplateRef  string                `json:"templateRef"`
	Status       domain.DeliveryStatus `json:"status"`
	SentAt       time.Time             `json:"sentAt"`
	DeliveredAt  *time.Time            `json:"deliveredAt,omitempty"`
	OpenedAt     *time.Time            `json:"openedAt,omitempty"`
	ClickedAt    *time.Time            `json:"clickedAt,omitempty"`
	BouncedAt    *time.Time            `json:"bouncedAt,omitempty"`
	FailedAt     *time.Time            `json:"failedAt,omitempty"`
	Revenue      float64               `json:"revenue"`
}

type PublishedEventResponse struct {
	Accepted bool `json:"accepted"`
}
