package domain

import "time"

// TriggerEvent is an incoming event that may enroll a contact.
type TriggerEvent struct {
	Type       string         `json:"type"`
	ContactID  string         `json:"contactId"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

type DeliveryEventType string

const (
	DeliveryEventDelivered DeliveryEventType = "delivered"
	DeliveryEventOpened    DeliveryEventType = "opened"
	DeliveryEventClicked   DeliveryEventType = "clicked"
	DeliveryEventBounced   DeliveryEventType = "bounced"
)

// DeliveryEvent is posted back by the Email Dispatch Service.
type DeliveryEvent struct {
	DeliveryID string            `json:"deliveryId"`
	Event      DeliveryEventType `json:"event"`
	Timestamp  time.Time         `json:"timestamp"`
	Revenue    float64           `json:"revenue,omitempty"`
}

// Notification is published by the notify action.
type Notification struct {
	DefinitionID string    `json:"definitionId"`
	EnrollmentID string    `json:"enrollmentId"`
	ContactID    string    `json:"contactId"`
	StepID       string    `json:"stepId"`
	Message      string    `json:"message"`
	SentAt       time.Time `json:"sentAt"`
}

// EmailRequest is handed to the Email Dispatch Service. Rendering happens on
// the provider side from TemplateRef and Vars.
type EmailRequest struct {
	To             string         `json:"to"`
	ContactID      string         `json:"contactId"`
	TemplateRef    string         `json:"templateRef"`
	Subject        string         `json:"subject,omitempty"`
	FromName       string         `json:"fromName,omitempty"`
	Vars           map[string]any `json:"vars,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey"`
}
