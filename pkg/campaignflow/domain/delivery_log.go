package domain

import (
	"database/sql"
	"time"
)

type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryOpened    DeliveryStatus = "opened"
	DeliveryClicked   DeliveryStatus = "clicked"
	DeliveryBounced   DeliveryStatus = "bounced"
	DeliveryFailed    DeliveryStatus = "failed"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case DeliverySent:
		return 0
	case DeliveryDelivered:
		return 1
	case DeliveryOpened:
		return 2
	case DeliveryClicked:
		return 3
	case DeliveryBounced, DeliveryFailed:
		return 4
	}
	return -1
}

// DeliveryLog tracks one email step execution from dispatch to engagement.
type DeliveryLog struct {
	ID           string
	EnrollmentID string
	DefinitionID string
	StepID       string
	ContactID    string
	DeliveryID   string
	TemplateRef  string
	Status       DeliveryStatus
	SentAt       time.Time
	DeliveredAt  sql.NullTime
	OpenedAt     sql.NullTime
	ClickedAt    sql.NullTime
	BouncedAt    sql.NullTime
	FailedAt     sql.NullTime
	Revenue      float64
	Created      time.Time
	Modified     time.Time
}

// Apply folds a provider callback into the log. Timestamps are set once and
// the status never moves backwards. It reports whether anything changed.
func (l *DeliveryLog) Apply(event DeliveryEventType, ts time.Time, revenue float64) bool {
	changed := false
	stamp := func(t *sql.NullTime) {
		if !t.Valid {
			*t = sql.NullTime{Time: ts, Valid: true}
			changed = true
		}
	}
	var next DeliveryStatus
	switch event {
	case DeliveryEventDelivered:
		stamp(&l.DeliveredAt)
		next = DeliveryDelivered
	case DeliveryEventOpened:
		stamp(&l.OpenedAt)
		next = DeliveryOpened
	case DeliveryEventClicked:
		// a click implies the message was opened
		stamp(&l.OpenedAt)
		stamp(&l.ClickedAt)
		next = DeliveryClicked
	case DeliveryEventBounced:
		stamp(&l.BouncedAt)
		next = DeliveryBounced
	default:
		return false
	}
	if next.rank() > l.Status.rank() {
		l.Status = next
		changed = true
	}
	if revenue > 0 {
		l.Revenue += revenue
		changed = true
	}
	return changed
}
