package domain

import (
	"database/sql"
	"time"
)

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentExited    EnrollmentStatus = "exited"
	EnrollmentFailed    EnrollmentStatus = "failed"
)

func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentExited || s == EnrollmentFailed
}

const (
	ExitReasonCompleted        = "completed"
	ExitReasonUnsubscribed     = "unsubscribed"
	ExitReasonPurchased        = "purchased"
	ExitReasonGoalReached      = "goal_reached"
	ExitReasonFailed           = "failed"
	ExitReasonWorkflowArchived = "workflow_archived"
)

// Enrollment is one contact's progress through one workflow definition. The
// status, current step and next action fields are a projection of History.
type Enrollment struct {
	ID             string
	DefinitionID   string
	ContactID      string
	Status         EnrollmentStatus
	CurrentStep    sql.NullString
	NextActionAt   sql.NullTime
	EntryData      map[string]any
	EntryNumber    int
	Attempts       int
	LastError      sql.NullString
	ExitedAt       sql.NullTime
	ExitReason     sql.NullString
	GoalReached    bool
	GoalReachedAt  sql.NullTime
	GoalValue      sql.NullFloat64
	ClaimedBy      sql.NullString
	ClaimExpiresAt sql.NullTime
	Created        time.Time
	Modified       time.Time
}

// ActiveKey is the dedup key held while the enrollment is not terminal.
func (e *Enrollment) ActiveKey() sql.NullString {
	if e.Status.IsTerminal() {
		return sql.NullString{}
	}
	return sql.NullString{String: e.DefinitionID + ":" + e.ContactID, Valid: true}
}

type HistoryAction string

const (
	ActionCompleted   HistoryAction = "completed"
	ActionWaiting     HistoryAction = "waiting"
	ActionDeferred    HistoryAction = "deferred"
	ActionSkipped     HistoryAction = "skipped"
	ActionError       HistoryAction = "error"
	ActionGoalReached HistoryAction = "goal_reached"
	ActionFailed      HistoryAction = "failed"
)

type HistoryEntry struct {
	EnrollmentID string         `json:"enrollmentId"`
	Seq          int            `json:"seq"`
	StepID       string         `json:"stepId"`
	StepType     StepType       `json:"stepType"`
	Action       HistoryAction  `json:"action"`
	Timestamp    time.Time      `json:"timestamp"`
	Data         map[string]any `json:"data,omitempty"`
}

// LastHistoryEntry returns the newest entry, if any.
func LastHistoryEntry(history []HistoryEntry) (HistoryEntry, bool) {
	if len(history) == 0 {
		return HistoryEntry{}, false
	}
	return history[len(history)-1], true
}
