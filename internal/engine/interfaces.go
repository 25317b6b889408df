package engine

import (
	"context"
	"time"

	"github.com/RealZimboGuy/campaignflow/internal/repository"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/models"
)

// DefinitionRepo defines the interface for workflow definition persistence, matching repository.WorkflowDefinitionRepository.
type DefinitionRepo interface {
	Save(ctx context.Context, def *domain.WorkflowDefinition) error
	FindByID(ctx context.Context, id string) (*domain.WorkflowDefinition, error)
	FindStatus(ctx context.Context, id string) (domain.DefinitionStatus, error)
	FindActiveByTriggerType(ctx context.Context, triggerType string) ([]*domain.WorkflowDefinition, error)
	FindAll(ctx context.Context) ([]*domain.WorkflowDefinition, error)
	UpdateStatus(ctx context.Context, id string, status domain.DefinitionStatus, updated time.Time) error
	IncrementStats(ctx context.Context, id string, delta domain.StatsDelta) error
}

// EnrollmentRepo defines the interface for enrollment persistence, matching repository.EnrollmentRepository.
type EnrollmentRepo interface {
	Create(ctx context.Context, e *domain.Enrollment) error
	FindByID(ctx context.Context, id string) (*domain.Enrollment, error)
	FindByDefinitionAndContact(ctx context.Context, definitionID, contactID string) ([]*domain.Enrollment, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.Enrollment, error)
	Claim(ctx context.Context, id, token string, now time.Time, lease time.Duration) (bool, error)
	ExtendClaim(ctx context.Context, id, token string, until time.Time) error
	Release(ctx context.Context, id, token string) error
	Commit(ctx context.Context, token string, c repository.EnrollmentCommit) error
	History(ctx context.Context, enrollmentID string) ([]domain.HistoryEntry, error)
	SetStatusForDefinition(ctx context.Context, definitionID string, from, to domain.EnrollmentStatus, now time.Time) (int64, error)
	ExitAllForDefinition(ctx context.Context, definitionID, reason string, now time.Time) (int64, error)
	ReleaseExpiredClaims(ctx context.Context, now time.Time) (int64, error)
	SearchEnrollments(ctx context.Context, req models.SearchEnrollmentsRequest) ([]*domain.Enrollment, error)
}

// DeliveryLogRepo defines the interface for delivery log persistence.
type DeliveryLogRepo interface {
	FindByDeliveryID(ctx context.Context, deliveryID string) (*domain.DeliveryLog, error)
	FindLatestForStep(ctx context.Context, enrollmentID, stepID string) (*domain.DeliveryLog, error)
	FindByEnrollment(ctx context.Context, enrollmentID string) ([]*domain.DeliveryLog, error)
	UpdateIfUnmodified(ctx context.Context, l *domain.DeliveryLog, prevModified time.Time) (bool, error)
}

// ExecutorRepo defines the interface for executor persistence.
type ExecutorRepo interface {
	Save(ctx context.Context, e *domain.Executor) (int64, error)
	UpdateLastActive(ctx context.Context, id int64, ts time.Time) error
	GetExecutorsByLastActive(ctx context.Context, limit int) ([]*domain.Executor, error)
}

// ContactStore is the external record of contacts, tags and lists.
type ContactStore interface {
	GetContact(ctx context.Context, id string) (*domain.Contact, error)
	HasTag(ctx context.Context, id, tag string) (bool, error)
	AddTag(ctx context.Context, id, tag string) error
	RemoveTag(ctx context.Context, id, tag string) error
	AddToList(ctx context.Context, id, listID string) error
	RemoveFromList(ctx context.Context, id, listID string) error
	UpdateField(ctx context.Context, id, field string, value any) error
}

// EmailDispatcher hands a render request to the Email Dispatch Service and
// returns its delivery identifier.
type EmailDispatcher interface {
	Send(ctx context.Context, req domain.EmailRequest) (string, error)
}

// WebhookCaller posts a JSON body and reports the response status code.
type WebhookCaller interface {
	Post(ctx context.Context, url string, body any, timeout time.Duration) (int, error)
}

// Notifier delivers internal notifications raised by notify actions.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}
