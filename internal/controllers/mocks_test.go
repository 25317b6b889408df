package controllers

import (
	"context"
	"net/http"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/models"
)

// Mocks for controller tests. Unset funcs return zero values.

type MockDefinitionService struct {
	GetFunc       func(ctx context.Context, id string) (*domain.WorkflowDefinition, error)
	ListFunc      func(ctx context.Context) ([]*domain.WorkflowDefinition, error)
	CreateFunc    func(ctx context.Context, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error)
	UpdateFunc    func(ctx context.Context, id string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error)
	SetStatusFunc func(ctx context.Context, id string, to domain.DefinitionStatus) (*domain.WorkflowDefinition, error)
}

func (m *MockDefinitionService) Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	return &domain.WorkflowDefinition{ID: id}, nil
}
func (m *MockDefinitionService) List(ctx context.Context) ([]*domain.WorkflowDefinition, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx)
	}
	return nil, nil
}
func (m *MockDefinitionService) Create(ctx context.Context, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, def)
	}
	return def, nil
}
func (m *MockDefinitionService) Update(ctx context.Context, id string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, id, def)
	}
	return def, nil
}
func (m *MockDefinitionService) SetStatus(ctx context.Context, id string, to domain.DefinitionStatus) (*domain.WorkflowDefinition, error) {
	if m.SetStatusFunc != nil {
		return m.SetStatusFunc(ctx, id, to)
	}
	return &domain.WorkflowDefinition{ID: id, Status: to}, nil
}

type MockEnrollmentReader struct {
	FindByIDFunc          func(ctx context.Context, id string) (*domain.Enrollment, error)
	HistoryFunc           func(ctx context.Context, enrollmentID string) ([]domain.HistoryEntry, error)
	SearchEnrollmentsFunc func(ctx context.Context, req models.SearchEnrollmentsRequest) ([]*domain.Enrollment, error)
}

func (m *MockEnrollmentReader) FindByID(ctx context.Context, id string) (*domain.Enrollment, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	return &domain.Enrollment{ID: id}, nil
}
func (m *MockEnrollmentReader) History(ctx context.Context, enrollmentID string) ([]domain.HistoryEntry, error) {
	if m.HistoryFunc != nil {
		return m.HistoryFunc(ctx, enrollmentID)
	}
	return nil, nil
}
func (m *MockEnrollmentReader) SearchEnrollments(ctx context.Context, req models.SearchEnrollmentsRequest) ([]*domain.Enrollment, error) {
	if m.SearchEnrollmentsFunc != nil {
		return m.SearchEnrollmentsFunc(ctx, req)
	}
	return nil, nil
}

type MockDeliveryReader struct {
	FindByEnrollmentFunc func(ctx context.Context, enrollmentID string) ([]*domain.DeliveryLog, error)
}

func (m *MockDeliveryReader) FindByEnrollment(ctx context.Context, enrollmentID string) ([]*domain.DeliveryLog, error) {
	if m.FindByEnrollmentFunc != nil {
		return m.FindByEnrollmentFunc(ctx, enrollmentID)
	}
	return nil, nil
}

type MockTriggerHandler struct {
	HandleEventFunc func(ctx context.Context, ev domain.TriggerEvent) (*models.TriggerEventResponse, error)
}

func (m *MockTriggerHandler) HandleEvent(ctx context.Context, ev domain.TriggerEvent) (*models.TriggerEventResponse, error) {
	if m.HandleEventFunc != nil {
		return m.HandleEventFunc(ctx, ev)
	}
	return &models.TriggerEventResponse{Enrolled: []string{}}, nil
}

type MockDeliveryHandler struct {
	HandleEventFunc func(ctx context.Context, ev domain.DeliveryEvent) (*models.DeliveryEventResponse, error)
}

func (m *MockDeliveryHandler) HandleEvent(ctx context.Context, ev domain.DeliveryEvent) (*models.DeliveryEventResponse, error) {
	if m.HandleEventFunc != nil {
		return m.HandleEventFunc(ctx, ev)
	}
	return &models.DeliveryEventResponse{DeliveryID: ev.DeliveryID}, nil
}

type MockPublisher struct {
	PublishTriggerFunc  func(ctx context.Context, ev domain.TriggerEvent) error
	PublishDeliveryFunc func(ctx context.Context, ev domain.DeliveryEvent) error
}

func (m *MockPublisher) PublishTrigger(ctx context.Context, ev domain.TriggerEvent) error {
	if m.PublishTriggerFunc != nil {
		return m.PublishTriggerFunc(ctx, ev)
	}
	return nil
}
func (m *MockPublisher) PublishDelivery(ctx context.Context, ev domain.DeliveryEvent) error {
	if m.PublishDeliveryFunc != nil {
		return m.PublishDeliveryFunc(ctx, ev)
	}
	return nil
}

type MockExecutorLister struct {
	ListExecutorsFunc func(ctx context.Context, limit int) ([]*domain.Executor, error)
}

func (m *MockExecutorLister) ListExecutors(ctx context.Context, limit int) ([]*domain.Executor, error) {
	if m.ListExecutorsFunc != nil {
		return m.ListExecutorsFunc(ctx, limit)
	}
	return nil, nil
}

type routable interface {
	RegisterRoutes(mux *http.ServeMux)
}

func newMux(controllers ...routable) *http.ServeMux {
	mux := http.NewServeMux()
	for _, c := range controllers {
		c.RegisterRoutes(mux)
	}
	return mux
}
