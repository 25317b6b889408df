package controllers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/RealZimboGuy/campaignflow/internal/util"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/models"
)

// EnrollmentReader is the read side of engine.EnrollmentRepo.
type EnrollmentReader interface {
	FindByID(ctx context.Context, id string) (*domain.Enrollment, error)
	History(ctx context.Context, enrollmentID string) ([]domain.HistoryEntry, error)
	SearchEnrollments(ctx context.Context, req models.SearchEnrollmentsRequest) ([]*domain.Enrollment, error)
}

type DeliveryReader interface {
	FindByEnrollment(ctx context.Context, enrollmentID string) ([]*domain.DeliveryLog, error)
}

type EnrollmentsController struct {
	Enrollments EnrollmentReader
	Deliveries  DeliveryReader
}

func NewEnrollmentsController(enrollments EnrollmentReader, deliveries DeliveryReader) *EnrollmentsController {
	return &EnrollmentsController{Enrollments: enrollments, Deliveries: deliveries}
}

func (c *EnrollmentsController) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, err := c.Enrollments.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	history, err := c.Enrollments.History(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, mapEnrollment(e, history))
}

func (c *EnrollmentsController) handleGetDeliveries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := c.Enrollments.FindByID(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	logs, err := c.Deliveries.FindByEnrollment(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]models.DeliveryLogResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, mapDeliveryLog(l))
	}
	util.WriteJSONResponse(w, http.StatusOK, out)
}

func (c *EnrollmentsController) handleSearchEnrollments(w http.ResponseWriter, r *http.Request) {
	req, err := util.DecodeJSONBody[models.SearchEnrollmentsRequest](r)
	if err != nil {
		slog.Error("Failed to decode request", "error", err)
		badRequest(w, r, "invalid JSON payload")
		return
	}
	searchEnrollments(w, r, c.Enrollments, req)
}

func searchEnrollments(w http.ResponseWriter, r *http.Request, enrollments EnrollmentReader, req models.SearchEnrollmentsRequest) {
	//max of 1000 results is allowed
	if err := validate.Struct(req); err != nil {
		badRequest(w, r, validationDetail(err))
		return
	}
	results, err := enrollments.SearchEnrollments(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	resp := models.EnrollmentListResponse{
		Results:     len(results),
		Enrollments: make([]models.EnrollmentResponse, 0, len(results)),
		Offset:      req.Offset,
	}
	for _, e := range results {
		resp.Enrollments = append(resp.Enrollments, mapEnrollment(e, nil))
	}
	util.WriteJSONResponse(w, http.StatusOK, resp)
}

func mapEnrollment(e *domain.Enrollment, history []domain.HistoryEntry) models.EnrollmentResponse {
	resp := models.EnrollmentResponse{
		ID:            e.ID,
		DefinitionID:  e.DefinitionID,
		ContactID:     e.ContactID,
		Status:        e.Status,
		CurrentStep:   nullString(e.CurrentStep.String, e.CurrentStep.Valid),
		NextActionAt:  nullTime(e.NextActionAt.Time, e.NextActionAt.Valid),
		EntryData:     e.EntryData,
		EntryNumber:   e.EntryNumber,
		Attempts:      e.Attempts,
		LastError:     nullString(e.LastError.String, e.LastError.Valid),
		ExitedAt:      nullTime(e.ExitedAt.Time, e.ExitedAt.Valid),
		ExitReason:    nullString(e.ExitReason.String, e.ExitReason.Valid),
		GoalReached:   e.GoalReached,
		GoalReachedAt: nullTime(e.GoalReachedAt.Time, e.GoalReachedAt.Valid),
		Created:       e.Created,
		Modified:      e.Modified,
	}
	if e.GoalValue.Valid {
		v := e.GoalValue.Float64
		resp.GoalValue = &v
	}
	for _, h := range history {
		resp.History = append(resp.History, models.HistoryEntryResponse{
			Seq:       h.Seq,
			StepID:    h.StepID,
			StepType:  h.StepType,
			Action:    h.Action,
			Timestamp: h.Timestamp,
			Data:      h.Data,
		})
	}
	return resp
}

func mapDeliveryLog(l *domain.DeliveryLog) models.DeliveryLogResponse {
	return models.DeliveryLogResponse{
		ID:           l.ID,
		EnrollmentID: l.EnrollmentID,
		DefinitionID: l.DefinitionID,
		StepID:       l.StepID,
		ContactID:    l.ContactID,
		DeliveryID:   l.DeliveryID,
		TemplateRef:  l.TemplateRef,
		Status:       l.Status,
		SentAt:       l.SentAt,
		DeliveredAt:  nullTime(l.DeliveredAt.Time, l.DeliveredAt.Valid),
		OpenedAt:     nullTime(l.OpenedAt.Time, l.OpenedAt.Valid),
		ClickedAt:    nullTime(l.ClickedAt.Time, l.ClickedAt.Valid),
		BouncedAt:    nullTime(l.BouncedAt.Time, l.BouncedAt.Valid),
		FailedAt:     nullTime(l.FailedAt.Time, l.FailedAt.Valid),
		Revenue:      l.Revenue,
	}
}

func nullString(s string, valid bool) *string {
	if !valid {
		return nil
	}
	return &s
}

func nullTime(t time.Time, valid bool) *time.Time {
	if !valid {
		return nil
	}
	return &t
}
