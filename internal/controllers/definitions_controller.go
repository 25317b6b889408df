package controllers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/RealZimboGuy/campaignflow/internal/engine"
	"github.com/RealZimboGuy/campaignflow/internal/util"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/models"
)

// DefinitionService is implemented by engine.DefinitionService.
type DefinitionService interface {
	Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error)
	List(ctx context.Context) ([]*domain.WorkflowDefinition, error)
	Create(ctx context.Context, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error)
	Update(ctx context.Context, id string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error)
	SetStatus(ctx context.Context, id string, to domain.DefinitionStatus) (*domain.WorkflowDefinition, error)
}

// DefinitionsController serves workflow definitions and their enrollments.
type DefinitionsController struct {
	Definitions DefinitionService
	Enrollments EnrollmentReader
}

func NewDefinitionsController(definitions DefinitionService, enrollments EnrollmentReader) *DefinitionsController {
	return &DefinitionsController{Definitions: definitions, Enrollments: enrollments}
}

func (c *DefinitionsController) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := c.Definitions.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if defs == nil {
		defs = []*domain.WorkflowDefinition{}
	}
	util.WriteJSONResponse(w, http.StatusOK, defs)
}

func (c *DefinitionsController) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := c.Definitions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, def)
}

func (c *DefinitionsController) handleGetStats(w http.ResponseWriter, r *http.Request) {
	def, err := c.Definitions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, def.Stats)
}

// decodeDefinition checks the document against the definition schema before
// decoding it, so structural problems come back in one response.
func decodeDefinition(r *http.Request) (*domain.WorkflowDefinition, error) {
	body, err := util.ReadBody(r)
	if err != nil {
		return nil, err
	}
	if err := engine.DefinitionSchema.Validate(body); err != nil {
		return nil, err
	}
	var def domain.WorkflowDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, &engine.SchemaError{Document: "workflow definition", Problems: []string{err.Error()}}
	}
	return &def, nil
}

func (c *DefinitionsController) handleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := decodeDefinition(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	created, err := c.Definitions.Create(r.Context(), def)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	slog.InfoContext(r.Context(), "Definition created via API", "definition_id", created.ID)
	util.WriteJSONResponse(w, http.StatusCreated, created)
}

func (c *DefinitionsController) handleUpdateDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := decodeDefinition(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	updated, err := c.Definitions.Update(r.Context(), r.PathValue("id"), def)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, updated)
}

func (c *DefinitionsController) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	req, err := util.DecodeJSONBody[models.UpdateDefinitionStatusRequest](r)
	if err != nil {
		badRequest(w, r, "invalid JSON payload")
		return
	}
	if err := validate.Struct(req); err != nil {
		badRequest(w, r, validationDetail(err))
		return
	}
	def, err := c.Definitions.SetStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, def)
}

func (c *DefinitionsController) handleListEnrollments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := c.Definitions.Get(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	req := models.SearchEnrollmentsRequest{
		DefinitionID: id,
		Status:       q.Get("status"),
		Limit:        100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(w, r, "limit must be an integer")
			return
		}
		req.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(w, r, "offset must be an integer")
			return
		}
		req.Offset = n
	}
	searchEnrollments(w, r, c.Enrollments, req)
}
