package controllers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/RealZimboGuy/campaignflow/internal/util"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

// ExecutorLister is implemented by engine.Scheduler.
type ExecutorLister interface {
	ListExecutors(ctx context.Context, limit int) ([]*domain.Executor, error)
}

type ExecutorsController struct {
	Executors ExecutorLister
}

func NewExecutorsController(executors ExecutorLister) *ExecutorsController {
	return &ExecutorsController{Executors: executors}
}

func (c *ExecutorsController) handleGetExecutors(w http.ResponseWriter, r *http.Request) {
	slog.DebugContext(r.Context(), "GetExecutors called")

	results, err := c.Executors.ListExecutors(r.Context(), 20)
	if err != nil {
		slog.Error("Failed to search executors", "error", err)
		handleServiceError(w, r, err)
		return
	}
	if results == nil {
		results = []*domain.Executor{}
	}
	util.WriteJSONResponse(w, http.StatusOK, results)
}
