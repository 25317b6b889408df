package controllers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/moogar0880/problems"

	"github.com/RealZimboGuy/campaignflow/internal/engine"
	"github.com/RealZimboGuy/campaignflow/internal/repository"
	"github.com/RealZimboGuy/campaignflow/internal/util"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeProblem(w http.ResponseWriter, r *http.Request, status int, problemType, detail string) {
	problem := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(problemType).
		WithDetail(detail)

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem); err != nil {
		slog.Error("Failed to encode problem", "error", err)
	}
}

func badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusBadRequest, "validation_error", detail)
}

func notFound(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusNotFound, "not_found", detail)
}

// handleServiceError maps engine and repository errors onto problem documents.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case engine.IsSchemaError(err), engine.IsGraphValidationError(err):
		badRequest(w, r, err.Error())
	case errors.Is(err, util.ErrBodyTooLarge):
		writeProblem(w, r, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
	case errors.Is(err, engine.ErrUnknownDeliveryEvent):
		badRequest(w, r, err.Error())
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrDefinitionNotEditable):
		writeProblem(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, engine.ErrDeliveryConflict):
		writeProblem(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, repository.ErrNotFound):
		notFound(w, r, err.Error())
	default:
		slog.ErrorContext(r.Context(), "Request failed", "path", r.URL.Path, "error", err)
		problem := problems.NewStatusProblem(http.StatusInternalServerError).
			WithInstance(r.URL.Path).
			WithType("internal_error").
			WithError(err)
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(problem)
	}
}

// validationDetail flattens validator errors into one line.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	detail := ""
	for i, fe := range verrs {
		if i > 0 {
			detail += "; "
		}
		detail += fe.Field() + " failed on " + fe.Tag()
	}
	return detail
}
