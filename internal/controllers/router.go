package controllers

import "net/http"

// RegisterRoutes wires the HTTP routes for this controller.
func (c *DefinitionsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/definitions", c.handleListDefinitions)
	mux.HandleFunc("POST /api/definitions", c.handleCreateDefinition)
	mux.HandleFunc("GET /api/definitions/{id}", c.handleGetDefinition)
	mux.HandleFunc("PUT /api/definitions/{id}", c.handleUpdateDefinition)
	mux.HandleFunc("POST /api/definitions/{id}/status", c.handleUpdateStatus)
	mux.HandleFunc("GET /api/definitions/{id}/stats", c.handleGetStats)
	mux.HandleFunc("GET /api/definitions/{id}/enrollments", c.handleListEnrollments)
}
func (c *EventsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/events", c.handleTriggerEvent)
	mux.HandleFunc("POST /api/events/async", c.handlePublishTrigger)
	mux.HandleFunc("POST /api/deliveries/events", c.handleDeliveryEvent)
	mux.HandleFunc("POST /api/deliveries/events/async", c.handlePublishDelivery)
}
func (c *EnrollmentsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/enrollments/{id}", c.handleGetEnrollment)
	mux.HandleFunc("GET /api/enrollments/{id}/deliveries", c.handleGetDeliveries)
	mux.HandleFunc("POST /api/enrollments/search", c.handleSearchEnrollments)
}
func (c *ExecutorsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/executors", c.handleGetExecutors)
}
