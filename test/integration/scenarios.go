package integration

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/models"
)

// NurtureDefinition sends a welcome mail, waits a day and then tags openers
// or reminds everyone else.
const NurtureDefinition = `{
	"name": "Nurture",
	"trigger": {"type": "contact_created"},
	"steps": [
		{"id": "welcome", "type": "email", "config": {"templateRef": "welcome"}, "nextSteps": ["wait"]},
		{"id": "wait", "type": "delay", "config": {"delayType": "fixed", "delayValue": 1, "delayUnit": "days"}, "nextSteps": ["opened"]},
		{"id": "opened", "type": "condition", "config": {"conditionType": "email_opened", "yesPath": "tag", "noPath": "reminder"}},
		{"id": "tag", "type": "action", "config": {"actionType": "add_tag", "tag": "engaged"}},
		{"id": "reminder", "type": "email", "config": {"templateRef": "reminder"}}
	]
}`

// Contacts seeds the two recipients the scenarios use.
func Contacts() []*domain.Contact {
	return []*domain.Contact{
		{ID: "c-open", Email: "open@example.com"},
		{ID: "c-quiet", Email: "quiet@example.com"},
	}
}

func trigger(t *testing.T, h *Harness, contactID string) models.TriggerEventResponse {
	t.Helper()
	var res models.TriggerEventResponse
	require.Equal(t, http.StatusOK, h.Do(t, http.MethodPost, "/api/events",
		map[string]any{"type": "contact_created", "contactId": contactID}, &res))
	return res
}

func enrollmentOf(t *testing.T, h *Harness, definitionID, contactID string) models.EnrollmentResponse {
	t.Helper()
	var list models.EnrollmentListResponse
	require.Equal(t, http.StatusOK, h.Do(t, http.MethodPost, "/api/enrollments/search",
		models.SearchEnrollmentsRequest{DefinitionID: definitionID, ContactID: contactID}, &list))
	require.Len(t, list.Enrollments, 1)
	var e models.EnrollmentResponse
	require.Equal(t, http.StatusOK, h.Do(t, http.MethodGet, "/api/enrollments/"+list.Enrollments[0].ID, nil, &e))
	return e
}

func historySteps(e models.EnrollmentResponse) []string {
	var steps []string
	for _, entry := range e.History {
		steps = append(steps, entry.StepID)
	}
	return steps
}

// RunNurtureCampaign walks two contacts through the nurture graph, one of
// whom opens the welcome mail.
func RunNurtureCampaign(t *testing.T, h *Harness) {
	def := h.CreateActive(t, NurtureDefinition)

	for _, c := range []string{"c-open", "c-quiet"} {
		res := trigger(t, h, c)
		require.Len(t, res.Enrolled, 1, c)
	}
	assert.Equal(t, 2, h.RunDue(t))
	require.Len(t, h.Email.Sent, 2)

	var deliveryID string
	for i, req := range h.Email.Sent {
		assert.Equal(t, "welcome", req.TemplateRef)
		if req.ContactID == "c-open" {
			deliveryID = h.Email.DeliveryIDs()[i]
		}
	}
	require.NotEmpty(t, deliveryID)

	waiting := enrollmentOf(t, h, def.ID, "c-open")
	assert.Equal(t, domain.EnrollmentActive, waiting.Status)
	require.NotNil(t, waiting.NextActionAt)
	assert.True(t, waiting.NextActionAt.Equal(Start.Add(24*time.Hour)), "next action %s", waiting.NextActionAt)

	var opened models.DeliveryEventResponse
	require.Equal(t, http.StatusOK, h.Do(t, http.MethodPost, "/api/deliveries/events",
		map[string]any{"deliveryId": deliveryID, "event": "opened"}, &opened))
	assert.Equal(t, domain.DeliveryOpened, opened.Status)
	assert.True(t, opened.Changed)

	// nothing is due until the delay has passed
	assert.Equal(t, 0, h.RunDue(t))
	h.Clock.Add(25 * time.Hour)
	assert.Equal(t, 2, h.RunDue(t))

	done := enrollmentOf(t, h, def.ID, "c-open")
	assert.Equal(t, domain.EnrollmentCompleted, done.Status)
	assert.Nil(t, done.CurrentStep)
	assert.Equal(t, []string{"welcome", "wait", "tag"}, historySteps(done))

	contact, err := h.Contacts.GetContact(t.Context(), "c-open")
	require.NoError(t, err)
	assert.True(t, contact.HasTag("engaged"))

	quiet := enrollmentOf(t, h, def.ID, "c-quiet")
	assert.Equal(t, domain.EnrollmentCompleted, quiet.Status)
	assert.Equal(t, []string{"welcome", "wait", "reminder"}, historySteps(quiet))
	require.Len(t, h.Email.Sent, 3)
	assert.Equal(t, "reminder", h.Email.Sent[2].TemplateRef)
	assert.Equal(t, "c-quiet", h.Email.Sent[2].ContactID)

	var deliveries []models.DeliveryLogResponse
	require.Equal(t, http.StatusOK, h.Do(t, http.MethodGet, "/api/enrollments/"+quiet.ID+"/deliveries", nil, &deliveries))
	require.Len(t, deliveries, 2)
	assert.Equal(t, "welcome", deliveries[0].StepID)
	assert.Equal(t, "reminder", deliveries[1].StepID)

	var stats domain.Stats
	require.Equal(t, http.StatusOK, h.Do(t, http.MethodGet, fmt.Sprintf("/api/definitions/%s/stats", def.ID), nil, &stats))
	assert.EqualValues(t, 2, stats.TotalEntered)
	assert.EqualValues(t, 0, stats.CurrentlyActive)
	assert.EqualValues(t, 2, stats.Completed)
	assert.EqualValues(t, 3, stats.EmailsSent)
}

// RunDuplicateTrigger checks a contact is enrolled only once while active.
func RunDuplicateTrigger(t *testing.T, h *Harness) {
	def := h.CreateActive(t, NurtureDefinition)

	first := trigger(t, h, "c-open")
	require.Len(t, first.Enrolled, 1)
	second := trigger(t, h, "c-open")
	assert.Empty(t, second.Enrolled)
	assert.Equal(t, 1, second.Skipped)

	var stats domain.Stats
	require.Equal(t, http.StatusOK, h.Do(t, http.MethodGet, fmt.Sprintf("/api/definitions/%s/stats", def.ID), nil, &stats))
	assert.EqualValues(t, 1, stats.TotalEntered)
}

// RunPauseResumeArchive pauses a definition mid-delay, resumes it and then
// archives it.
func RunPauseResumeArchive(t *testing.T, h *Harness) {
	def := h.CreateActive(t, NurtureDefinition)
	require.Len(t, trigger(t, h, "c-quiet").Enrolled, 1)
	assert.Equal(t, 1, h.RunDue(t))

	status := func(to domain.DefinitionStatus) {
		t.Helper()
		require.Equal(t, http.StatusOK, h.Do(t, http.MethodPost, fmt.Sprintf("/api/definitions/%s/status", def.ID),
			map[string]string{"status": string(to)}, nil))
	}

	status(domain.DefinitionPaused)
	assert.Equal(t, domain.EnrollmentPaused, enrollmentOf(t, h, def.ID, "c-quiet").Status)
	h.Clock.Add(25 * time.Hour)
	assert.Equal(t, 0, h.RunDue(t), "paused enrollments are not scheduled")

	// paused definitions refuse new enrollments
	assert.Empty(t, trigger(t, h, "c-open").Enrolled)

	status(domain.DefinitionActive)
	assert.Equal(t, domain.EnrollmentActive, enrollmentOf(t, h, def.ID, "c-quiet").Status)

	status(domain.DefinitionArchived)
	archived := enrollmentOf(t, h, def.ID, "c-quiet")
	assert.Equal(t, domain.EnrollmentExited, archived.Status)
	require.NotNil(t, archived.ExitReason)
	assert.Equal(t, domain.ExitReasonWorkflowArchived, *archived.ExitReason)

	assert.Equal(t, http.StatusConflict, h.Do(t, http.MethodPost, fmt.Sprintf("/api/definitions/%s/status", def.ID),
		map[string]string{"status": "active"}, nil))
}

// RunRejectsInvalidInput covers the problem responses of the API.
func RunRejectsInvalidInput(t *testing.T, h *Harness) {
	assert.Equal(t, http.StatusBadRequest, h.Do(t, http.MethodPost, "/api/definitions", `{"name": "no steps"}`, nil))
	assert.Equal(t, http.StatusNotFound, h.Do(t, http.MethodGet, "/api/definitions/missing", nil, nil))
	assert.Equal(t, http.StatusNotFound, h.Do(t, http.MethodPost, "/api/deliveries/events",
		map[string]any{"deliveryId": "unknown", "event": "opened"}, nil))
	assert.Equal(t, http.StatusBadRequest, h.Do(t, http.MethodPost, "/api/events", `{"type": "contact_created"}`, nil))
}
