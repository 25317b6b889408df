// Package integration runs whole campaigns against a real database through
// the HTTP API.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/campaignflow/internal/adapters/contacts"
	"github.com/RealZimboGuy/campaignflow/internal/config"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

// Start is a Monday morning so sending windows and weekday delays are
// predictable.
var Start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// RecordingEmail accepts every send and remembers it.
type RecordingEmail struct {
	mu   sync.Mutex
	Sent []domain.EmailRequest
	ids  []string
}

func (r *RecordingEmail) Send(ctx context.Context, req domain.EmailRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := "dlv-" + uuid.NewString()
	r.Sent = append(r.Sent, req)
	r.ids = append(r.ids, id)
	return id, nil
}

func (r *RecordingEmail) DeliveryIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

// Harness is a fully wired application served by an httptest server.
type Harness struct {
	App      *campaignflow.App
	Server   *httptest.Server
	Clock    *FakeClock
	Email    *RecordingEmail
	Contacts *contacts.MemoryStore
	Client   *http.Client
}

// StartApp loads settings from the CFLOW_* environment the caller prepared
// and wires the app with a fake clock and in-memory collaborators.
func StartApp(t *testing.T, seed ...*domain.Contact) *Harness {
	t.Helper()
	settings, err := config.Load()
	require.NoError(t, err)

	h := &Harness{
		Clock:    NewFakeClock(Start),
		Email:    &RecordingEmail{},
		Contacts: contacts.NewMemoryStore(seed...),
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
	app, err := campaignflow.New(t.Context(), settings, campaignflow.Options{
		Clock:    h.Clock,
		Contacts: h.Contacts,
		Email:    h.Email,
	})
	require.NoError(t, err)
	h.App = app
	h.Server = httptest.NewServer(app.Mux)
	t.Cleanup(func() {
		h.Server.Close()
		_ = app.Close()
	})
	return h
}

// Do sends a JSON request and decodes a JSON response into out when given.
func (h *Harness) Do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, h.Server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// RunDue runs every due enrollment at the current fake time.
func (h *Harness) RunDue(t *testing.T) int {
	t.Helper()
	n, err := h.App.Engine.Scheduler.RunDue(t.Context())
	require.NoError(t, err)
	return n
}

// CreateActive stores a definition and activates it.
func (h *Harness) CreateActive(t *testing.T, definition string) domain.WorkflowDefinition {
	t.Helper()
	var def domain.WorkflowDefinition
	require.Equal(t, http.StatusCreated, h.Do(t, http.MethodPost, "/api/definitions", definition, &def))
	require.Equal(t, http.StatusOK, h.Do(t, http.MethodPost, fmt.Sprintf("/api/definitions/%s/status", def.ID),
		map[string]string{"status": "active"}, &def))
	require.Equal(t, domain.DefinitionActive, def.Status)
	return def
}
