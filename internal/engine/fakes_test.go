package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RealZimboGuy/campaignflow/internal/config"
	"github.com/RealZimboGuy/campaignflow/internal/repository"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memDefinitions struct {
	mu   sync.Mutex
	defs map[string]*domain.WorkflowDefinition
}

func newMemDefinitions(defs ...*domain.WorkflowDefinition) *memDefinitions {
	m := &memDefinitions{defs: map[string]*domain.WorkflowDefinition{}}
	for _, d := range defs {
		m.defs[d.ID] = d
	}
	return m
}

func (m *memDefinitions) Save(_ context.Context, def *domain.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *def
	if old, ok := m.defs[def.ID]; ok {
		cp.Stats = old.Stats
	}
	m.defs[def.ID] = &cp
	return nil
}

func (m *memDefinitions) FindByID(_ context.Context, id string) (*domain.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDefinitions) FindStatus(ctx context.Context, id string) (domain.DefinitionStatus, error) {
	d, err := m.FindByID(ctx, id)
	if err != nil {
		return "", err
	}
	return d.Status, nil
}

func (m *memDefinitions) FindActiveByTriggerType(_ context.Context, triggerType string) ([]*domain.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.WorkflowDefinition
	for _, d := range m.defs {
		if d.Status == domain.DefinitionActive && d.Trigger.Type == triggerType {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memDefinitions) FindAll(_ context.Context) ([]*domain.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.WorkflowDefinition
	for _, d := range m.defs {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memDefinitions) UpdateStatus(_ context.Context, id string, status domain.DefinitionStatus, updated time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status, d.Updated = status, updated
	return nil
}

func (m *memDefinitions) IncrementStats(_ context.Context, id string, delta domain.StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Stats.TotalEntered += delta.Entered
	d.Stats.CurrentlyActive += delta.Active
	d.Stats.Completed += delta.Completed
	d.Stats.Exited += delta.Exited
	d.Stats.Failed += delta.Failed
	d.Stats.GoalsReached += delta.GoalsReached
	d.Stats.EmailsSent += delta.EmailsSent
	d.Stats.Revenue += delta.Revenue
	return nil
}

func (m *memDefinitions) stats(id string) domain.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defs[id].Stats
}

type memEnrollments struct {
	mu         sync.Mutex
	rows       map[string]*domain.Enrollment
	history    map[string][]domain.HistoryEntry
	deliveries *memDeliveries
	commits    int
}

func newMemEnrollments(deliveries *memDeliveries) *memEnrollments {
	return &memEnrollments{
		rows:       map[string]*domain.Enrollment{},
		history:    map[string][]domain.HistoryEntry{},
		deliveries: deliveries,
	}
}

func claimFree(e *domain.Enrollment, now time.Time) bool {
	return !e.ClaimedBy.Valid || e.ClaimExpiresAt.Time.Before(now)
}

func (m *memEnrollments) Create(_ context.Context, e *domain.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if key := row.ActiveKey(); key.Valid && key == e.ActiveKey() {
			return repository.ErrActiveEnrollmentExists
		}
	}
	cp := *e
	m.rows[e.ID] = &cp
	return nil
}

func (m *memEnrollments) FindByID(_ context.Context, id string) (*domain.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memEnrollments) FindByDefinitionAndContact(_ context.Context, definitionID, contactID string) ([]*domain.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Enrollment
	for _, e := range m.rows {
		if e.DefinitionID == definitionID && e.ContactID == contactID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryNumber < out[j].EntryNumber })
	return out, nil
}

func (m *memEnrollments) FindDue(_ context.Context, now time.Time, limit int) ([]*domain.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Enrollment
	for _, e := range m.rows {
		if e.Status == domain.EnrollmentActive && e.NextActionAt.Valid && !e.NextActionAt.Time.After(now) && claimFree(e, now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memEnrollments) Claim(_ context.Context, id, token string, now time.Time, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok || e.Status != domain.EnrollmentActive || !e.NextActionAt.Valid || e.NextActionAt.Time.After(now) || !claimFree(e, now) {
		return false, nil
	}
	e.ClaimedBy = sql.NullString{String: token, Valid: true}
	e.ClaimExpiresAt = sql.NullTime{Time: now.Add(lease), Valid: true}
	return true, nil
}

func (m *memEnrollments) ExtendClaim(_ context.Context, id, token string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok || e.ClaimedBy.String != token {
		return repository.ErrClaimLost
	}
	e.ClaimExpiresAt = sql.NullTime{Time: until, Valid: true}
	return nil
}

func (m *memEnrollments) Release(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.rows[id]; ok && e.ClaimedBy.String == token {
		e.ClaimedBy, e.ClaimExpiresAt = sql.NullString{}, sql.NullTime{}
	}
	return nil
}

func (m *memEnrollments) Commit(_ context.Context, token string, c repository.EnrollmentCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[c.Enrollment.ID]
	if !ok || !row.ClaimedBy.Valid || row.ClaimedBy.String != token || row.Status == domain.EnrollmentExited {
		return repository.ErrClaimLost
	}
	cp := *c.Enrollment
	cp.ClaimedBy, cp.ClaimExpiresAt = row.ClaimedBy, row.ClaimExpiresAt
	if c.Release {
		cp.ClaimedBy, cp.ClaimExpiresAt = sql.NullString{}, sql.NullTime{}
		c.Enrollment.ClaimedBy, c.Enrollment.ClaimExpiresAt = sql.NullString{}, sql.NullTime{}
	}
	m.rows[cp.ID] = &cp
	h := m.history[cp.ID]
	for _, entry := range c.History {
		entry.Seq = len(h) + 1
		h = append(h, entry)
	}
	m.history[cp.ID] = h
	for _, l := range c.DeliveryLogs {
		m.deliveries.put(l)
	}
	m.commits++
	return nil
}

func (m *memEnrollments) History(_ context.Context, enrollmentID string) ([]domain.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.HistoryEntry(nil), m.history[enrollmentID]...), nil
}

func (m *memEnrollments) SetStatusForDefinition(_ context.Context, definitionID string, from, to domain.EnrollmentStatus, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.rows {
		if e.DefinitionID == definitionID && e.Status == from && claimFree(e, now) {
			e.Status, e.Modified = to, now
			n++
		}
	}
	return n, nil
}

func (m *memEnrollments) ExitAllForDefinition(_ context.Context, definitionID, reason string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.rows {
		if e.DefinitionID == definitionID && (e.Status == domain.EnrollmentActive || e.Status == domain.EnrollmentPaused) && claimFree(e, now) {
			e.Status = domain.EnrollmentExited
			e.ExitReason = sql.NullString{String: reason, Valid: true}
			e.ExitedAt = sql.NullTime{Time: now, Valid: true}
			e.NextActionAt = sql.NullTime{}
			n++
		}
	}
	return n, nil
}

func (m *memEnrollments) ReleaseExpiredClaims(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.rows {
		if e.ClaimedBy.Valid && e.ClaimExpiresAt.Time.Before(now) {
			e.ClaimedBy, e.ClaimExpiresAt = sql.NullString{}, sql.NullTime{}
			n++
		}
	}
	return n, nil
}

func (m *memEnrollments) SearchEnrollments(_ context.Context, req models.SearchEnrollmentsRequest) ([]*domain.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Enrollment
	for _, e := range m.rows {
		if (req.DefinitionID == "" || e.DefinitionID == req.DefinitionID) &&
			(req.ContactID == "" || e.ContactID == req.ContactID) &&
			(req.Status == "" || string(e.Status) == req.Status) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memEnrollments) only() *domain.Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rows) != 1 {
		panic(fmt.Sprintf("expected exactly one enrollment, have %d", len(m.rows)))
	}
	for _, e := range m.rows {
		cp := *e
		return &cp
	}
	return nil
}

func (m *memEnrollments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memDeliveries struct {
	mu   sync.Mutex
	logs map[string]*domain.DeliveryLog
	// updateHook lets a test interfere with UpdateIfUnmodified.
	updateHook func(l *domain.DeliveryLog)
}

func newMemDeliveries() *memDeliveries {
	return &memDeliveries{logs: map[string]*domain.DeliveryLog{}}
}

func (m *memDeliveries) put(l *domain.DeliveryLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.logs[l.ID] = &cp
}

func (m *memDeliveries) FindByDeliveryID(_ context.Context, deliveryID string) (*domain.DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.logs {
		if l.DeliveryID == deliveryID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memDeliveries) FindLatestForStep(_ context.Context, enrollmentID, stepID string) (*domain.DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.DeliveryLog
	for _, l := range m.logs {
		if l.EnrollmentID == enrollmentID && l.StepID == stepID && (latest == nil || l.Created.After(latest.Created)) {
			latest = l
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memDeliveries) FindByEnrollment(_ context.Context, enrollmentID string) ([]*domain.DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.DeliveryLog
	for _, l := range m.logs {
		if l.EnrollmentID == enrollmentID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (m *memDeliveries) UpdateIfUnmodified(_ context.Context, l *domain.DeliveryLog, prevModified time.Time) (bool, error) {
	if m.updateHook != nil {
		hook := m.updateHook
		m.updateHook = nil
		hook(l)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.logs[l.ID]
	if !ok || !cur.Modified.Equal(prevModified) {
		return false, nil
	}
	cp := *l
	m.logs[l.ID] = &cp
	return true, nil
}

// MockExecutorRepo follows the func-field mock style used across the engine tests.
type MockExecutorRepo struct {
	SaveFunc                     func(e *domain.Executor) (int64, error)
	UpdateLastActiveFunc         func(id int64, ts time.Time) error
	GetExecutorsByLastActiveFunc func(limit int) ([]*domain.Executor, error)
}

func (m *MockExecutorRepo) Save(_ context.Context, e *domain.Executor) (int64, error) {
	if m.SaveFunc != nil {
		return m.SaveFunc(e)
	}
	return 1, nil
}

func (m *MockExecutorRepo) UpdateLastActive(_ context.Context, id int64, ts time.Time) error {
	if m.UpdateLastActiveFunc != nil {
		return m.UpdateLastActiveFunc(id, ts)
	}
	return nil
}

func (m *MockExecutorRepo) GetExecutorsByLastActive(_ context.Context, limit int) ([]*domain.Executor, error) {
	if m.GetExecutorsByLastActiveFunc != nil {
		return m.GetExecutorsByLastActiveFunc(limit)
	}
	return nil, nil
}

type fakeContacts struct {
	mu       sync.Mutex
	contacts map[string]*domain.Contact
	// failWith makes every call return the error.
	failWith error
}

func newFakeContacts(contacts ...*domain.Contact) *fakeContacts {
	f := &fakeContacts{contacts: map[string]*domain.Contact{}}
	for _, c := range contacts {
		f.contacts[c.ID] = c
	}
	return f
}

func (f *fakeContacts) lookup(id string) (*domain.Contact, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	c, ok := f.contacts[id]
	if !ok {
		return nil, ErrContactNotFound
	}
	return c, nil
}

func (f *fakeContacts) GetContact(_ context.Context, id string) (*domain.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	cp := *c
	cp.Tags = append([]string(nil), c.Tags...)
	return &cp, nil
}

func (f *fakeContacts) HasTag(_ context.Context, id, tag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return false, err
	}
	return c.HasTag(tag), nil
}

func (f *fakeContacts) AddTag(_ context.Context, id, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return err
	}
	if !c.HasTag(tag) {
		c.Tags = append(c.Tags, tag)
	}
	return nil
}

func (f *fakeContacts) RemoveTag(_ context.Context, id, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return err
	}
	kept := c.Tags[:0]
	for _, t := range c.Tags {
		if t != tag {
			kept = append(kept, t)
		}
	}
	c.Tags = kept
	return nil
}

func (f *fakeContacts) AddToList(_ context.Context, id, listID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return err
	}
	c.Lists = append(c.Lists, listID)
	return nil
}

func (f *fakeContacts) RemoveFromList(_ context.Context, id, listID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.lookup(id)
	return err
}

func (f *fakeContacts) UpdateField(_ context.Context, id, field string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return err
	}
	if c.Fields == nil {
		c.Fields = map[string]any{}
	}
	c.Fields[field] = value
	return nil
}

type fakeEmail struct {
	mu       sync.Mutex
	sent     []domain.EmailRequest
	SendFunc func(req domain.EmailRequest) (string, error)
}

func (f *fakeEmail) Send(_ context.Context, req domain.EmailRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendFunc != nil {
		id, err := f.SendFunc(req)
		if err != nil {
			return "", err
		}
		f.sent = append(f.sent, req)
		return id, nil
	}
	f.sent = append(f.sent, req)
	return fmt.Sprintf("delivery-%d", len(f.sent)), nil
}

func (f *fakeEmail) templates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.sent {
		out = append(out, r.TemplateRef)
	}
	return out
}

type fakeWebhook struct {
	PostFunc func(url string, body any) (int, error)
}

func (f *fakeWebhook) Post(_ context.Context, url string, body any, _ time.Duration) (int, error) {
	if f.PostFunc != nil {
		return f.PostFunc(url, body)
	}
	return 200, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

var errProviderDown = errors.New("provider unavailable")

// harness wires an engine against the in-memory fakes.
type harness struct {
	clock       *testClock
	definitions *memDefinitions
	enrollments *memEnrollments
	deliveries  *memDeliveries
	contacts    *fakeContacts
	email       *fakeEmail
	webhooks    *fakeWebhook
	notifier    *fakeNotifier
	engine      *Engine
}

var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC) // a Monday

func testEngineSettings() config.EngineSettings {
	return config.EngineSettings{
		ScanInterval:   time.Second,
		BatchSize:      10,
		ExecutorSize:   2,
		ClaimLease:     2 * time.Minute,
		CallTimeout:    time.Second,
		MaxAttempts:    3,
		RetryMin:       30 * time.Second,
		RetryMax:       10 * time.Minute,
		MaxStepsPerRun: 50,
		Timezone:       "UTC",
	}
}

func newHarness(defs ...*domain.WorkflowDefinition) *harness {
	h := &harness{
		clock:       newTestClock(t0),
		definitions: newMemDefinitions(defs...),
		deliveries:  newMemDeliveries(),
		contacts: newFakeContacts(&domain.Contact{
			ID:    "contact-1",
			Email: "ada@example.com",
		}),
		email:    &fakeEmail{},
		webhooks: &fakeWebhook{},
		notifier: &fakeNotifier{},
	}
	h.enrollments = newMemEnrollments(h.deliveries)
	eng, err := New(Dependencies{
		Definitions: h.definitions,
		Enrollments: h.enrollments,
		Deliveries:  h.deliveries,
		Executors:   &MockExecutorRepo{},
		Contacts:    h.contacts,
		Email:       h.email,
		Webhooks:    h.webhooks,
		Notifier:    h.notifier,
		Clock:       h.clock,
	}, testEngineSettings(), "test-executor")
	if err != nil {
		panic(err)
	}
	h.engine = eng
	return h
}

func (h *harness) trigger(ctx context.Context, eventType, contactID string, payload map[string]any) *models.TriggerEventResponse {
	res, err := h.engine.Matcher.HandleEvent(ctx, domain.TriggerEvent{Type: eventType, ContactID: contactID, Payload: payload, OccurredAt: h.clock.Now()})
	if err != nil {
		panic(err)
	}
	return res
}

func (h *harness) runDue(ctx context.Context) int {
	n, err := h.engine.Scheduler.RunDue(ctx)
	if err != nil {
		panic(err)
	}
	return n
}

func (h *harness) history(id string) []domain.HistoryEntry {
	entries, _ := h.enrollments.History(context.Background(), id)
	return entries
}

func newStep(id string, cfg domain.StepConfig, next ...string) domain.Step {
	return domain.Step{ID: id, Type: cfg.StepType(), Config: cfg, NextSteps: next}
}

func activeDefinition(id string, steps ...domain.Step) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:      id,
		Name:    "Definition " + id,
		Status:  domain.DefinitionActive,
		Trigger: domain.Trigger{Type: "signup"},
		Steps:   steps,
	}
}

// welcomeFlow is email("Welcome") -> delay(1 day) -> condition(email_opened) {yes: B, no: C}.
func welcomeFlow(id string) *domain.WorkflowDefinition {
	return activeDefinition(id,
		newStep("welcome", &domain.EmailConfig{TemplateRef: "Welcome"}, "wait"),
		newStep("wait", &domain.DelayConfig{DelayType: domain.DelayFixed, DelayValue: 1, DelayUnit: "days"}, "opened"),
		newStep("opened", &domain.ConditionConfig{ConditionType: domain.ConditionEmailOpened, YesPath: "email-b", NoPath: "email-c"}),
		newStep("email-b", &domain.EmailConfig{TemplateRef: "B"}),
		newStep("email-c", &domain.EmailConfig{TemplateRef: "C"}),
	)
}
