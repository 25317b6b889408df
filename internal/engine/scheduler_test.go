package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

func TestScheduler_StartRunsDueEnrollments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(welcomeFlow("wf-1"))
	registered := make(chan *domain.Executor, 1)
	h.engine.Scheduler.Executors = &MockExecutorRepo{
		SaveFunc: func(e *domain.Executor) (int64, error) {
			registered <- e
			return 7, nil
		},
	}
	h.trigger(ctx, "signup", "contact-1", nil)

	go h.engine.Scheduler.Start(ctx)

	select {
	case e := <-registered:
		assert.Equal(t, "test-executor", e.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("executor was never registered")
	}
	assert.Eventually(t, func() bool {
		e := h.enrollments.only()
		return e.CurrentStep.String == "wait" && !e.ClaimedBy.Valid
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Welcome"}, h.email.templates())
}

func TestScheduler_WakeupNeverBlocks(t *testing.T) {
	h := newHarness()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.engine.Scheduler.Wakeup()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wakeup blocked")
	}
}

func TestScheduler_RunDueDrainsInBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(welcomeFlow("wf-1"))
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("c-%02d", i)
		h.contacts.contacts[id] = &domain.Contact{ID: id, Email: id + "@example.com"}
		h.trigger(ctx, "signup", id, nil)
	}

	assert.Equal(t, 25, h.runDue(ctx))
	assert.Len(t, h.email.templates(), 25)
	assert.Equal(t, 0, h.runDue(ctx))
}

func TestScheduler_ClaimTokensCarryExecutorID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(welcomeFlow("wf-1"))
	h.trigger(ctx, "signup", "contact-1", nil)
	h.engine.Scheduler.executorID = 42

	claimed := h.engine.Scheduler.claimDue(ctx, 10)
	require.Len(t, claimed, 1)
	assert.True(t, strings.HasPrefix(claimed[0].token, "42-"), claimed[0].token)
	assert.Equal(t, claimed[0].token, h.enrollments.only().ClaimedBy.String)

	// already claimed, nothing left to take
	assert.Empty(t, h.engine.Scheduler.claimDue(ctx, 10))
}

func TestScheduler_ScanRespectsQueueCapacity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(welcomeFlow("wf-1"))
	s := h.engine.Scheduler
	for i := 0; i < cap(s.queue); i++ {
		s.queue <- claimedEnrollment{enrollment: &domain.Enrollment{ID: fmt.Sprintf("filler-%d", i)}}
	}
	h.trigger(ctx, "signup", "contact-1", nil)

	s.scan(ctx)
	assert.False(t, h.enrollments.only().ClaimedBy.Valid)

	for len(s.queue) > 0 {
		<-s.queue
	}
	s.scan(ctx)
	require.Len(t, s.queue, 1)
	c := <-s.queue
	assert.Equal(t, h.enrollments.only().ID, c.enrollment.ID)
}

func TestScheduler_RepairReleasesExpiredClaims(t *testing.T) {
	ctx := context.Background()
	h := newHarness(welcomeFlow("wf-1"))
	h.trigger(ctx, "signup", "contact-1", nil)
	e := h.enrollments.only()

	ok, err := h.enrollments.Claim(ctx, e.ID, "crashed-worker", t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, h.runDue(ctx))

	h.clock.Advance(2 * time.Minute)
	h.engine.Scheduler.Repair(ctx)
	assert.False(t, h.enrollments.only().ClaimedBy.Valid)
	assert.Equal(t, 1, h.runDue(ctx))
	assert.Equal(t, []string{"Welcome"}, h.email.templates())
}

func TestScheduler_ListExecutors(t *testing.T) {
	h := newHarness()
	h.engine.Scheduler.Executors = &MockExecutorRepo{
		GetExecutorsByLastActiveFunc: func(limit int) ([]*domain.Executor, error) {
			assert.Equal(t, 5, limit)
			return []*domain.Executor{{ID: 1, Name: "a"}}, nil
		},
	}
	got, err := h.engine.Scheduler.ListExecutors(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)
}

type panickingDefinitions struct {
	*memDefinitions
}

func (panickingDefinitions) FindByID(context.Context, string) (*domain.WorkflowDefinition, error) {
	panic("boom")
}

func TestWorker_RecoversAndReleasesClaim(t *testing.T) {
	ctx := context.Background()
	h := newHarness(welcomeFlow("wf-1"))
	h.trigger(ctx, "signup", "contact-1", nil)
	claimed := h.engine.Scheduler.claimDue(ctx, 1)
	require.Len(t, claimed, 1)

	runner := *h.engine.Runner
	runner.Definitions = panickingDefinitions{h.definitions}
	assert.NotPanics(t, func() { runClaimed(ctx, 0, &runner, claimed[0]) })
	assert.False(t, h.enrollments.only().ClaimedBy.Valid)
}

func TestWorker_StopsOnCancel(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Worker(ctx, 0, h.engine.Runner, make(chan claimedEnrollment))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
