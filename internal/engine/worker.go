package engine

import (
	"context"
	"log/slog"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"

	"github.com/RealZimboGuy/campaignflow/internal/telemetry"
)

// Worker runs claimed enrollments from the queue until ctx is done. A panic
// in one enrollment is logged and its claim released.
func Worker(ctx context.Context, id int, runner *Runner, queue <-chan claimedEnrollment) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-queue:
			runClaimed(ctx, id, runner, c)
		}
	}
}

func runClaimed(ctx context.Context, workerID int, runner *Runner, c claimedEnrollment) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.worker")
	span.SetAttributes(attribute.Int(string(telemetry.WorkerIDKey), workerID))
	defer span.End()
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "Worker recovered from panic", "worker_id", workerID, "enrollment_id", c.enrollment.ID, "panic", rec, "stack", string(debug.Stack()))
			runner.release(context.WithoutCancel(ctx), c.enrollment, c.token)
		}
	}()

	slog.DebugContext(ctx, "Worker starting enrollment", "worker_id", workerID, "enrollment_id", c.enrollment.ID)
	err := runner.Run(ctx, c.enrollment, c.token)
	switch {
	case err == nil:
	case IsClaimConflict(err):
		slog.DebugContext(ctx, "Claim lost while running", "worker_id", workerID, "enrollment_id", c.enrollment.ID)
	default:
		slog.ErrorContext(ctx, "Enrollment run failed", "worker_id", workerID, "enrollment_id", c.enrollment.ID, "error", err)
	}
}
