package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/swarmlink/internal/bus"
	"github.com/basket/swarmlink/internal/delegation"
	"github.com/basket/swarmlink/internal/engine"
	"github.com/basket/swarmlink/internal/jobstore"
	"github.com/basket/swarmlink/internal/orchestrator"
	"github.com/basket/swarmlink/internal/otel"
	"github.com/basket/swarmlink/internal/queue"
	"github.com/basket/swarmlink/internal/shared"
)

// loopbackFlow simulates an exchange: one checkpointed turn every tick until
// maxTurns, honoring cancellation at turn boundaries. It gives the daemon a
// complete flow implementation without any network transport. Each turn opens
// a client span, standing in for the outbound peer call a real transport
// would make.
func loopbackFlow(logger *slog.Logger, tracer trace.Tracer) orchestrator.Flow {
	return func(ctx context.Context, env orchestrator.FlowEnv) error {
		maxTurns := env.MaxTurns
		if maxTurns <= 0 {
			maxTurns = 3
		}
		for turn := env.StartTurn; turn < maxTurns; turn++ {
			_, span := otel.StartClientSpan(ctx, tracer, "loopback.turn",
				otel.AttrJobID.String(env.JobID),
				otel.AttrTurn.Int(turn+1),
			)
			select {
			case <-ctx.Done():
				span.End()
				return ctx.Err()
			case <-time.After(20 * time.Millisecond):
			}
			span.End()
			env.Checkpoint(turn + 1)
			logger.Debug("loopback: turn complete", "jobID", shared.JobID(ctx), "turn", turn+1)
		}
		return nil
	}
}

// logDeliverer is the loopback notification sink: rendered messages go to
// the structured log instead of a peer channel.
func logDeliverer(logger *slog.Logger) queue.DeliverFunc {
	return func(d queue.Delivery) error {
		logger.Info("loopback: delivering notification",
			"origin", d.Origin, "items", d.Items, "text", d.Text)
		return nil
	}
}

// runSmoke drives one durable loopback exchange and one queued notification
// through the full stack, failing if either does not complete.
func runSmoke(ctx context.Context, rt *engine.Runtime, logger *slog.Logger) error {
	logger.Info("smoke: starting loopback exchange")

	sub := rt.Bus().Subscribe(bus.TopicExchangeComplete)
	defer rt.Bus().Unsubscribe(sub)

	jobID, err := rt.StartExchange(jobstore.CreateParams{
		TargetKey:    "loopback",
		DisplayLabel: "smoke test",
		Payload:      "ping",
		MaxTurns:     3,
	})
	if err != nil {
		return fmt.Errorf("smoke: start exchange: %w", err)
	}

	select {
	case ev := <-sub.Ch():
		complete, ok := ev.Payload.(bus.ExchangeComplete)
		if !ok || complete.JobID != jobID {
			return fmt.Errorf("smoke: unexpected completion event %+v", ev)
		}
		logger.Info("smoke: exchange completed", "jobID", jobID, "turns", complete.Turns)
	case <-time.After(10 * time.Second):
		return errors.New("smoke: exchange did not complete within 10s")
	case <-ctx.Done():
		return ctx.Err()
	}

	job, err := rt.Jobs().ReadJob(jobID)
	if err != nil {
		return fmt.Errorf("smoke: read job: %w", err)
	}
	if job.Status != jobstore.StatusCompleted || job.CurrentTurn != 3 {
		return fmt.Errorf("smoke: job ended %s at turn %d", job.Status, job.CurrentTurn)
	}

	if !rt.Notify("loopback", queue.Item{Text: "smoke test notification", Origin: "smoke"}) {
		return errors.New("smoke: notification rejected")
	}

	if err := smokeDelegation(ctx, rt, logger); err != nil {
		return err
	}

	logger.Info("smoke: passed")
	return nil
}

// smokeDelegation drives one delegation through its full lifecycle so smoke
// mode also covers the tracking and history path.
func smokeDelegation(ctx context.Context, rt *engine.Runtime, logger *slog.Logger) error {
	ctx = shared.WithRunID(ctx, shared.NewRunID())
	runID := shared.RunID(ctx)

	d, err := rt.SpawnDelegation(ctx, runID, "loopback", "smoke delegation", 1)
	if err != nil {
		return fmt.Errorf("smoke: spawn delegation: %w", err)
	}
	steps := []delegation.Change{
		{Status: delegation.StatusRunning},
		{Status: delegation.StatusCompleted, Result: &delegation.ResultSnapshot{
			Content: "pong", OutcomeStatus: "success", CapturedAt: time.Now(),
		}},
		{Status: delegation.StatusVerified, VerificationNote: "loopback echo matched"},
	}
	for _, ch := range steps {
		if _, err := rt.UpdateDelegation(ctx, d.ID, ch); err != nil {
			return fmt.Errorf("smoke: delegation to %s: %w", ch.Status, err)
		}
	}
	if sum := rt.RunSummary(runID); !sum.AllSettled {
		return fmt.Errorf("smoke: delegation run not settled: %+v", sum)
	}
	logger.Info("smoke: delegation lifecycle completed", "runID", runID, "delegationID", d.ID)
	return nil
}
