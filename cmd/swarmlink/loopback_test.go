package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/swarmlink/internal/orchestrator"
	"github.com/basket/swarmlink/internal/queue"
)

func testFlow() orchestrator.Flow {
	return loopbackFlow(slog.Default(), nooptrace.NewTracerProvider().Tracer("test"))
}

func TestLoopbackFlow(t *testing.T) {
	t.Run("checkpoints_every_turn", func(t *testing.T) {
		flow := testFlow()
		var turns []int
		env := orchestrator.FlowEnv{
			JobID:      "job-1",
			MaxTurns:   3,
			Checkpoint: func(turn int) { turns = append(turns, turn) },
		}
		if err := flow(context.Background(), env); err != nil {
			t.Fatalf("flow: %v", err)
		}
		if len(turns) != 3 || turns[0] != 1 || turns[2] != 3 {
			t.Errorf("checkpoints: got %v", turns)
		}
	})

	t.Run("resumes_from_start_turn", func(t *testing.T) {
		flow := testFlow()
		var turns []int
		env := orchestrator.FlowEnv{
			JobID:      "job-1",
			MaxTurns:   4,
			StartTurn:  2,
			Checkpoint: func(turn int) { turns = append(turns, turn) },
		}
		if err := flow(context.Background(), env); err != nil {
			t.Fatalf("flow: %v", err)
		}
		if len(turns) != 2 || turns[0] != 3 {
			t.Errorf("resumed checkpoints: got %v", turns)
		}
	})

	t.Run("stops_on_cancellation", func(t *testing.T) {
		flow := testFlow()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		env := orchestrator.FlowEnv{
			JobID:      "job-1",
			MaxTurns:   5,
			Checkpoint: func(int) {},
		}
		if err := flow(ctx, env); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestLogDeliverer(t *testing.T) {
	deliver := logDeliverer(slog.Default())
	if err := deliver(queue.Delivery{Text: "hi", Origin: "test", Items: 1}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
}
