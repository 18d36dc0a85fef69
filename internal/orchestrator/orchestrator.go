// Package orchestrator launches and supervises agent-to-agent exchange flows.
// A flow is fire-and-forget: the caller gets a job ID back immediately and
// observes progress through the job store and the event bus, never through
// the launch call. On process start, incomplete jobs are resumed from their
// last checkpointed turn.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/swarmlink/internal/a2a"
	"github.com/basket/swarmlink/internal/bus"
	"github.com/basket/swarmlink/internal/gate"
	"github.com/basket/swarmlink/internal/jobstore"
	"github.com/basket/swarmlink/internal/otel"
	"github.com/basket/swarmlink/internal/shared"
)

const (
	defaultGateTimeout = 30 * time.Second
	defaultMaxAttempts = 4
)

// FlowEnv is everything a flow implementation needs to run one exchange.
// Checkpoint must be called after each completed turn with the cumulative
// turn count; it is always non-nil.
type FlowEnv struct {
	JobID          string
	TargetKey      string
	Payload        string
	ConversationID string
	MaxTurns       int
	StartTurn      int
	PerTurnTimeout time.Duration
	Checkpoint     func(turn int)
}

// Flow drives one exchange against a peer. It must honor ctx cancellation at
// turn boundaries and may be re-invoked from the last checkpointed turn, so
// turn execution has to tolerate at-least-once delivery.
type Flow func(ctx context.Context, env FlowEnv) error

// Config holds the orchestrator's collaborators. Store may be nil, which
// disables durability: flows still run, but with no checkpointing, no
// cancellation handle, and no crash recovery.
type Config struct {
	Store       *jobstore.Store
	Gate        *gate.Gate
	Bus         *bus.Bus
	Metrics     *otel.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
	Backoff     a2a.BackoffPolicy
	GateTimeout time.Duration
	MaxAttempts int
}

// Orchestrator supervises exchange flows.
type Orchestrator struct {
	store       *jobstore.Store
	gate        *gate.Gate
	bus         *bus.Bus
	metrics     *otel.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	backoff     a2a.BackoffPolicy
	gateTimeout time.Duration
	maxAttempts int

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gateTimeout := cfg.GateTimeout
	if gateTimeout <= 0 {
		gateTimeout = defaultGateTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:       cfg.Store,
		gate:        cfg.Gate,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		tracer:      tracer,
		logger:      logger,
		backoff:     cfg.Backoff,
		gateTimeout: gateTimeout,
		maxAttempts: maxAttempts,
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// CreateAndStartFlow persists a new job and launches its exchange flow
// without blocking. The returned ID identifies the job; completion is
// observed through the store's status field or the bus, not here.
//
// With no store configured the flow is still launched, minus every
// durability hook. That degradation is deliberate and loud.
func (o *Orchestrator) CreateAndStartFlow(p jobstore.CreateParams, flow Flow) (string, error) {
	if o.store == nil || !o.store.Initialized() {
		id := p.JobID
		if id == "" {
			id = uuid.New().String()
		}
		o.logger.Warn("orchestrator: no job store, running flow without durability",
			"jobID", id, "targetKey", p.TargetKey)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			env := FlowEnv{
				JobID:          id,
				TargetKey:      p.TargetKey,
				Payload:        p.Payload,
				ConversationID: p.ConversationID,
				MaxTurns:       p.MaxTurns,
				PerTurnTimeout: p.PerTurnTimeout,
				Checkpoint:     func(int) {},
			}
			if err := flow(o.baseCtx, env); err != nil {
				o.logger.Error("orchestrator: undurable flow failed", "jobID", id, "error", err)
			}
		}()
		return id, nil
	}

	job, err := o.store.CreateJob(p)
	if err != nil {
		return "", err
	}
	o.launch(job, flow, 0, false)
	return job.JobID, nil
}

// ResumeFlows restarts the exchange flow for each given job, picking up from
// its last checkpointed turn. Returns the number of flows restarted. Callers
// normally feed it the result of GetIncompleteJobs at process start.
func (o *Orchestrator) ResumeFlows(jobs []*jobstore.Job, flow Flow) int {
	count := 0
	for _, job := range jobs {
		o.logger.Info("orchestrator: resuming flow",
			"jobID", job.JobID, "targetKey", job.TargetKey, "fromTurn", job.CurrentTurn)
		o.launch(job, flow, job.CurrentTurn, true)
		count++
	}
	if o.metrics != nil && count > 0 {
		o.metrics.JobsResumed.Add(o.baseCtx, int64(count))
	}
	return count
}

// CancelFlow cancels a running flow. Returns false if no flow with that job
// ID is active. The flow observes cancellation at its next turn boundary;
// checkpoints already recorded stay recorded.
func (o *Orchestrator) CancelFlow(jobID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[jobID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveFlows returns the number of flows with a live cancellation handle.
func (o *Orchestrator) ActiveFlows() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cancels)
}

// Shutdown cancels all flows and waits for them to unwind, or for ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.baseCancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) launch(job *jobstore.Job, flow Flow, startTurn int, resumed bool) {
	flowCtx, cancel := context.WithCancel(o.baseCtx)
	o.mu.Lock()
	o.cancels[job.JobID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.cancels, job.JobID)
			o.mu.Unlock()
			cancel()
		}()
		o.run(flowCtx, job, flow, startTurn, resumed)
	}()
}

// run drives one flow toward a terminal job status. It owns the gate slot for
// the whole exchange and retries retriable failures with jittered backoff.
// An explicit CancelFlow abandons the job; process shutdown leaves it RUNNING
// so the next start resumes it.
func (o *Orchestrator) run(ctx context.Context, job *jobstore.Job, flow Flow, startTurn int, resumed bool) {
	ctx = shared.WithJobID(ctx, job.JobID)
	ctx, span := otel.StartSpan(ctx, o.tracer, "exchange",
		otel.AttrJobID.String(job.JobID),
		otel.AttrTargetKey.String(job.TargetKey),
	)
	defer span.End()

	waitStart := time.Now()
	release, err := o.gate.Acquire(ctx, job.TargetKey, o.gateTimeout)
	if err != nil {
		var te *gate.TimeoutError
		if errors.As(err, &te) {
			// Blocked is not failed: the job stays PENDING-equivalent and a
			// later resume sweep gets another shot at the slot.
			o.logger.Warn("orchestrator: gate timeout, exchange blocked",
				"jobID", job.JobID, "targetKey", job.TargetKey, "active", te.Active)
			if o.metrics != nil {
				o.metrics.GateTimeouts.Add(ctx, 1)
			}
			o.publish(bus.TopicExchangeBlocked, bus.ExchangeBlocked{
				JobID:     job.JobID,
				TargetKey: job.TargetKey,
				Active:    te.Active,
				Timestamp: time.Now(),
			})
			return
		}
		o.logger.Warn("orchestrator: gate acquire aborted", "jobID", job.JobID, "error", err)
		return
	}
	defer release()
	if o.metrics != nil {
		o.metrics.GateWaitDuration.Record(ctx, time.Since(waitStart).Seconds())
		o.metrics.ExchangesActive.Add(ctx, 1)
		defer o.metrics.ExchangesActive.Add(ctx, -1)
	}

	if _, err := o.store.MarkRunning(job.JobID, resumed); err != nil {
		o.logger.Error("orchestrator: mark running failed", "jobID", job.JobID, "error", err)
		return
	}
	o.publish(bus.TopicExchangeStarted, bus.ExchangeStarted{
		JobID:     job.JobID,
		TargetKey: job.TargetKey,
		StartTurn: startTurn,
		Resumed:   resumed,
		Timestamp: time.Now(),
	})

	flowStart := time.Now()
	env := FlowEnv{
		JobID:          job.JobID,
		TargetKey:      job.TargetKey,
		Payload:        job.Payload,
		ConversationID: job.ConversationID,
		MaxTurns:       job.MaxTurns,
		StartTurn:      startTurn,
		PerTurnTimeout: job.TurnTimeout(),
		Checkpoint:     o.checkpointFunc(ctx, job.JobID, job.TargetKey),
	}

	for attempt := 0; ; attempt++ {
		err := flow(ctx, env)
		if err == nil {
			if _, cerr := o.store.CompleteJob(job.JobID); cerr != nil {
				o.logger.Error("orchestrator: complete failed", "jobID", job.JobID, "error", cerr)
			}
			final, _ := o.store.ReadJob(job.JobID)
			turns := 0
			if final != nil {
				turns = final.CurrentTurn
			}
			if o.metrics != nil {
				o.metrics.ExchangeDuration.Record(ctx, time.Since(flowStart).Seconds())
			}
			o.publish(bus.TopicExchangeComplete, bus.ExchangeComplete{
				JobID:     job.JobID,
				TargetKey: job.TargetKey,
				Turns:     turns,
				Timestamp: time.Now(),
			})
			return
		}

		if ctx.Err() != nil {
			if o.baseCtx.Err() != nil {
				// Process shutdown, not an operator cancel. The job keeps its
				// RUNNING status and last checkpoint so the next start picks
				// it up through GetIncompleteJobs.
				o.logger.Info("orchestrator: shutdown interrupted flow, leaving job for resume",
					"jobID", job.JobID)
				return
			}
			o.logger.Info("orchestrator: flow cancelled", "jobID", job.JobID)
			if _, aerr := o.store.AbandonJob(job.JobID, "cancelled"); aerr != nil {
				o.logger.Error("orchestrator: abandon failed", "jobID", job.JobID, "error", aerr)
			}
			return
		}

		verdict := a2a.Classify(err)
		if verdict.Retriable && attempt+1 < o.maxAttempts {
			delay := a2a.BackoffDelay(attempt, o.backoff)
			span.SetAttributes(otel.AttrAttempt.Int(attempt + 1))
			o.logger.Warn("orchestrator: flow failed, retrying",
				"jobID", job.JobID, "attempt", attempt+1, "category", verdict.Category,
				"code", verdict.Code, "delay", delay, "error", err)
			if o.metrics != nil {
				o.metrics.ExchangeRetries.Add(ctx, 1)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				continue // loop top observes cancellation
			}
			// Resume the next attempt from whatever turn actually persisted.
			if cur, rerr := o.store.ReadJob(job.JobID); rerr == nil {
				env.StartTurn = cur.CurrentTurn
			}
			continue
		}

		o.logger.Error("orchestrator: flow failed permanently",
			"jobID", job.JobID, "attempts", attempt+1, "category", verdict.Category, "error", err)
		if _, ferr := o.store.FailJob(job.JobID, err.Error()); ferr != nil {
			o.logger.Error("orchestrator: fail-mark failed", "jobID", job.JobID, "error", ferr)
		}
		if o.metrics != nil {
			o.metrics.ExchangeDuration.Record(ctx, time.Since(flowStart).Seconds())
		}
		o.publish(bus.TopicExchangeFailed, bus.ExchangeFailed{
			JobID:     job.JobID,
			TargetKey: job.TargetKey,
			Error:     err.Error(),
			Timestamp: time.Now(),
		})
		return
	}
}

// checkpointFunc records monotonic turn progress and announces it.
func (o *Orchestrator) checkpointFunc(ctx context.Context, jobID, targetKey string) func(int) {
	return func(turn int) {
		o.store.RecordTurnProgress(jobID, turn)
		if o.metrics != nil {
			o.metrics.TurnsTotal.Add(ctx, 1)
		}
		o.publish(bus.TopicExchangeResponse, bus.ExchangeResponse{
			JobID:     jobID,
			TargetKey: targetKey,
			Turn:      turn,
			Timestamp: time.Now(),
		})
	}
}

func (o *Orchestrator) publish(topic string, payload any) {
	if o.bus != nil {
		o.bus.Publish(topic, payload)
	}
}
