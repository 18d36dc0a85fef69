// Package engine composes the coordination runtime: job store, concurrency
// gate, orchestrator, notification queue, delegation tracking, maintenance
// reaper, and telemetry. Transports plug in from outside by registering an
// exchange flow and a notification deliverer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/swarmlink/internal/a2a"
	"github.com/basket/swarmlink/internal/bus"
	"github.com/basket/swarmlink/internal/config"
	"github.com/basket/swarmlink/internal/delegation"
	"github.com/basket/swarmlink/internal/gate"
	"github.com/basket/swarmlink/internal/jobstore"
	"github.com/basket/swarmlink/internal/orchestrator"
	"github.com/basket/swarmlink/internal/otel"
	"github.com/basket/swarmlink/internal/persistence"
	"github.com/basket/swarmlink/internal/queue"
	"github.com/basket/swarmlink/internal/reaper"
)

// ErrNoFlow is returned when an exchange is requested before a transport
// registered its flow.
var ErrNoFlow = errors.New("engine: no exchange flow registered")

// ErrDelegationNotFound is returned for updates against unknown delegation IDs.
var ErrDelegationNotFound = errors.New("engine: delegation not found")

// Runtime owns every long-lived component.
type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	gate    *gate.Gate
	jobs    *jobstore.Store
	history *persistence.Store
	queue   *queue.Registry
	orch    *orchestrator.Orchestrator
	reaper  *reaper.Reaper

	provider *otel.Provider
	metrics  *otel.Metrics

	mu          sync.Mutex
	flow        orchestrator.Flow
	deliver     queue.DeliverFunc
	delegations map[string]*delegation.Delegation
}

// New builds the runtime from config. Nothing is started yet; call Start.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	provider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	jobs := jobstore.New(jobstore.Config{
		Dir:        cfg.Jobs.Dir,
		Retention:  time.Duration(cfg.Jobs.RetentionDays) * 24 * time.Hour,
		StaleAfter: time.Duration(cfg.Jobs.StaleAfterMinutes) * time.Minute,
		Logger:     logger,
	})
	if err := jobs.Init(); err != nil {
		return nil, fmt.Errorf("init job store: %w", err)
	}

	var history *persistence.Store
	if cfg.Persistence.Enabled {
		history, err = persistence.Open(cfg.Persistence.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
	}

	eventBus := bus.New()
	g := gate.New(cfg.Gate.Limit)

	orch := orchestrator.New(orchestrator.Config{
		Store:   jobs,
		Gate:    g,
		Bus:     eventBus,
		Metrics: metrics,
		Tracer:  provider.Tracer,
		Logger:  logger,
		Backoff: a2a.BackoffPolicy{
			Base: time.Duration(cfg.Backoff.BaseMs) * time.Millisecond,
			Max:  time.Duration(cfg.Backoff.MaxMs) * time.Millisecond,
		},
		GateTimeout: time.Duration(cfg.Gate.AcquireTimeoutSeconds) * time.Second,
		MaxAttempts: cfg.Orchestrator.MaxAttempts,
	})

	var rp *reaper.Reaper
	if cfg.Reaper.Enabled {
		rp, err = reaper.New(reaper.Config{
			Jobs:               jobs,
			History:            history,
			Metrics:            metrics,
			Logger:             logger,
			StaleSweepSchedule: cfg.Reaper.StaleSweepSchedule,
			CleanupSchedule:    cfg.Reaper.CleanupSchedule,
			ArchiveRetention:   time.Duration(cfg.Reaper.ArchiveRetentionDays) * 24 * time.Hour,
		})
		if err != nil {
			return nil, fmt.Errorf("create reaper: %w", err)
		}
	}

	return &Runtime{
		cfg:         cfg,
		logger:      logger,
		bus:         eventBus,
		gate:        g,
		jobs:        jobs,
		history:     history,
		queue:       queue.NewRegistry(logger, metrics),
		orch:        orch,
		reaper:      rp,
		provider:    provider,
		metrics:     metrics,
		delegations: make(map[string]*delegation.Delegation),
	}, nil
}

// RegisterFlow installs the transport's exchange flow. Must happen before
// Start for crash recovery to restart incomplete jobs.
func (r *Runtime) RegisterFlow(f orchestrator.Flow) {
	r.mu.Lock()
	r.flow = f
	r.mu.Unlock()
}

// RegisterDeliverer installs the function the notification queue uses to
// push rendered messages to peers.
func (r *Runtime) RegisterDeliverer(d queue.DeliverFunc) {
	r.mu.Lock()
	r.deliver = d
	r.mu.Unlock()
}

// Start resumes incomplete jobs and begins background maintenance.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	flow := r.flow
	r.mu.Unlock()

	incomplete, err := r.jobs.GetIncompleteJobs()
	if err != nil {
		return fmt.Errorf("list incomplete jobs: %w", err)
	}
	if len(incomplete) > 0 {
		if flow == nil {
			r.logger.Warn("engine: incomplete jobs found but no flow registered, not resuming",
				"count", len(incomplete))
		} else {
			resumed := r.orch.ResumeFlows(incomplete, flow)
			r.logger.Info("engine: resumed incomplete exchanges", "count", resumed)
		}
	}

	if r.reaper != nil {
		r.reaper.Start(ctx)
	}
	r.logger.Info("engine: started",
		"gateLimit", r.cfg.Gate.Limit, "jobsDir", r.cfg.Jobs.Dir,
		"historyEnabled", r.history != nil)
	return nil
}

// Stop winds everything down: flows first, then maintenance, then telemetry.
func (r *Runtime) Stop(ctx context.Context) {
	if err := r.orch.Shutdown(ctx); err != nil {
		r.logger.Warn("engine: orchestrator shutdown incomplete", "error", err)
	}
	if r.reaper != nil {
		r.reaper.Stop()
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Warn("engine: history close failed", "error", err)
		}
	}
	if err := r.provider.Shutdown(ctx); err != nil {
		r.logger.Warn("engine: telemetry shutdown failed", "error", err)
	}
	r.logger.Info("engine: stopped")
}

// StartExchange creates a durable job and launches the registered flow.
func (r *Runtime) StartExchange(p jobstore.CreateParams) (string, error) {
	r.mu.Lock()
	flow := r.flow
	r.mu.Unlock()
	if flow == nil {
		return "", ErrNoFlow
	}
	return r.orch.CreateAndStartFlow(p, flow)
}

// CancelExchange cancels a running exchange flow.
func (r *Runtime) CancelExchange(jobID string) bool {
	return r.orch.CancelFlow(jobID)
}

// Notify enqueues a notification for key using the configured queue settings
// and the registered deliverer. Returns false if the item was dropped at cap.
func (r *Runtime) Notify(key string, item queue.Item) bool {
	r.mu.Lock()
	deliver := r.deliver
	r.mu.Unlock()
	if deliver == nil {
		r.logger.Warn("engine: notification dropped, no deliverer registered", "key", key)
		return false
	}
	return r.queue.Enqueue(key, item, r.queueSettings(), deliver)
}

func (r *Runtime) queueSettings() queue.Settings {
	return queue.Settings{
		Mode:       queue.Mode(r.cfg.Queue.Mode),
		Debounce:   time.Duration(r.cfg.Queue.DebounceMs) * time.Millisecond,
		Cap:        r.cfg.Queue.Cap,
		DropPolicy: queue.DropPolicy(r.cfg.Queue.DropPolicy),
		MaxAge:     time.Duration(r.cfg.Queue.MaxAgeMinutes) * time.Minute,
	}
}

// SpawnDelegation creates and tracks a new delegation, mirrors it to the
// history store, and announces it on the bus.
func (r *Runtime) SpawnDelegation(ctx context.Context, runID, targetAgentID, task string, maxRetries int) (*delegation.Delegation, error) {
	d := delegation.New(runID, targetAgentID, task, maxRetries)
	r.mu.Lock()
	r.delegations[d.ID] = d
	r.mu.Unlock()

	if r.history != nil {
		if err := r.history.SaveDelegation(ctx, d); err != nil {
			return nil, fmt.Errorf("persist delegation: %w", err)
		}
	}
	r.bus.Publish(bus.TopicDelegationPrefix+"spawned", delegation.Event{
		Type:         "delegation-spawned",
		DelegationID: d.ID,
		RunID:        d.RunID,
		Timestamp:    d.CreatedAt,
		Data: delegation.EventData{
			PreviousStatus: d.Status,
			NewStatus:      d.Status,
		},
	})
	return d, nil
}

// UpdateDelegation applies a lifecycle transition, persists the new state
// and the event, and publishes the event on the bus.
func (r *Runtime) UpdateDelegation(ctx context.Context, id string, ch delegation.Change) (delegation.Event, error) {
	r.mu.Lock()
	d, ok := r.delegations[id]
	r.mu.Unlock()
	if !ok {
		return delegation.Event{}, fmt.Errorf("%w: %s", ErrDelegationNotFound, id)
	}

	ev, err := delegation.Update(d, ch)
	if err != nil {
		return delegation.Event{}, err
	}

	if r.history != nil {
		if err := r.history.SaveDelegation(ctx, d); err != nil {
			r.logger.Error("engine: delegation persist failed", "delegationID", id, "error", err)
		}
		if err := r.history.AppendEvent(ctx, ev); err != nil {
			r.logger.Error("engine: delegation event persist failed", "delegationID", id, "error", err)
		}
	}
	r.bus.Publish(bus.TopicDelegationPrefix+string(ch.Status), ev)
	return ev, nil
}

// Delegation returns the tracked delegation for id.
func (r *Runtime) Delegation(id string) (*delegation.Delegation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.delegations[id]
	return d, ok
}

// RunSummary aggregates the tracked delegations belonging to one run.
func (r *Runtime) RunSummary(runID string) delegation.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ds []*delegation.Delegation
	for _, d := range r.delegations {
		if d.RunID == runID {
			ds = append(ds, d)
		}
	}
	return delegation.Summarize(ds)
}

// Bus exposes the event bus for subscribers.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Jobs exposes the durable job store.
func (r *Runtime) Jobs() *jobstore.Store { return r.jobs }

// History exposes the SQLite audit store; nil when persistence is disabled.
func (r *Runtime) History() *persistence.Store { return r.history }

// Gate exposes the concurrency gate, mainly for introspection.
func (r *Runtime) Gate() *gate.Gate { return r.gate }

// Tracer exposes the runtime's tracer so registered flows can open spans for
// their peer calls. Always non-nil; a no-op tracer when telemetry is disabled.
func (r *Runtime) Tracer() trace.Tracer { return r.provider.Tracer }
