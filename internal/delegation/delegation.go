// Package delegation tracks units of work handed to another agent,
// independent of the transport used to run them. A validated transition table
// is the single authority on lifecycle moves; retry policy lives with the
// caller, guarded by CanRetry.
package delegation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusSpawned   Status = "spawned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusVerified  Status = "verified"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusAbandoned Status = "abandoned"
)

// AllStatuses lists every lifecycle state, for exhaustive checks.
var AllStatuses = []Status{
	StatusSpawned, StatusRunning, StatusCompleted, StatusVerified,
	StatusRejected, StatusFailed, StatusRetrying, StatusAbandoned,
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusSpawned: {
		StatusRunning:   {},
		StatusFailed:    {},
		StatusAbandoned: {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
	},
	StatusCompleted: {
		StatusVerified: {},
		StatusRejected: {},
	},
	StatusRejected: {
		StatusRetrying:  {},
		StatusAbandoned: {},
	},
	StatusFailed: {
		StatusRetrying:  {},
		StatusAbandoned: {},
	},
	StatusRetrying: {
		StatusSpawned: {},
	},
	// verified and abandoned are terminal.
}

const (
	// MaxRetryCeiling is the absolute cap on per-delegation retries,
	// regardless of what the caller asks for.
	MaxRetryCeiling = 10

	// SnapshotByteCap bounds stored result content. Truncation is silent.
	SnapshotByteCap = 8 * 1024
)

// ResultSnapshot captures the outcome of a completed delegation.
type ResultSnapshot struct {
	Content       string    `json:"content"`
	OutcomeStatus string    `json:"outcome_status"`
	CapturedAt    time.Time `json:"captured_at"`
}

// Delegation is one tracked unit of delegated work.
type Delegation struct {
	ID               string          `json:"id"`
	RunID            string          `json:"run_id"`
	TargetAgentID    string          `json:"target_agent_id"`
	Task             string          `json:"task"`
	Status           Status          `json:"status"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	PreviousErrors   []string        `json:"previous_errors,omitempty"`
	Result           *ResultSnapshot `json:"result,omitempty"`
	VerificationNote string          `json:"verification_note,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// New creates a delegation in the spawned state. maxRetries is clamped to
// MaxRetryCeiling.
func New(runID, targetAgentID, task string, maxRetries int) *Delegation {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxRetries > MaxRetryCeiling {
		maxRetries = MaxRetryCeiling
	}
	now := time.Now().UTC()
	return &Delegation{
		ID:            uuid.New().String(),
		RunID:         runID,
		TargetAgentID: targetAgentID,
		Task:          task,
		Status:        StatusSpawned,
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Change describes a requested transition plus its side-effect inputs.
type Change struct {
	Status Status

	// Error is appended to PreviousErrors when entering failed or rejected.
	Error string

	// Result is captured when entering completed. Content is truncated to
	// SnapshotByteCap.
	Result *ResultSnapshot

	// VerificationNote is recorded when entering verified or rejected.
	VerificationNote string
}

// Event is the lifecycle record emitted for every successful transition.
// It is append-only telemetry; the engine never reads it back.
type Event struct {
	Type         string    `json:"type"`
	DelegationID string    `json:"delegation_id"`
	RunID        string    `json:"run_id"`
	Timestamp    time.Time `json:"timestamp"`
	Data         EventData `json:"data"`
}

// EventData carries the transition details.
type EventData struct {
	PreviousStatus Status `json:"previous_status"`
	NewStatus      Status `json:"new_status"`
	Error          string `json:"error,omitempty"`
	RetryCount     int    `json:"retry_count,omitempty"`
}

// eventTypes maps each target status to its event vocabulary entry.
var eventTypes = map[Status]string{
	StatusSpawned:   "delegation-spawned",
	StatusRunning:   "delegation-running",
	StatusCompleted: "delegation-completed",
	StatusVerified:  "delegation-verified",
	StatusRejected:  "delegation-rejected",
	StatusFailed:    "delegation-failed",
	StatusRetrying:  "delegation-retrying",
	StatusAbandoned: "delegation-abandoned",
}

// Update validates and applies a lifecycle transition, mutating d in place.
// Invalid transitions fail naming both states and leave d untouched.
func Update(d *Delegation, ch Change) (Event, error) {
	if _, ok := allowedTransitions[d.Status][ch.Status]; !ok {
		return Event{}, fmt.Errorf("delegation %s: invalid transition %s -> %s", d.ID, d.Status, ch.Status)
	}

	prev := d.Status
	now := time.Now().UTC()
	d.Status = ch.Status
	d.UpdatedAt = now

	switch ch.Status {
	case StatusCompleted:
		d.CompletedAt = &now
		if ch.Result != nil {
			snap := *ch.Result
			if len(snap.Content) > SnapshotByteCap {
				snap.Content = snap.Content[:SnapshotByteCap]
			}
			if snap.CapturedAt.IsZero() {
				snap.CapturedAt = now
			}
			d.Result = &snap
		}

	case StatusFailed, StatusRejected:
		if ch.Error != "" {
			d.PreviousErrors = append(d.PreviousErrors, ch.Error)
		}
		if ch.Status == StatusRejected && ch.VerificationNote != "" {
			d.VerificationNote = ch.VerificationNote
		}

	case StatusRetrying:
		d.RetryCount++
		d.CompletedAt = nil

	case StatusVerified:
		if ch.VerificationNote != "" {
			d.VerificationNote = ch.VerificationNote
		}
	}

	return Event{
		Type:         eventTypes[ch.Status],
		DelegationID: d.ID,
		RunID:        d.RunID,
		Timestamp:    now,
		Data: EventData{
			PreviousStatus: prev,
			NewStatus:      ch.Status,
			Error:          ch.Error,
			RetryCount:     d.RetryCount,
		},
	}, nil
}

// CanRetry reports whether the caller may move d into retrying. The retry
// budget is enforced here, not by Update; callers must check before retrying.
func CanRetry(d *Delegation) bool {
	if d.Status != StatusFailed && d.Status != StatusRejected {
		return false
	}
	return d.RetryCount < d.MaxRetries
}

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(s Status) bool {
	return s == StatusVerified || s == StatusAbandoned
}
