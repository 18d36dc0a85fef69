// Package jobstore persists agent-to-agent exchange jobs as one JSON file per
// job. Every write goes through a temp-file-then-rename so a crash mid-write
// cannot leave a corrupt record, and distinct jobs never contend because they
// live in distinct files.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a job id has no record on disk.
var ErrNotFound = errors.New("jobstore: job not found")

// ErrExists is returned by CreateJob when the id already has a record.
var ErrExists = errors.New("jobstore: job already exists")

// ErrNotInitialized is returned by writes before Init has been called.
var ErrNotInitialized = errors.New("jobstore: store not initialized")

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusAbandoned Status = "ABANDONED"
)

// IsFinished reports whether the status is terminal.
func (s Status) IsFinished() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAbandoned:
		return true
	}
	return false
}

const (
	defaultRetention  = 7 * 24 * time.Hour
	defaultStaleAfter = 30 * time.Minute
)

// Job is one durable unit of an agent-to-agent exchange.
type Job struct {
	JobID          string     `json:"job_id"`
	TargetKey      string     `json:"target_key"`
	DisplayLabel   string     `json:"display_label,omitempty"`
	Payload        string     `json:"payload"`
	ConversationID string     `json:"conversation_id,omitempty"`
	MaxTurns       int        `json:"max_turns"`
	PerTurnTimeout int64      `json:"per_turn_timeout_ms"`
	Status         Status     `json:"status"`
	CurrentTurn    int        `json:"current_turn"`
	ResumeCount    int        `json:"resume_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// TurnTimeout returns the per-turn timeout as a duration.
func (j *Job) TurnTimeout() time.Duration {
	return time.Duration(j.PerTurnTimeout) * time.Millisecond
}

// Config holds the store's tunables.
type Config struct {
	Dir        string
	Retention  time.Duration // grace period past finishedAt; default 7 days
	StaleAfter time.Duration // RUNNING-without-update threshold; default 30m
	Logger     *slog.Logger
}

// Store is a file-per-job durable store rooted at a single directory.
type Store struct {
	dir        string
	retention  time.Duration
	staleAfter time.Duration
	logger     *slog.Logger

	mu          sync.Mutex // guards jobLocks map, not job files
	jobLocks    map[string]*sync.Mutex
	initialized bool
}

// New creates a Store. Call Init before using it.
func New(cfg Config) *Store {
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:        cfg.Dir,
		retention:  retention,
		staleAfter: staleAfter,
		logger:     logger,
		jobLocks:   make(map[string]*sync.Mutex),
	}
}

// Init creates the job directory. It is idempotent.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("jobstore: create dir: %w", err)
	}
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

// Initialized reports whether Init has succeeded.
func (s *Store) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// CreateParams describes a new exchange job.
type CreateParams struct {
	JobID          string // generated when empty
	TargetKey      string
	DisplayLabel   string
	Payload        string
	ConversationID string
	MaxTurns       int
	PerTurnTimeout time.Duration
}

// CreateJob persists a new PENDING record and returns it. A caller-supplied
// id that already has a record is ErrExists; records are never overwritten.
func (s *Store) CreateJob(p CreateParams) (*Job, error) {
	if !s.Initialized() {
		return nil, ErrNotInitialized
	}
	id := p.JobID
	if id == "" {
		id = uuid.New().String()
	}
	if _, err := os.Stat(s.jobPath(id)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	now := time.Now().UTC()
	job := &Job{
		JobID:          id,
		TargetKey:      p.TargetKey,
		DisplayLabel:   p.DisplayLabel,
		Payload:        p.Payload,
		ConversationID: p.ConversationID,
		MaxTurns:       p.MaxTurns,
		PerTurnTimeout: p.PerTurnTimeout.Milliseconds(),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.writeJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

// ReadJob returns the record for id, or ErrNotFound.
func (s *Store) ReadJob(id string) (*Job, error) {
	data, err := os.ReadFile(s.jobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobstore: read %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("jobstore: decode %s: %w", id, err)
	}
	return &job, nil
}

// UpdateExtra carries optional fields merged by UpdateStatus.
type UpdateExtra struct {
	LastError  string
	FinishedAt *time.Time
}

// UpdateStatus sets the job's status, merges extra fields, and bumps
// updatedAt. A missing job is ErrNotFound; it is never created implicitly.
func (s *Store) UpdateStatus(id string, status Status, extra *UpdateExtra) (*Job, error) {
	return s.mutate(id, func(job *Job) {
		job.Status = status
		if extra != nil {
			if extra.LastError != "" {
				job.LastError = extra.LastError
			}
			if extra.FinishedAt != nil {
				job.FinishedAt = extra.FinishedAt
			}
		}
	})
}

// RecordTurnProgress checkpoints the turn counter. Progress is monotonic:
// a lower turn than the stored one is ignored. A job that no longer exists is
// silently skipped, since the flow may legitimately outlive its record.
func (s *Store) RecordTurnProgress(id string, turn int) {
	_, err := s.mutate(id, func(job *Job) {
		if turn > job.CurrentTurn {
			job.CurrentTurn = turn
			if job.CurrentTurn > job.MaxTurns {
				job.CurrentTurn = job.MaxTurns
			}
		}
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("jobstore: turn checkpoint failed", "job_id", id, "turn", turn, "error", err)
	}
}

// MarkRunning moves a job to RUNNING, bumping resumeCount when resume is set.
func (s *Store) MarkRunning(id string, resume bool) (*Job, error) {
	return s.mutate(id, func(job *Job) {
		job.Status = StatusRunning
		if resume {
			job.ResumeCount++
		}
	})
}

// CompleteJob marks the job COMPLETED and stamps finishedAt.
func (s *Store) CompleteJob(id string) (*Job, error) {
	now := time.Now().UTC()
	return s.UpdateStatus(id, StatusCompleted, &UpdateExtra{FinishedAt: &now})
}

// FailJob marks the job FAILED with the failure message and stamps finishedAt.
func (s *Store) FailJob(id, lastError string) (*Job, error) {
	now := time.Now().UTC()
	return s.UpdateStatus(id, StatusFailed, &UpdateExtra{LastError: lastError, FinishedAt: &now})
}

// AbandonJob marks the job ABANDONED and stamps finishedAt. Used by the
// reaper for stale RUNNING jobs.
func (s *Store) AbandonJob(id, reason string) (*Job, error) {
	now := time.Now().UTC()
	return s.UpdateStatus(id, StatusAbandoned, &UpdateExtra{LastError: reason, FinishedAt: &now})
}

// GetIncompleteJobs returns every PENDING or RUNNING record.
func (s *Store) GetIncompleteJobs() ([]*Job, error) {
	all, err := s.GetAllJobs()
	if err != nil {
		return nil, err
	}
	var out []*Job
	for _, job := range all {
		if job.Status == StatusPending || job.Status == StatusRunning {
			out = append(out, job)
		}
	}
	return out, nil
}

// GetAllJobs returns every record in the store. Unreadable files are skipped
// with a warning rather than failing the whole scan.
func (s *Store) GetAllJobs() ([]*Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobstore: scan dir: %w", err)
	}
	var out []*Job
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(ent.Name(), ".json")
		job, err := s.ReadJob(id)
		if err != nil {
			s.logger.Warn("jobstore: skipping unreadable record", "file", ent.Name(), "error", err)
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// DeleteJob removes the record. Deleting a missing job is not an error.
func (s *Store) DeleteJob(id string) error {
	err := os.Remove(s.jobPath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("jobstore: delete %s: %w", id, err)
	}
	s.mu.Lock()
	delete(s.jobLocks, id)
	s.mu.Unlock()
	return nil
}

// CleanupFinishedJobs deletes finished records whose finishedAt is older than
// the retention window and returns the count removed.
func (s *Store) CleanupFinishedJobs() (int, error) {
	all, err := s.GetAllJobs()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-s.retention)
	removed := 0
	for _, job := range all {
		if !job.Status.IsFinished() || job.FinishedAt == nil {
			continue
		}
		if job.FinishedAt.After(cutoff) {
			continue
		}
		if err := s.DeleteJob(job.JobID); err != nil {
			s.logger.Warn("jobstore: retention delete failed", "job_id", job.JobID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// IsStale reports whether a RUNNING job has gone without an update for longer
// than the stale threshold. The store only answers; the reaper acts.
func (s *Store) IsStale(job *Job) bool {
	if job.Status != StatusRunning {
		return false
	}
	return time.Since(job.UpdatedAt) > s.staleAfter
}

// mutate applies fn to the stored record under the job's lock and persists
// the result atomically.
func (s *Store) mutate(id string, fn func(*Job)) (*Job, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.ReadJob(id)
	if err != nil {
		return nil, err
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
	if err := s.writeJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

// writeJob persists a record via temp file + rename.
func (s *Store) writeJob(job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("jobstore: encode %s: %w", job.JobID, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+sanitize(job.JobID)+".tmp-")
	if err != nil {
		return fmt.Errorf("jobstore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("jobstore: write %s: %w", job.JobID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("jobstore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.jobPath(job.JobID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("jobstore: replace %s: %w", job.JobID, err)
	}
	return nil
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.jobLocks[id]
	if lock == nil {
		lock = &sync.Mutex{}
		s.jobLocks[id] = lock
	}
	return lock
}

func (s *Store) jobPath(id string) string {
	return filepath.Join(s.dir, sanitize(id)+".json")
}

// sanitize keeps job ids filesystem-safe. IDs are normally UUIDs; anything
// else gets path separators replaced.
func sanitize(id string) string {
	id = strings.ReplaceAll(id, string(filepath.Separator), "_")
	return strings.ReplaceAll(id, "..", "_")
}
