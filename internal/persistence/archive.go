package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/swarmlink/internal/jobstore"
)

// ArchivedJob is one finished exchange preserved past the job store's
// retention window.
type ArchivedJob struct {
	JobID       string
	TargetKey   string
	Status      jobstore.Status
	Turns       int
	ResumeCount int
	LastError   string
	CreatedAt   time.Time
	FinishedAt  *time.Time
	ArchivedAt  time.Time
}

// ArchiveJob copies a finished job into the archive table. Re-archiving the
// same job is an upsert, so the retention sweep can run it before deletion
// without caring whether a previous sweep got there first.
func (s *Store) ArchiveJob(ctx context.Context, job *jobstore.Job) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO exchange_archive
				(job_id, target_key, status, turns, resume_count, last_error,
				 created_at, finished_at, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO UPDATE SET
				status = excluded.status,
				turns = excluded.turns,
				resume_count = excluded.resume_count,
				last_error = excluded.last_error,
				finished_at = excluded.finished_at,
				archived_at = excluded.archived_at`,
			job.JobID, job.TargetKey, string(job.Status), job.CurrentTurn,
			job.ResumeCount, job.LastError, job.CreatedAt.UTC(),
			nullTime(job.FinishedAt), time.Now().UTC())
		return err
	})
}

// GetArchivedJob loads one archive row, or ErrNoRows.
func (s *Store) GetArchivedJob(ctx context.Context, jobID string) (*ArchivedJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, target_key, status, turns, resume_count, last_error,
		       created_at, finished_at, archived_at
		FROM exchange_archive WHERE job_id = ?`, jobID)
	return scanArchivedJob(row)
}

// ListArchivedJobs returns archive rows for a target key, newest first.
func (s *Store) ListArchivedJobs(ctx context.Context, targetKey string, limit int) ([]*ArchivedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, target_key, status, turns, resume_count, last_error,
		       created_at, finished_at, archived_at
		FROM exchange_archive WHERE target_key = ?
		ORDER BY archived_at DESC LIMIT ?`, targetKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []*ArchivedJob
	for rows.Next() {
		a, err := scanArchivedJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PurgeArchive deletes archive rows older than the cutoff and returns how
// many were removed.
func (s *Store) PurgeArchive(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM exchange_archive WHERE archived_at < ?", olderThan.UTC())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func scanArchivedJob(row rowScanner) (*ArchivedJob, error) {
	var a ArchivedJob
	var status string
	var lastErr sql.NullString
	var finishedAt sql.NullTime
	err := row.Scan(&a.JobID, &a.TargetKey, &status, &a.Turns, &a.ResumeCount,
		&lastErr, &a.CreatedAt, &finishedAt, &a.ArchivedAt)
	if err != nil {
		return nil, err
	}
	a.Status = jobstore.Status(status)
	a.LastError = lastErr.String
	if finishedAt.Valid {
		t := finishedAt.Time
		a.FinishedAt = &t
	}
	return &a, nil
}
