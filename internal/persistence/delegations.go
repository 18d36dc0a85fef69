package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/swarmlink/internal/delegation"
)

// SaveDelegation upserts the delegation's current state. Called after every
// applied transition so the table always mirrors the in-memory record.
func (s *Store) SaveDelegation(ctx context.Context, d *delegation.Delegation) error {
	prevErrs, err := json.Marshal(d.PreviousErrors)
	if err != nil {
		return fmt.Errorf("marshal previous errors: %w", err)
	}
	var result sql.NullString
	if d.Result != nil {
		raw, err := json.Marshal(d.Result)
		if err != nil {
			return fmt.Errorf("marshal result snapshot: %w", err)
		}
		result = sql.NullString{String: string(raw), Valid: true}
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO delegations
				(id, run_id, target_agent_id, task, status, retry_count, max_retries,
				 previous_errors, result, verification_note, created_at, updated_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				retry_count = excluded.retry_count,
				previous_errors = excluded.previous_errors,
				result = excluded.result,
				verification_note = excluded.verification_note,
				updated_at = excluded.updated_at,
				completed_at = excluded.completed_at`,
			d.ID, d.RunID, d.TargetAgentID, d.Task, string(d.Status),
			d.RetryCount, d.MaxRetries, string(prevErrs), result,
			d.VerificationNote, d.CreatedAt.UTC(), d.UpdatedAt.UTC(), nullTime(d.CompletedAt))
		return err
	})
}

// GetDelegation loads one delegation by ID, or ErrNoRows.
func (s *Store) GetDelegation(ctx context.Context, id string) (*delegation.Delegation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, target_agent_id, task, status, retry_count, max_retries,
		       previous_errors, result, verification_note, created_at, updated_at, completed_at
		FROM delegations WHERE id = ?`, id)
	return scanDelegation(row)
}

// ListDelegationsByRun returns all delegations for a run, oldest first.
func (s *Store) ListDelegationsByRun(ctx context.Context, runID string) ([]*delegation.Delegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, target_agent_id, task, status, retry_count, max_retries,
		       previous_errors, result, verification_note, created_at, updated_at, completed_at
		FROM delegations WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("query delegations: %w", err)
	}
	defer rows.Close()

	var out []*delegation.Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AppendEvent records one lifecycle transition in the history table.
func (s *Store) AppendEvent(ctx context.Context, ev delegation.Event) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO delegation_events
				(delegation_id, run_id, event_type, previous_status, new_status,
				 error, retry_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.DelegationID, ev.RunID, ev.Type,
			string(ev.Data.PreviousStatus), string(ev.Data.NewStatus),
			ev.Data.Error, ev.Data.RetryCount, ev.Timestamp.UTC())
		return err
	})
}

// EventRow is one persisted lifecycle transition.
type EventRow struct {
	Seq            int64
	DelegationID   string
	RunID          string
	Type           string
	PreviousStatus delegation.Status
	NewStatus      delegation.Status
	Error          string
	RetryCount     int
	CreatedAt      time.Time
}

// History returns all recorded events for a delegation in insertion order.
func (s *Store) History(ctx context.Context, delegationID string) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, delegation_id, run_id, event_type, previous_status, new_status,
		       error, retry_count, created_at
		FROM delegation_events WHERE delegation_id = ? ORDER BY seq`, delegationID)
	if err != nil {
		return nil, fmt.Errorf("query delegation events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		var prev, next string
		var errMsg sql.NullString
		if err := rows.Scan(&r.Seq, &r.DelegationID, &r.RunID, &r.Type,
			&prev, &next, &errMsg, &r.RetryCount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delegation event: %w", err)
		}
		r.PreviousStatus = delegation.Status(prev)
		r.NewStatus = delegation.Status(next)
		r.Error = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelegation(row rowScanner) (*delegation.Delegation, error) {
	var d delegation.Delegation
	var status string
	var prevErrs string
	var result, note sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&d.ID, &d.RunID, &d.TargetAgentID, &d.Task, &status,
		&d.RetryCount, &d.MaxRetries, &prevErrs, &result, &note,
		&d.CreatedAt, &d.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	d.Status = delegation.Status(status)
	if err := json.Unmarshal([]byte(prevErrs), &d.PreviousErrors); err != nil {
		return nil, fmt.Errorf("unmarshal previous errors: %w", err)
	}
	if result.Valid {
		var snap delegation.ResultSnapshot
		if err := json.Unmarshal([]byte(result.String), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal result snapshot: %w", err)
		}
		d.Result = &snap
	}
	d.VerificationNote = note.String
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return &d, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
