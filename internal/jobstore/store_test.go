package jobstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(Config{Dir: t.TempDir()})
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestStore_CreateAndRead(t *testing.T) {
	t.Run("create_then_read_round_trips_all_fields", func(t *testing.T) {
		s := newTestStore(t)
		created, err := s.CreateJob(CreateParams{
			TargetKey:      "peer-a",
			DisplayLabel:   "Peer A",
			Payload:        "please summarize the report",
			ConversationID: "conv-7",
			MaxTurns:       5,
			PerTurnTimeout: 30 * time.Second,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if created.JobID == "" {
			t.Fatal("expected generated job id")
		}
		if created.Status != StatusPending || created.CurrentTurn != 0 || created.ResumeCount != 0 {
			t.Errorf("new job defaults wrong: %+v", created)
		}

		got, err := s.ReadJob(created.JobID)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.TargetKey != "peer-a" || got.DisplayLabel != "Peer A" ||
			got.Payload != "please summarize the report" || got.ConversationID != "conv-7" {
			t.Errorf("identity fields: %+v", got)
		}
		if got.MaxTurns != 5 || got.TurnTimeout() != 30*time.Second {
			t.Errorf("turn fields: %+v", got)
		}
		if !got.CreatedAt.Equal(created.CreatedAt) || !got.UpdatedAt.Equal(created.UpdatedAt) {
			t.Errorf("timestamps did not round-trip")
		}
	})

	t.Run("read_missing_is_not_found", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.ReadJob("no-such-job")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("duplicate_id_never_overwrites", func(t *testing.T) {
		s := newTestStore(t)
		first, err := s.CreateJob(CreateParams{JobID: "job-dup", TargetKey: "peer-a", Payload: "original"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := s.CreateJob(CreateParams{JobID: "job-dup", TargetKey: "peer-b", Payload: "intruder"}); !errors.Is(err, ErrExists) {
			t.Fatalf("expected ErrExists, got %v", err)
		}
		got, err := s.ReadJob("job-dup")
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.TargetKey != first.TargetKey || got.Payload != "original" {
			t.Errorf("existing record clobbered: %+v", got)
		}
	})

	t.Run("create_before_init_fails", func(t *testing.T) {
		s := New(Config{Dir: filepath.Join(t.TempDir(), "jobs")})
		_, err := s.CreateJob(CreateParams{TargetKey: "peer-a"})
		if !errors.Is(err, ErrNotInitialized) {
			t.Errorf("expected ErrNotInitialized, got %v", err)
		}
	})

	t.Run("init_is_idempotent", func(t *testing.T) {
		s := newTestStore(t)
		if err := s.Init(); err != nil {
			t.Errorf("second init: %v", err)
		}
	})
}

func TestStore_UpdateStatus(t *testing.T) {
	t.Run("merges_extra_and_bumps_updated_at", func(t *testing.T) {
		s := newTestStore(t)
		job, _ := s.CreateJob(CreateParams{TargetKey: "peer-a"})
		time.Sleep(2 * time.Millisecond)

		now := time.Now().UTC()
		updated, err := s.UpdateStatus(job.JobID, StatusFailed, &UpdateExtra{
			LastError:  "peer rejected",
			FinishedAt: &now,
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.Status != StatusFailed || updated.LastError != "peer rejected" {
			t.Errorf("update not applied: %+v", updated)
		}
		if updated.FinishedAt == nil {
			t.Error("finishedAt not merged")
		}
		if !updated.UpdatedAt.After(job.UpdatedAt) {
			t.Error("updatedAt not bumped")
		}
	})

	t.Run("missing_job_is_not_found_and_not_created", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.UpdateStatus("ghost", StatusRunning, nil)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.ReadJob("ghost"); !errors.Is(err, ErrNotFound) {
			t.Error("update must not create the record")
		}
	})
}

func TestStore_RecordTurnProgress(t *testing.T) {
	t.Run("progress_is_monotonic", func(t *testing.T) {
		s := newTestStore(t)
		job, _ := s.CreateJob(CreateParams{TargetKey: "peer-a", MaxTurns: 10})

		s.RecordTurnProgress(job.JobID, 3)
		s.RecordTurnProgress(job.JobID, 1) // late checkpoint, ignored
		got, _ := s.ReadJob(job.JobID)
		if got.CurrentTurn != 3 {
			t.Errorf("currentTurn: got %d, want 3", got.CurrentTurn)
		}
	})

	t.Run("clamped_to_max_turns", func(t *testing.T) {
		s := newTestStore(t)
		job, _ := s.CreateJob(CreateParams{TargetKey: "peer-a", MaxTurns: 4})
		s.RecordTurnProgress(job.JobID, 9)
		got, _ := s.ReadJob(job.JobID)
		if got.CurrentTurn != 4 {
			t.Errorf("currentTurn: got %d, want clamp to 4", got.CurrentTurn)
		}
	})

	t.Run("missing_job_is_silently_ignored", func(t *testing.T) {
		s := newTestStore(t)
		s.RecordTurnProgress("ghost", 2) // must not panic or create
		if _, err := s.ReadJob("ghost"); !errors.Is(err, ErrNotFound) {
			t.Error("checkpoint must not create the record")
		}
	})
}

func TestStore_FinishWrappers(t *testing.T) {
	s := newTestStore(t)

	t.Run("complete_stamps_finished_at", func(t *testing.T) {
		job, _ := s.CreateJob(CreateParams{TargetKey: "peer-a"})
		done, err := s.CompleteJob(job.JobID)
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if done.Status != StatusCompleted || done.FinishedAt == nil {
			t.Errorf("job: %+v", done)
		}
	})

	t.Run("fail_records_last_error", func(t *testing.T) {
		job, _ := s.CreateJob(CreateParams{TargetKey: "peer-a"})
		done, err := s.FailJob(job.JobID, "gateway unreachable")
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if done.Status != StatusFailed || done.LastError != "gateway unreachable" || done.FinishedAt == nil {
			t.Errorf("job: %+v", done)
		}
	})

	t.Run("abandon_records_reason", func(t *testing.T) {
		job, _ := s.CreateJob(CreateParams{TargetKey: "peer-a"})
		done, err := s.AbandonJob(job.JobID, "stale: no update for 45m")
		if err != nil {
			t.Fatalf("abandon: %v", err)
		}
		if done.Status != StatusAbandoned || done.FinishedAt == nil {
			t.Errorf("job: %+v", done)
		}
	})
}

func TestStore_Listing(t *testing.T) {
	t.Run("incomplete_returns_exactly_pending_and_running", func(t *testing.T) {
		s := newTestStore(t)
		pending, _ := s.CreateJob(CreateParams{TargetKey: "peer-a"})
		running, _ := s.CreateJob(CreateParams{TargetKey: "peer-b"})
		_, _ = s.MarkRunning(running.JobID, false)
		finished, _ := s.CreateJob(CreateParams{TargetKey: "peer-c"})
		_, _ = s.CompleteJob(finished.JobID)

		got, err := s.GetIncompleteJobs()
		if err != nil {
			t.Fatalf("incomplete: %v", err)
		}
		ids := map[string]bool{}
		for _, j := range got {
			ids[j.JobID] = true
		}
		if len(got) != 2 || !ids[pending.JobID] || !ids[running.JobID] {
			t.Errorf("incomplete set wrong: %v", ids)
		}
	})

	t.Run("all_jobs_sees_every_record", func(t *testing.T) {
		s := newTestStore(t)
		for i := 0; i < 4; i++ {
			if _, err := s.CreateJob(CreateParams{TargetKey: "peer-a"}); err != nil {
				t.Fatalf("create %d: %v", i, err)
			}
		}
		all, err := s.GetAllJobs()
		if err != nil {
			t.Fatalf("all: %v", err)
		}
		if len(all) != 4 {
			t.Errorf("expected 4 jobs, got %d", len(all))
		}
	})

	t.Run("corrupt_file_is_skipped_not_fatal", func(t *testing.T) {
		s := newTestStore(t)
		_, _ = s.CreateJob(CreateParams{TargetKey: "peer-a"})
		if err := os.WriteFile(filepath.Join(s.dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
			t.Fatalf("plant corrupt file: %v", err)
		}
		all, err := s.GetAllJobs()
		if err != nil {
			t.Fatalf("all: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("expected corrupt record skipped, got %d records", len(all))
		}
	})
}

func TestStore_ConcurrentCreates(t *testing.T) {
	s := newTestStore(t)
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.CreateJob(CreateParams{
				JobID:     fmt.Sprintf("job-%02d", i),
				TargetKey: "peer-a",
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent create: %v", err)
		}
	}
	all, err := s.GetAllJobs()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != n {
		t.Errorf("expected %d jobs visible, got %d", n, len(all))
	}
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	job, _ := s.CreateJob(CreateParams{TargetKey: "peer-a"})
	if err := s.DeleteJob(job.JobID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.ReadJob(job.JobID); !errors.Is(err, ErrNotFound) {
		t.Error("record still present after delete")
	}
	if err := s.DeleteJob(job.JobID); err != nil {
		t.Errorf("deleting absent job should not error: %v", err)
	}
}

func TestStore_CleanupFinishedJobs(t *testing.T) {
	s := New(Config{Dir: t.TempDir(), Retention: time.Hour})
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	old, _ := s.CreateJob(CreateParams{TargetKey: "peer-a"})
	past := time.Now().UTC().Add(-2 * time.Hour)
	_, _ = s.UpdateStatus(old.JobID, StatusCompleted, &UpdateExtra{FinishedAt: &past})

	fresh, _ := s.CreateJob(CreateParams{TargetKey: "peer-b"})
	_, _ = s.CompleteJob(fresh.JobID)

	active, _ := s.CreateJob(CreateParams{TargetKey: "peer-c"})
	_, _ = s.MarkRunning(active.JobID, false)

	removed, err := s.CleanupFinishedJobs()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed: got %d, want 1", removed)
	}
	if _, err := s.ReadJob(old.JobID); !errors.Is(err, ErrNotFound) {
		t.Error("expired job should be gone")
	}
	if _, err := s.ReadJob(fresh.JobID); err != nil {
		t.Error("recent finished job should survive")
	}
	if _, err := s.ReadJob(active.JobID); err != nil {
		t.Error("running job must never be cleaned up")
	}
}

func TestStore_IsStale(t *testing.T) {
	s := New(Config{Dir: t.TempDir(), StaleAfter: 10 * time.Minute})
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	t.Run("running_and_old_is_stale", func(t *testing.T) {
		job := &Job{Status: StatusRunning, UpdatedAt: time.Now().Add(-time.Hour)}
		if !s.IsStale(job) {
			t.Error("expected stale")
		}
	})

	t.Run("running_and_recent_is_not_stale", func(t *testing.T) {
		job := &Job{Status: StatusRunning, UpdatedAt: time.Now()}
		if s.IsStale(job) {
			t.Error("expected not stale")
		}
	})

	t.Run("finished_is_never_stale", func(t *testing.T) {
		job := &Job{Status: StatusCompleted, UpdatedAt: time.Now().Add(-time.Hour)}
		if s.IsStale(job) {
			t.Error("finished jobs are not stale")
		}
	})
}

func TestStore_AtomicWriteLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	job, _ := s.CreateJob(CreateParams{TargetKey: "peer-a"})
	for i := 1; i <= 5; i++ {
		s.RecordTurnProgress(job.JobID, i)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	for _, ent := range entries {
		if strings.Contains(ent.Name(), ".tmp-") {
			t.Errorf("leftover temp file: %s", ent.Name())
		}
	}
}
