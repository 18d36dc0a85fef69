package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/swarmlink/internal/config"
)

func healthyConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir: home,
		Jobs:    config.JobsConfig{Dir: filepath.Join(home, "jobs")},
		Reaper: config.ReaperConfig{
			Enabled:            true,
			StaleSweepSchedule: "@every 5m",
			CleanupSchedule:    "0 3 * * *",
		},
		Persistence: config.PersistenceConfig{
			Enabled: true,
			DBPath:  filepath.Join(home, "history.db"),
		},
	}
}

func resultFor(d Diagnosis, name string) *CheckResult {
	for i := range d.Results {
		if d.Results[i].Name == name {
			return &d.Results[i]
		}
	}
	return nil
}

func TestRun(t *testing.T) {
	t.Run("healthy_setup_passes", func(t *testing.T) {
		d := Run(context.Background(), healthyConfig(t), "test")
		if !d.Healthy() {
			t.Fatalf("expected healthy, got %+v", d.Results)
		}
		for _, name := range []string{"Config", "Home Directory", "Job Store", "History DB", "Reaper Schedules"} {
			r := resultFor(d, name)
			if r == nil {
				t.Fatalf("missing check %q", name)
			}
			if r.Status != "PASS" {
				t.Errorf("%s: got %s (%s)", name, r.Status, r.Message)
			}
		}
	})

	t.Run("nil_config_fails", func(t *testing.T) {
		d := Run(context.Background(), nil, "test")
		if d.Healthy() {
			t.Fatal("expected unhealthy diagnosis")
		}
		if r := resultFor(d, "Config"); r == nil || r.Status != "FAIL" {
			t.Errorf("config check: %+v", r)
		}
	})

	t.Run("bad_schedule_fails", func(t *testing.T) {
		cfg := healthyConfig(t)
		cfg.Reaper.StaleSweepSchedule = "every five minutes"
		d := Run(context.Background(), cfg, "test")
		if r := resultFor(d, "Reaper Schedules"); r == nil || r.Status != "FAIL" {
			t.Errorf("schedule check: %+v", r)
		}
	})

	t.Run("disabled_persistence_skips", func(t *testing.T) {
		cfg := healthyConfig(t)
		cfg.Persistence.Enabled = false
		d := Run(context.Background(), cfg, "test")
		if r := resultFor(d, "History DB"); r == nil || r.Status != "SKIP" {
			t.Errorf("history check: %+v", r)
		}
		if !d.Healthy() {
			t.Error("skip should not make diagnosis unhealthy")
		}
	})
}
