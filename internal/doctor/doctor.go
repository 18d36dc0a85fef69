// Package doctor runs self-diagnostics: config sanity, directory
// permissions, store health, and schedule syntax.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/swarmlink/internal/config"
	"github.com/basket/swarmlink/internal/jobstore"
	"github.com/basket/swarmlink/internal/persistence"
	"github.com/basket/swarmlink/internal/reaper"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed. WARN and SKIP do not count as
// failures.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkHomeDir,
		checkJobStore,
		checkHistoryDB,
		checkSchedules,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkHomeDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home Directory", Status: "SKIP", Message: "Config missing"}
	}
	info, err := os.Stat(cfg.HomeDir)
	if err != nil {
		return CheckResult{Name: "Home Directory", Status: "FAIL",
			Message: "Home directory missing", Detail: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Home Directory", Status: "FAIL",
			Message: fmt.Sprintf("%s is not a directory", cfg.HomeDir)}
	}
	probe := filepath.Join(cfg.HomeDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return CheckResult{Name: "Home Directory", Status: "FAIL",
			Message: "Home directory not writable", Detail: err.Error()}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "Home Directory", Status: "PASS",
		Message: fmt.Sprintf("%s is writable", cfg.HomeDir)}
}

func checkJobStore(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Job Store", Status: "SKIP", Message: "Config missing"}
	}
	store := jobstore.New(jobstore.Config{Dir: cfg.Jobs.Dir})
	if err := store.Init(); err != nil {
		return CheckResult{Name: "Job Store", Status: "FAIL",
			Message: fmt.Sprintf("Cannot initialize %s", cfg.Jobs.Dir), Detail: err.Error()}
	}
	jobs, err := store.GetAllJobs()
	if err != nil {
		return CheckResult{Name: "Job Store", Status: "FAIL",
			Message: "Cannot list jobs", Detail: err.Error()}
	}
	return CheckResult{Name: "Job Store", Status: "PASS",
		Message: fmt.Sprintf("%d job records in %s", len(jobs), cfg.Jobs.Dir)}
}

func checkHistoryDB(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "History DB", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Persistence.Enabled {
		return CheckResult{Name: "History DB", Status: "SKIP", Message: "Persistence disabled"}
	}
	store, err := persistence.Open(cfg.Persistence.DBPath)
	if err != nil {
		return CheckResult{Name: "History DB", Status: "FAIL",
			Message: fmt.Sprintf("Cannot open %s", cfg.Persistence.DBPath), Detail: err.Error()}
	}
	defer store.Close()
	if err := store.DB().Ping(); err != nil {
		return CheckResult{Name: "History DB", Status: "FAIL",
			Message: "Database not responding", Detail: err.Error()}
	}
	return CheckResult{Name: "History DB", Status: "PASS",
		Message: fmt.Sprintf("SQLite healthy at %s", cfg.Persistence.DBPath)}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Reaper Schedules", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Reaper.Enabled {
		return CheckResult{Name: "Reaper Schedules", Status: "SKIP", Message: "Reaper disabled"}
	}
	now := time.Now()
	for _, expr := range []string{cfg.Reaper.StaleSweepSchedule, cfg.Reaper.CleanupSchedule} {
		if _, err := reaper.NextRunTime(expr, now); err != nil {
			return CheckResult{Name: "Reaper Schedules", Status: "FAIL",
				Message: fmt.Sprintf("Bad schedule %q", expr), Detail: err.Error()}
		}
	}
	return CheckResult{Name: "Reaper Schedules", Status: "PASS", Message: "All schedules parse"}
}
