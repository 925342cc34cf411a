package scheduler

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"distributed-job-scheduler/internal/config"
)

// BackoffFunc maps an attempt count to the delay before the next retry.
type BackoffFunc func(attempt int) time.Duration

// DefaultBackoff waits 5s + attempt^4 seconds.
func DefaultBackoff(attempt int) time.Duration {
	n := time.Duration(attempt)
	return 5*time.Second + n*n*n*n*time.Second
}

// Settings are the executor's tunables. They are read-only once the
// executor is built.
type Settings struct {
	MaxRunTime           time.Duration
	MaxAttempts          int
	DeleteFailedJobs     bool
	DeleteSuccessfulJobs bool
	Backoff              BackoffFunc
	ReadAhead            int
	SleepDelay           time.Duration
	// Immediate runs submitted jobs inline instead of persisting them.
	Immediate bool
	// Priority is assigned to jobs submitted without one. Lower runs first.
	Priority    int
	Concurrency int
	// ClaimLease is how long a claim holds before other workers may take it.
	ClaimLease time.Duration
	WorkerID   string
}

// DefaultSettings returns the stock configuration.
func DefaultSettings() Settings {
	return Settings{
		MaxRunTime:  4 * time.Hour,
		MaxAttempts: 25,
		Backoff:     DefaultBackoff,
		ReadAhead:   5,
		SleepDelay:  60 * time.Second,
		Concurrency: 5,
	}
}

// SettingsFromConfig maps environment configuration onto Settings. The
// backoff function is not configurable from the environment.
func SettingsFromConfig(cfg config.Config) Settings {
	s := DefaultSettings()
	s.MaxRunTime = cfg.MaxRunTime
	s.MaxAttempts = cfg.MaxAttempts
	s.DeleteFailedJobs = cfg.DeleteFailedJobs
	s.DeleteSuccessfulJobs = cfg.DeleteSuccessfulJobs
	s.ReadAhead = cfg.ReadAhead
	s.SleepDelay = cfg.SleepDelay
	s.Immediate = cfg.Immediate
	s.Priority = cfg.DefaultPriority
	s.Concurrency = cfg.Concurrency
	s.ClaimLease = cfg.ClaimLease
	s.WorkerID = cfg.WorkerID
	return s.withDefaults()
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MaxRunTime <= 0 {
		s.MaxRunTime = d.MaxRunTime
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = d.MaxAttempts
	}
	if s.Backoff == nil {
		s.Backoff = d.Backoff
	}
	if s.ReadAhead <= 0 {
		s.ReadAhead = d.ReadAhead
	}
	if s.SleepDelay <= 0 {
		s.SleepDelay = d.SleepDelay
	}
	if s.Concurrency <= 0 {
		s.Concurrency = d.Concurrency
	}
	if s.ClaimLease <= 0 {
		s.ClaimLease = s.MaxRunTime
	}
	if s.WorkerID == "" {
		s.WorkerID = DefaultWorkerID()
	}
	return s
}

// DefaultWorkerID combines the hostname with a random suffix so two
// processes on one host never share a claimant identity.
func DefaultWorkerID() string {
	suffix := uuid.NewString()[:8]
	if host, _ := os.Hostname(); host != "" {
		return host + "-" + suffix
	}
	return fmt.Sprintf("worker-%d-%s", os.Getpid(), suffix)
}
