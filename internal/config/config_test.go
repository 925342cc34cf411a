package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, 4*time.Hour, cfg.MaxRunTime)
	assert.Equal(t, 25, cfg.MaxAttempts)
	assert.False(t, cfg.DeleteFailedJobs)
	assert.False(t, cfg.DeleteSuccessfulJobs)
	assert.Equal(t, 5, cfg.ReadAhead)
	assert.Equal(t, 60*time.Second, cfg.SleepDelay)
	assert.False(t, cfg.Immediate)
	assert.Equal(t, 0, cfg.DefaultPriority)
	assert.Equal(t, 5, cfg.Concurrency)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SLEEP_DELAY", "15")
	t.Setenv("MAX_ATTEMPTS", "3")
	t.Setenv("IMMEDIATE", "true")
	t.Setenv("DELETE_SUCCESSFUL_JOBS", "1")
	t.Setenv("MAX_RUN_TIME", "90m")
	t.Setenv("CONCURRENCY", "not-a-number")

	cfg := FromEnv()

	assert.Equal(t, 15*time.Second, cfg.SleepDelay)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.True(t, cfg.Immediate)
	assert.True(t, cfg.DeleteSuccessfulJobs)
	assert.Equal(t, 90*time.Minute, cfg.MaxRunTime)
	assert.Equal(t, 5, cfg.Concurrency)
}

func TestSleepDelayAcceptsDuration(t *testing.T) {
	t.Setenv("SLEEP_DELAY", "250ms")
	assert.Equal(t, 250*time.Millisecond, FromEnv().SleepDelay)
}
