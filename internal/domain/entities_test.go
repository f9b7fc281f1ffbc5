package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobPending, false},
		{JobDispatching, false},
		{JobRunning, false},
		{JobFailed, false},
		{JobCompleted, true},
		{JobDead, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestJobEligible(t *testing.T) {
	now := time.Now().UTC()
	later := now.Add(time.Millisecond)
	earlier := now.Add(-time.Second)

	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"pending no next_run_at", Job{Status: JobPending}, true},
		{"pending next_run_at equals now", Job{Status: JobPending, NextRunAt: &now}, true},
		{"pending next_run_at in past", Job{Status: JobPending, NextRunAt: &earlier}, true},
		{"pending next_run_at 1ms ahead", Job{Status: JobPending, NextRunAt: &later}, false},
		{"running", Job{Status: JobRunning}, false},
		{"dead", Job{Status: JobDead}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.Eligible(now))
		})
	}
}

func TestWorkerSupports(t *testing.T) {
	w := Worker{Providers: []string{ProviderMFN, ProviderOSN}}
	assert.True(t, w.Supports(ProviderMFN))
	assert.False(t, w.Supports(ProviderEvotel))

	any := Worker{}
	assert.True(t, any.Supports(ProviderOctotel))
}

func TestErrorKindRetryable(t *testing.T) {
	retryable := []ErrorKind{ErrKindPortal, ErrKindNetwork, ErrKindTimeout, ErrKindSystem, ErrKindLostHeartbeat}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), string(k))
	}
	final := []ErrorKind{ErrKindValidation, ErrKindAuth, ErrKindNotFound, ErrKindCancelled}
	for _, k := range final {
		assert.False(t, k.Retryable(), string(k))
	}
}

func TestErrorKindMaxRetriesFor(t *testing.T) {
	assert.Equal(t, 2, ErrKindTimeout.MaxRetriesFor(3))
	assert.Equal(t, 1, ErrKindTimeout.MaxRetriesFor(1))
	assert.Equal(t, 3, ErrKindNetwork.MaxRetriesFor(3))
}

func TestBackoffDelayBounds(t *testing.T) {
	p := DefaultBackoff()
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		// cap plus max jitter
		assert.LessOrEqual(t, d, time.Duration(float64(p.Cap)*(1+p.Jitter)))
	}
}

func TestBackoffDelayGrows(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Factor: 2, Cap: time.Hour}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	// attempt below 1 clamps
	assert.Equal(t, time.Second, p.Delay(0))
}
