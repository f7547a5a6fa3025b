package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("smppc-1", BreakerConfig{FailureThreshold: 2, SuccessThreshold: 2, Timeout: time.Minute, VolumeThreshold: 2})
	b.now = func() time.Time { return now }

	assert.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State())
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	now = now.Add(time.Minute)
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.True(t, b.Allow())
	b.Success()
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("smppc-1", BreakerConfig{FailureThreshold: 1, Timeout: time.Second, VolumeThreshold: 1})
	b.now = func() time.Time { return now }

	b.Failure()
	now = now.Add(2 * time.Second)
	assert.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())

	b.Reset()
	assert.Equal(t, BreakerClosed, b.State())
	stats := b.Stats()
	assert.Equal(t, "closed", stats.State)
	assert.Zero(t, stats.RequestCount)
}

func TestBreakerVolumeThreshold(t *testing.T) {
	b := NewBreaker("smppc-1", BreakerConfig{FailureThreshold: 1, VolumeThreshold: 3})
	b.Failure()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State())
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
}
