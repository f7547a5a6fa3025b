package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoopRunsUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager()
	m.Start(ctx, Loop{
		Name:      "counter",
		Interval:  5 * time.Millisecond,
		Immediate: true,
		Work: func(ctx context.Context) (int, error) {
			runs.Add(1)
			return 1, nil
		},
	})
	m.Start(ctx, Loop{
		Name:     "failing",
		Interval: 5 * time.Millisecond,
		Work: func(ctx context.Context) (int, error) {
			return 0, errors.New("boom")
		},
	})

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	m.Wait()
	assert.Equal(t, []string{"counter", "failing"}, m.Names())

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestRunTimeoutBoundsWork(t *testing.T) {
	done := make(chan error, 1)
	l := Loop{
		Name:       "slow",
		RunTimeout: 10 * time.Millisecond,
		Work: func(ctx context.Context) (int, error) {
			<-ctx.Done()
			done <- ctx.Err()
			return 0, ctx.Err()
		},
	}
	l.runOnce(context.Background())
	assert.ErrorIs(t, <-done, context.DeadlineExceeded)
}
