package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	pool := NewPool(zap.NewNop(), 2, 8)
	defer pool.Stop()

	var ran atomic.Int32
	var dones []<-chan error
	for i := 0; i < 4; i++ {
		done, err := pool.SubmitFunc(func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
		dones = append(dones, done)
	}
	for _, done := range dones {
		require.NoError(t, <-done)
	}

	assert.Equal(t, int32(4), ran.Load())
	submitted, completed, failed := pool.Stats()
	assert.Equal(t, int64(4), submitted)
	assert.Equal(t, int64(4), completed)
	assert.Equal(t, int64(0), failed)
}

func TestPoolReportsTaskErrors(t *testing.T) {
	pool := NewPool(zap.NewNop(), 1, 4)
	defer pool.Stop()

	wantErr := errors.New("task failed")
	done, err := pool.SubmitFunc(func(ctx context.Context) error { return wantErr })
	require.NoError(t, err)
	assert.ErrorIs(t, <-done, wantErr)

	done, err = pool.SubmitFunc(func(ctx context.Context) error { panic("boom") })
	require.NoError(t, err)
	assert.Error(t, <-done)

	_, _, failed := pool.Stats()
	assert.Equal(t, int64(2), failed)
}

func TestPoolRejectsAfterStop(t *testing.T) {
	pool := NewPool(zap.NewNop(), 1, 1)
	pool.Stop()

	_, err := pool.SubmitFunc(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestPoolStopCancelsInFlightTasks(t *testing.T) {
	pool := NewPool(zap.NewNop(), 1, 1)

	started := make(chan struct{})
	done, err := pool.SubmitFunc(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	<-started
	go pool.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("task did not observe cancellation")
	}
}
