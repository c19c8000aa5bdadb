package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(zap.NewNop(), time.Now)
	assert.False(t, c.State().Busy)

	task, err := Submit(ctx, c, "dump", func(ctx context.Context) ([]byte, error) {
		return []byte{1, 2, 3}, nil
	})
	require.NoError(t, err)
	got, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
	assert.Equal(t, "dump", task.Name())
	assert.False(t, c.State().Busy)
}

func TestAlreadyBusy(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(zap.NewNop(), time.Now)
	release := make(chan struct{})
	first, err := Submit(ctx, c, "patch", func(ctx context.Context) (int, error) {
		<-release
		return 42, nil
	})
	require.NoError(t, err)

	state := c.State()
	assert.True(t, state.Busy)
	assert.Equal(t, "patch", state.Job)

	second, err := Submit(ctx, c, "dump", func(ctx context.Context) (int, error) {
		t.Error("rejected job must not run")
		return 0, nil
	})
	require.ErrorIs(t, err, ErrAlreadyBusy)
	assert.Nil(t, second)

	close(release)
	got, err := first.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	require.NoError(t, c.Wait(ctx))
	_, err = Submit(ctx, c, "dump", func(ctx context.Context) (int, error) { return 0, nil })
	require.NoError(t, err)
}

func TestJobIgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewCoordinator(zap.NewNop(), time.Now)
	release := make(chan struct{})
	task, err := Submit(ctx, c, "patch", func(ctx context.Context) (string, error) {
		<-release
		return "done", ctx.Err()
	})
	require.NoError(t, err)

	cancel()
	_, err = task.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, c.State().Busy)

	close(release)
	<-task.Done()
	got, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", got)
}

func TestJobErrorAndPanic(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(zap.NewNop(), time.Now)
	boom := errors.New("boom")
	task, err := Submit(ctx, c, "dump", func(ctx context.Context) (int, error) { return 0, boom })
	require.NoError(t, err)
	_, err = task.Wait(ctx)
	require.ErrorIs(t, err, boom)

	task, err = Submit(ctx, c, "dump", func(ctx context.Context) (int, error) { panic("bad") })
	require.NoError(t, err)
	_, err = task.Wait(ctx)
	require.Error(t, err)
	require.NoError(t, c.Wait(ctx))
	assert.False(t, c.State().Busy)
}
