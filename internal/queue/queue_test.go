package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulegate/internal/domain"
	rglog "rulegate/internal/log"
)

type recordingRunner struct {
	mu    sync.Mutex
	ran   map[string]int
	block chan struct{}
}

func (r *recordingRunner) RunTask(ctx context.Context, taskID string, records []domain.Record) (domain.Task, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return domain.Task{}, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran[taskID] = len(records)
	return domain.Task{ID: taskID, Status: domain.TaskSucceeded}, nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ran)
}

func TestQueueRunsEveryTaskBeforeShutdown(t *testing.T) {
	runner := &recordingRunner{ran: map[string]int{}}
	q := New(runner, rglog.Discard(), WithWorkers(3), WithQueueSize(4))
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		require.NoError(t, q.Enqueue(ctx, id, []domain.Record{{RawID: "r1"}, {RawID: "r2"}}))
	}
	q.Shutdown(ctx)
	assert.Equal(t, 6, runner.count())
	assert.Equal(t, 2, runner.ran["t4"])

	assert.ErrorIs(t, q.Enqueue(ctx, "late", nil), ErrClosed)
	q.Shutdown(ctx)
}

func TestEnqueueHonoursContextWhenFull(t *testing.T) {
	runner := &recordingRunner{ran: map[string]int{}, block: make(chan struct{})}
	q := New(runner, rglog.Discard(), WithWorkers(1), WithQueueSize(1))

	require.NoError(t, q.Enqueue(context.Background(), "t1", nil))
	// Wait until the worker holds t1 so the buffer has room for exactly one.
	require.Eventually(t, func() bool { return len(q.ch) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), "t2", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(ctx, "t3", nil), context.DeadlineExceeded)

	close(runner.block)
	q.Shutdown(context.Background())
	assert.Equal(t, 2, runner.count())
}

func TestShutdownReleasesBlockedSender(t *testing.T) {
	runner := &recordingRunner{ran: map[string]int{}, block: make(chan struct{})}
	q := New(runner, rglog.Discard(), WithWorkers(1), WithQueueSize(1))

	require.NoError(t, q.Enqueue(context.Background(), "t1", nil))
	require.Eventually(t, func() bool { return len(q.ch) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), "t2", nil))

	// The buffer is full and the sender has no deadline.
	sent := make(chan error, 1)
	go func() { sent <- q.Enqueue(context.Background(), "t3", nil) }()
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		q.Shutdown(context.Background())
		close(stopped)
	}()

	select {
	case err := <-sent:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked sender was not released by shutdown")
	}

	close(runner.block)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	assert.Equal(t, 2, runner.count())
}

func TestSetRunnerAfterNew(t *testing.T) {
	q := New(nil, rglog.Discard(), WithWorkers(1))
	runner := &recordingRunner{ran: map[string]int{}}
	q.SetRunner(runner)
	require.NoError(t, q.Enqueue(context.Background(), "t1", nil))
	q.Shutdown(context.Background())
	assert.Equal(t, 1, runner.count())
}
