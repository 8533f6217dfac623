package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/logger"
)

func TestPool_RunsEveryTaskBeforeStopReturns(t *testing.T) {
	p := NewPool(Config{Workers: 4, QueueSize: 64, TaskTimeout: time.Second}, logger.Nop())
	require.NoError(t, p.Start(context.Background()))

	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		p.Dispatch("count", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}
	p.Stop()

	assert.Equal(t, int32(50), ran.Load())
}

func TestPool_FailingAndPanickingTasksDoNotStopWorkers(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 8}, logger.Nop())
	require.NoError(t, p.Start(context.Background()))

	var ran atomic.Int32
	p.Dispatch("fail", func(ctx context.Context) error { return errors.New("boom") })
	p.Dispatch("panic", func(ctx context.Context) error { panic("kaboom") })
	p.Dispatch("ok", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	p.Stop()

	assert.Equal(t, int32(1), ran.Load())
}

func TestPool_FullQueueDropsWithoutBlocking(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 1}, logger.Nop())
	require.NoError(t, p.Start(context.Background()))

	release := make(chan struct{})
	started := make(chan struct{})
	p.Dispatch("block", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	var ran atomic.Int32
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			p.Dispatch("extra", func(ctx context.Context) error {
				ran.Add(1)
				return nil
			})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}

	close(release)
	p.Stop()
	assert.Equal(t, int32(1), ran.Load(), "only the queued task should run")
}

func TestPool_TaskTimeout(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 1, TaskTimeout: 20 * time.Millisecond}, logger.Nop())
	require.NoError(t, p.Start(context.Background()))

	var got error
	var mu sync.Mutex
	p.Dispatch("slow", func(ctx context.Context) error {
		<-ctx.Done()
		mu.Lock()
		got = ctx.Err()
		mu.Unlock()
		return ctx.Err()
	})
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, got, context.DeadlineExceeded)
}

func TestPool_DispatchAfterStopIsDropped(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 1}, logger.Nop())
	require.NoError(t, p.Start(context.Background()))
	p.Stop()
	p.Stop()

	assert.NotPanics(t, func() {
		p.Dispatch("late", func(ctx context.Context) error { return nil })
	})
}

func TestInline_RunsSynchronously(t *testing.T) {
	ran := false
	Inline{}.Dispatch("now", func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.True(t, ran)

	assert.NotPanics(t, func() {
		Inline{}.Dispatch("panic", func(ctx context.Context) error { panic("x") })
	})
}
