package relay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func countingWorker(name string, counter *int32) *BaseWorker {
	return NewBaseWorker(name, 10*time.Millisecond, zap.NewNop(), func(ctx context.Context) error {
		atomic.AddInt32(counter, 1)
		return nil
	})
}

func TestSupervisor_StopStopsAllWorkers(t *testing.T) {
	var drains, cleanups int32
	supervisor := NewSupervisor(zap.NewNop(),
		countingWorker("drain", &drains),
		countingWorker("cleanup", &cleanups),
	)

	done := make(chan struct{})
	go func() {
		supervisor.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&drains) > 0 && atomic.LoadInt32(&cleanups) > 0
	}, time.Second, 5*time.Millisecond)
	assert.True(t, supervisor.IsStarted())

	supervisor.Stop()
	supervisor.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.False(t, supervisor.IsStarted())

	stopped := atomic.LoadInt32(&drains)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&drains))
}

func TestSupervisor_ContextCancellation(t *testing.T) {
	var runs int32
	supervisor := NewSupervisor(nil, countingWorker("drain", &runs))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Start blocks until the context is done and the workers returned.
	supervisor.Start(ctx)

	assert.Greater(t, atomic.LoadInt32(&runs), int32(0))
	assert.False(t, supervisor.IsStarted())
}

func TestSupervisor_PanickingWorkerStopsTheOthers(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var runs int32
	panicking := NewBaseWorker("broken", 10*time.Millisecond, zap.NewNop(), func(ctx context.Context) error {
		panic("nil publisher")
	})
	supervisor := NewSupervisor(zap.New(core), panicking, countingWorker("drain", &runs))

	done := make(chan struct{})
	go func() {
		supervisor.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor kept running after a worker panicked")
	}
	assert.False(t, supervisor.IsStarted())

	failures := logs.FilterMessage("Supervisor stopped after a worker failure").All()
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].ContextMap()["error"], "worker broken panicked: nil publisher")
}
