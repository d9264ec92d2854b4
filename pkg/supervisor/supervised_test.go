package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctools/sentinel/pkg/events"
	"github.com/proctools/sentinel/pkg/metrics"
	"github.com/proctools/sentinel/pkg/monitor"
	"github.com/proctools/sentinel/pkg/process"
	"github.com/proctools/sentinel/pkg/spec"
)

func loopTestSpec(name string) spec.ProcessSpec {
	s := spec.ProcessSpec{
		Name:        name,
		Command:     "sleep",
		AutoRestart: true,
	}
	s.SetDefaults()
	// Keep the monitor quiet unless a test needs samples
	s.MonitorInterval = time.Hour
	s.GracefulTimeout = 2 * time.Second
	return s
}

func newLoopTestProcess(s spec.ProcessSpec, executor *fakeExecutor, sampler monitor.Sampler) *supervisedProcess {
	if sampler == nil {
		sampler = &fakeSampler{}
	}
	return newSupervisedProcess(
		s, &testLogger{}, events.New(), metrics.New(nil), executor, sampler,
	)
}

func waitForState(t *testing.T, sp *supervisedProcess, expected ProcessState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sp.status().State == expected
	}, 5*time.Second, 5*time.Millisecond, "expected state %s, last seen %s", expected, sp.status().State)
}

func TestSupervisedProcessRunsAndStops(t *testing.T) {
	executor := newFakeExecutor()
	sp := newLoopTestProcess(loopTestSpec("api"), executor, nil)

	require.NoError(t, sp.start(context.Background()))
	waitForState(t, sp, ProcessStateRunning)

	status := sp.status()
	assert.NotZero(t, status.PID)
	assert.Equal(t, 0, status.RestartCount)

	require.NoError(t, sp.stop(context.Background()))
	assert.Equal(t, ProcessStateStopped, sp.status().State)

	// Stop terminated gracefully, no forced kill, no respawn
	assert.Equal(t, 1, executor.spawnCount())
	assert.Equal(t, 1, executor.handleAt(0).terminateCount())
	assert.Equal(t, 0, executor.handleAt(0).killCount())
}

func TestSupervisedProcessRestartsAfterCrash(t *testing.T) {
	executor := newFakeExecutor()
	sp := newLoopTestProcess(loopTestSpec("api"), executor, nil)

	require.NoError(t, sp.start(context.Background()))
	waitForState(t, sp, ProcessStateRunning)

	executor.handleAt(0).exit(process.ExitStatus{Code: 1})

	require.Eventually(t, func() bool {
		return executor.spawnCount() == 2 && sp.status().State == ProcessStateRunning
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, sp.status().RestartCount)
	require.NotNil(t, sp.status().LastExitCode)
	assert.Equal(t, 1, *sp.status().LastExitCode)

	require.NoError(t, sp.stop(context.Background()))
	assert.Equal(t, 2, executor.spawnCount(), "stop must not trigger a respawn")
}

func TestSupervisedProcessNoRestartWithoutAutoRestart(t *testing.T) {
	s := loopTestSpec("api")
	s.AutoRestart = false
	executor := newFakeExecutor()
	sp := newLoopTestProcess(s, executor, nil)

	require.NoError(t, sp.start(context.Background()))
	waitForState(t, sp, ProcessStateRunning)

	executor.handleAt(0).exit(process.ExitStatus{Code: 3})
	waitForState(t, sp, ProcessStateStopped)

	assert.Equal(t, 1, executor.spawnCount())
	require.NotNil(t, sp.status().LastExitCode)
	assert.Equal(t, 3, *sp.status().LastExitCode)
}

func TestSupervisedProcessSingleLiveHandle(t *testing.T) {
	executor := newFakeExecutor()
	sp := newLoopTestProcess(loopTestSpec("api"), executor, nil)

	require.NoError(t, sp.start(context.Background()))

	// Crash the instance several times in a row
	for i := 0; i < 5; i++ {
		target := i
		require.Eventually(t, func() bool {
			return executor.handleCount() > target && sp.status().State == ProcessStateRunning
		}, 5*time.Second, time.Millisecond)
		executor.handleAt(target).exit(process.ExitStatus{Code: 1})
	}

	require.Eventually(t, func() bool {
		return executor.spawnCount() == 6
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, 1, executor.maxLiveHandles(), "a replacement must never overlap its predecessor")

	require.NoError(t, sp.stop(context.Background()))
}

func TestSupervisedProcessStopEscalatesToKill(t *testing.T) {
	s := loopTestSpec("api")
	s.GracefulTimeout = 20 * time.Millisecond
	executor := newFakeExecutor()
	executor.ignoreSignal = true
	sp := newLoopTestProcess(s, executor, nil)

	require.NoError(t, sp.start(context.Background()))
	waitForState(t, sp, ProcessStateRunning)

	require.NoError(t, sp.stop(context.Background()))

	handle := executor.handleAt(0)
	assert.Equal(t, 1, handle.terminateCount())
	assert.Equal(t, 1, handle.killCount(), "grace period expiry must escalate to kill")
	assert.Equal(t, ProcessStateStopped, sp.status().State)
}

func TestSupervisedProcessStopIsIdempotent(t *testing.T) {
	executor := newFakeExecutor()
	sp := newLoopTestProcess(loopTestSpec("api"), executor, nil)

	require.NoError(t, sp.start(context.Background()))
	waitForState(t, sp, ProcessStateRunning)

	require.NoError(t, sp.stop(context.Background()))
	require.NoError(t, sp.stop(context.Background()))
	require.NoError(t, sp.stop(context.Background()))

	assert.Equal(t, 1, executor.handleAt(0).terminateCount())
}

func TestSupervisedProcessStopCancelsPendingBackoff(t *testing.T) {
	s := loopTestSpec("api")
	s.Restart.Ceiling = 1
	s.Restart.BackoffInitial = time.Hour
	s.Restart.BackoffMax = time.Hour
	executor := newFakeExecutor()
	sp := newLoopTestProcess(s, executor, nil)

	require.NoError(t, sp.start(context.Background()))
	waitForState(t, sp, ProcessStateRunning)

	// First crash restarts immediately, second hits the ceiling and backs off
	executor.handleAt(0).exit(process.ExitStatus{Code: 1})
	require.Eventually(t, func() bool {
		return executor.handleCount() == 2 && sp.status().State == ProcessStateRunning
	}, 5*time.Second, time.Millisecond)

	executor.handleAt(1).exit(process.ExitStatus{Code: 1})
	waitForState(t, sp, ProcessStateCrashedRestarting)

	// Stop wins over the pending restart
	require.NoError(t, sp.stop(context.Background()))
	assert.Equal(t, ProcessStateStopped, sp.status().State)
	assert.Equal(t, 2, executor.spawnCount(), "backed-off restart must be cancelled")
}

func TestSupervisedProcessCeilingEscalatesToBackoff(t *testing.T) {
	s := loopTestSpec("api")
	s.Restart.Ceiling = 2
	s.Restart.BackoffInitial = time.Hour
	s.Restart.BackoffMax = time.Hour
	executor := newFakeExecutor()
	sp := newLoopTestProcess(s, executor, nil)

	var backoffs atomic.Int32
	unsub := sp.bus.Subscribe(func(e events.ProcessRestartingEvent) {
		if e.Delay > 0 {
			backoffs.Add(1)
		}
	})
	defer unsub()

	require.NoError(t, sp.start(context.Background()))

	// Crash up to the ceiling: both restarts are immediate
	for i := 0; i < 2; i++ {
		target := i
		require.Eventually(t, func() bool {
			return executor.handleCount() > target && sp.status().State == ProcessStateRunning
		}, 5*time.Second, time.Millisecond)
		executor.handleAt(target).exit(process.ExitStatus{Code: 1})
	}

	// The crash beyond the ceiling parks the entry in backoff
	require.Eventually(t, func() bool {
		return executor.handleCount() == 3 && sp.status().State == ProcessStateRunning
	}, 5*time.Second, time.Millisecond)
	executor.handleAt(2).exit(process.ExitStatus{Code: 1})

	waitForState(t, sp, ProcessStateCrashedRestarting)
	assert.Equal(t, 3, executor.spawnCount())
	require.Eventually(t, func() bool {
		return backoffs.Load() == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, sp.stop(context.Background()))
}

func TestSupervisedProcessSpawnFailureRetries(t *testing.T) {
	executor := newFakeExecutor()
	executor.spawnFails = 2
	sp := newLoopTestProcess(loopTestSpec("api"), executor, nil)

	require.NoError(t, sp.start(context.Background()))
	waitForState(t, sp, ProcessStateRunning)

	assert.Equal(t, 3, executor.spawnCount())
	assert.Equal(t, 2, sp.status().RestartCount)

	require.NoError(t, sp.stop(context.Background()))
}

func TestSupervisedProcessAbandonsAfterMaxAttempts(t *testing.T) {
	s := loopTestSpec("api")
	s.AutoRestart = true
	s.Restart.Ceiling = 1
	s.Restart.BackoffInitial = time.Millisecond
	s.Restart.BackoffMax = time.Millisecond
	s.Restart.MaxAttempts = 2
	executor := newFakeExecutor()
	executor.spawnFails = 1 << 30 // never succeed
	sp := newLoopTestProcess(s, executor, nil)

	require.NoError(t, sp.start(context.Background()))
	waitForState(t, sp, ProcessStateStopped)

	status := sp.status()
	assert.Error(t, status.LastError)
	// 1 initial + 1 immediate restart + 2 backed-off attempts
	assert.Equal(t, 4, executor.spawnCount())
}

func TestSupervisedProcessMemoryLimitForcesRestart(t *testing.T) {
	s := loopTestSpec("api")
	s.AutoRestart = false // memory breach restarts regardless
	s.MonitorInterval = 10 * time.Millisecond
	s.MemoryLimit = spec.ByteSize(100 * 1024 * 1024)
	executor := newFakeExecutor()
	sampler := &fakeSampler{}
	sampler.setRSS(50 * 1024 * 1024)
	sp := newLoopTestProcess(s, executor, sampler)

	var breaches atomic.Int32
	unsub := sp.bus.Subscribe(func(e events.MemoryLimitExceededEvent) {
		breaches.Add(1)
	})
	defer unsub()

	require.NoError(t, sp.start(context.Background()))
	waitForState(t, sp, ProcessStateRunning)
	assert.Equal(t, 1, executor.spawnCount())

	sampler.setRSS(200 * 1024 * 1024)

	require.Eventually(t, func() bool {
		return executor.spawnCount() >= 2
	}, 5*time.Second, 5*time.Millisecond, "memory breach must force a replacement instance")

	require.Eventually(t, func() bool {
		return breaches.Load() >= 1
	}, 5*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, executor.handleAt(0).terminateCount(), 1, "breached instance must be terminated")

	sampler.setRSS(50 * 1024 * 1024)
	require.NoError(t, sp.stop(context.Background()))
}

func TestSupervisedProcessWatchTriggerForcesRestart(t *testing.T) {
	s := loopTestSpec("api")
	s.AutoRestart = false // watch restarts regardless
	executor := newFakeExecutor()
	sp := newLoopTestProcess(s, executor, nil)

	var triggers atomic.Int32
	unsub := sp.bus.Subscribe(func(e events.WatchTriggeredEvent) {
		triggers.Add(1)
	})
	defer unsub()

	require.NoError(t, sp.start(context.Background()))
	waitForState(t, sp, ProcessStateRunning)

	sp.requestWatchRestart()

	require.Eventually(t, func() bool {
		return executor.spawnCount() == 2 && sp.status().State == ProcessStateRunning
	}, 5*time.Second, time.Millisecond)

	assert.GreaterOrEqual(t, executor.handleAt(0).terminateCount(), 1)
	require.Eventually(t, func() bool {
		return triggers.Load() == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, sp.stop(context.Background()))
}

func TestSupervisedProcessPublishesLifecycleEvents(t *testing.T) {
	executor := newFakeExecutor()
	sp := newLoopTestProcess(loopTestSpec("api"), executor, nil)

	var started, exited atomic.Int32
	unsubStarted := sp.bus.Subscribe(func(e events.ProcessStartedEvent) {
		started.Add(1)
	})
	defer unsubStarted()
	unsubExited := sp.bus.Subscribe(func(e events.ProcessExitedEvent) {
		exited.Add(1)
	})
	defer unsubExited()

	require.NoError(t, sp.start(context.Background()))
	waitForState(t, sp, ProcessStateRunning)

	executor.handleAt(0).exit(process.ExitStatus{Code: 1})
	require.Eventually(t, func() bool {
		return executor.spawnCount() == 2 && sp.status().State == ProcessStateRunning
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, sp.stop(context.Background()))

	require.Eventually(t, func() bool {
		return started.Load() == 2 && exited.Load() == 2
	}, 5*time.Second, time.Millisecond)
}

func TestSupervisedProcessRestartAfterStop(t *testing.T) {
	executor := newFakeExecutor()
	sp := newLoopTestProcess(loopTestSpec("api"), executor, nil)

	require.NoError(t, sp.start(context.Background()))
	waitForState(t, sp, ProcessStateRunning)
	require.NoError(t, sp.stop(context.Background()))

	// A stopped entry can be started again
	require.NoError(t, sp.start(context.Background()))
	waitForState(t, sp, ProcessStateRunning)
	assert.Equal(t, 2, executor.spawnCount())

	require.NoError(t, sp.stop(context.Background()))
}

func TestSupervisedProcessDoubleStartRejected(t *testing.T) {
	executor := newFakeExecutor()
	sp := newLoopTestProcess(loopTestSpec("api"), executor, nil)

	require.NoError(t, sp.start(context.Background()))
	waitForState(t, sp, ProcessStateRunning)

	err := sp.start(context.Background())
	assert.Error(t, err, "starting a live entry must be rejected")

	require.NoError(t, sp.stop(context.Background()))
}
