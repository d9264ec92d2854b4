package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctools/sentinel/pkg/errors"
	"github.com/proctools/sentinel/pkg/spec"
)

func newTestSupervisor(executor *fakeExecutor) *Supervisor {
	return NewSupervisor(Options{
		ForceShutdownTimeout: 5 * time.Second,
		Executor:             executor,
		Sampler:              &fakeSampler{},
	}, &testLogger{})
}

func tableTestSpec(name string) spec.ProcessSpec {
	return spec.ProcessSpec{
		Name:            name,
		Command:         "sleep",
		Args:            []string{"60"},
		AutoRestart:     true,
		MonitorInterval: time.Hour,
	}
}

func TestSupervisorAdd(t *testing.T) {
	s := newTestSupervisor(newFakeExecutor())

	require.NoError(t, s.Add(tableTestSpec("api")))

	t.Run("duplicate name rejected", func(t *testing.T) {
		err := s.Add(tableTestSpec("api"))
		assert.True(t, errors.IsConflictError(err), "expected conflict error, got: %v", err)
	})

	t.Run("invalid spec rejected", func(t *testing.T) {
		invalid := tableTestSpec("")
		err := s.Add(invalid)
		assert.True(t, errors.IsValidationError(err))
	})
}

func TestSupervisorStartRequiresRun(t *testing.T) {
	s := newTestSupervisor(newFakeExecutor())
	require.NoError(t, s.Add(tableTestSpec("api")))

	err := s.StartProcess(context.Background(), "api")
	assert.True(t, errors.IsConflictError(err), "start before Run must be rejected")
}

func TestSupervisorProcessLifecycle(t *testing.T) {
	executor := newFakeExecutor()
	s := newTestSupervisor(executor)
	require.NoError(t, s.Add(tableTestSpec("api")))
	require.NoError(t, s.Run())

	require.NoError(t, s.StartProcess(context.Background(), "api"))
	require.Eventually(t, func() bool {
		status, err := s.Status("api")
		return err == nil && status.State == ProcessStateRunning
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, s.StopProcess(context.Background(), "api"))
	status, err := s.Status("api")
	require.NoError(t, err)
	assert.Equal(t, ProcessStateStopped, status.State)
}

func TestSupervisorUnknownProcess(t *testing.T) {
	s := newTestSupervisor(newFakeExecutor())
	require.NoError(t, s.Run())

	assert.True(t, errors.IsNotFoundError(s.StartProcess(context.Background(), "ghost")))
	assert.True(t, errors.IsNotFoundError(s.StopProcess(context.Background(), "ghost")))
	_, err := s.Status("ghost")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSupervisorStartAllStopAll(t *testing.T) {
	executor := newFakeExecutor()
	s := newTestSupervisor(executor)
	require.NoError(t, s.Add(tableTestSpec("api")))
	require.NoError(t, s.Add(tableTestSpec("worker")))
	require.NoError(t, s.Run())

	require.NoError(t, s.StartAll(context.Background()))
	require.Eventually(t, func() bool {
		for _, status := range s.Statuses() {
			if status.State != ProcessStateRunning {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, executor.spawnCount())

	require.NoError(t, s.StopAll(context.Background()))
	for _, status := range s.Statuses() {
		assert.Equal(t, ProcessStateStopped, status.State)
	}
}

func TestSupervisorStatusesOrderedByName(t *testing.T) {
	s := newTestSupervisor(newFakeExecutor())
	require.NoError(t, s.Add(tableTestSpec("zebra")))
	require.NoError(t, s.Add(tableTestSpec("alpha")))
	require.NoError(t, s.Add(tableTestSpec("mid")))

	statuses := s.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, "alpha", statuses[0].Name)
	assert.Equal(t, "mid", statuses[1].Name)
	assert.Equal(t, "zebra", statuses[2].Name)
}

func TestSupervisorRemove(t *testing.T) {
	executor := newFakeExecutor()
	s := newTestSupervisor(executor)
	require.NoError(t, s.Add(tableTestSpec("api")))
	require.NoError(t, s.Run())

	require.NoError(t, s.StartProcess(context.Background(), "api"))
	require.Eventually(t, func() bool {
		status, err := s.Status("api")
		return err == nil && status.State == ProcessStateRunning
	}, 5*time.Second, 5*time.Millisecond)

	err := s.Remove("api")
	assert.True(t, errors.IsConflictError(err), "removing a live process must be rejected")

	require.NoError(t, s.StopProcess(context.Background(), "api"))
	require.NoError(t, s.Remove("api"))

	_, err = s.Status("api")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSupervisorShutdown(t *testing.T) {
	executor := newFakeExecutor()
	s := newTestSupervisor(executor)
	require.NoError(t, s.Add(tableTestSpec("api")))
	require.NoError(t, s.Add(tableTestSpec("worker")))
	require.NoError(t, s.Run())
	require.NoError(t, s.StartAll(context.Background()))

	require.Eventually(t, func() bool {
		for _, status := range s.Statuses() {
			if status.State != ProcessStateRunning {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))

	for _, status := range s.Statuses() {
		assert.Equal(t, ProcessStateStopped, status.State)
	}

	// Shutdown is terminal: no further starts
	err := s.StartProcess(context.Background(), "api")
	assert.True(t, errors.IsConflictError(err))

	// A second shutdown is a no-op
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestSupervisorRunTwiceRejected(t *testing.T) {
	s := newTestSupervisor(newFakeExecutor())
	require.NoError(t, s.Run())
	assert.True(t, errors.IsConflictError(s.Run()))
}
