package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/proctools/sentinel/pkg/errors"
	"github.com/proctools/sentinel/pkg/events"
	"github.com/proctools/sentinel/pkg/logging"
	"github.com/proctools/sentinel/pkg/metrics"
	"github.com/proctools/sentinel/pkg/monitor"
	"github.com/proctools/sentinel/pkg/process"
	"github.com/proctools/sentinel/pkg/spec"
	"github.com/proctools/sentinel/pkg/watch"
)

// forceKillWait bounds the wait for the process table entry to clear
// after a forced kill.
const forceKillWait = 5 * time.Second

// supervisedProcess owns the full lifecycle of one declared process: the
// supervise loop spawns, monitors, applies the restart policy and stops.
// The loop is strictly sequential, which enforces the single-live-handle
// invariant: a replacement is never spawned before Wait has returned for
// the previous handle.
type supervisedProcess struct {
	spec     spec.ProcessSpec
	logger   logging.Logger
	bus      *events.Bus
	metrics  *metrics.Metrics
	executor process.Executor
	sampler  monitor.Sampler

	mutex        sync.Mutex
	state        ProcessState
	instance     *ProcessInstance
	restartCount int
	lastExitCode *int
	lastError    error

	tracker *RestartTracker
	backoff *Backoff

	stopCh   chan struct{}
	stopOnce *sync.Once
	watchCh  chan struct{}
	watcher  *watch.Watcher
	done     chan struct{}
}

func newSupervisedProcess(
	processSpec spec.ProcessSpec,
	logger logging.Logger,
	bus *events.Bus,
	m *metrics.Metrics,
	executor process.Executor,
	sampler monitor.Sampler,
) *supervisedProcess {
	return &supervisedProcess{
		spec:     processSpec,
		logger:   logger,
		bus:      bus,
		metrics:  m,
		executor: executor,
		sampler:  sampler,
		state:    ProcessStateStopped,
		tracker:  NewRestartTracker(processSpec.Restart.Window),
		backoff:  NewBackoff(processSpec.Name, processSpec.Restart),
		watchCh:  make(chan struct{}, 1),
	}
}

// start launches the supervise loop. Only allowed from the stopped state:
// a second concurrent start is rejected, which upholds the one-handle
// invariant at the API boundary.
func (sp *supervisedProcess) start(ctx context.Context) error {
	sp.mutex.Lock()
	defer sp.mutex.Unlock()

	if sp.state != ProcessStateStopped {
		return errors.NewConflictError(
			"cannot start process in state '"+string(sp.state)+"'", nil,
		).WithContext("name", sp.spec.Name).WithContext("current_state", string(sp.state))
	}

	sp.stopCh = make(chan struct{})
	sp.stopOnce = &sync.Once{}
	sp.done = make(chan struct{})
	sp.lastError = nil
	sp.tracker.Reset()
	sp.backoff.Reset()
	sp.setStateLocked(ProcessStateStarting)

	if sp.spec.Watch {
		dir := sp.spec.WorkingDirectory
		if dir == "" {
			dir = "."
		}
		watcher := watch.NewWatcher(dir, 0, sp.requestWatchRestart, sp.logger)
		if err := watcher.Start(); err != nil {
			sp.logger.Warnf("Failed to start filesystem watcher, name: %s, error: %v", sp.spec.Name, err)
		} else {
			sp.watcher = watcher
		}
	}

	go sp.run(ctx)

	return nil
}

// requestStop signals the supervise loop to stop. Safe to call from any
// state and concurrently with an in-flight restart decision: the loop
// gives the stop request precedence over a pending restart.
func (sp *supervisedProcess) requestStop() {
	sp.mutex.Lock()
	stopOnce := sp.stopOnce
	stopCh := sp.stopCh
	sp.mutex.Unlock()

	if stopOnce == nil {
		return
	}
	stopOnce.Do(func() { close(stopCh) })
}

// stop requests a stop and waits for the supervise loop to finish.
// Idempotent: stopping an already-stopped process is a no-op.
func (sp *supervisedProcess) stop(ctx context.Context) error {
	sp.mutex.Lock()
	done := sp.done
	state := sp.state
	sp.mutex.Unlock()

	if done == nil || state == ProcessStateStopped {
		sp.logger.Debugf("Process already stopped, name: %s", sp.spec.Name)
		return nil
	}

	sp.requestStop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.NewCancelledError("stop wait cancelled", ctx.Err()).WithContext("name", sp.spec.Name)
	}
}

// requestWatchRestart is the filesystem watcher callback.
func (sp *supervisedProcess) requestWatchRestart() {
	select {
	case sp.watchCh <- struct{}{}:
	default:
	}
}

func (sp *supervisedProcess) status() ProcessStatus {
	sp.mutex.Lock()
	defer sp.mutex.Unlock()

	status := ProcessStatus{
		Name:         sp.spec.Name,
		State:        sp.state,
		RestartCount: sp.restartCount,
		LastExitCode: sp.lastExitCode,
		LastError:    sp.lastError,
	}
	if sp.instance != nil {
		status.PID = sp.instance.PID()
		status.StartedAt = sp.instance.StartedAt()
	}
	return status
}

// run is the supervise loop: spawn, supervise until the instance
// terminates, decide, repeat or finish.
func (sp *supervisedProcess) run(ctx context.Context) {
	defer close(sp.done)
	defer sp.stopWatcher()

	for {
		// A stop may have raced the start or a restart decision
		select {
		case <-sp.stopCh:
			sp.setState(ProcessStateStopped)
			return
		default:
		}

		sp.setState(ProcessStateStarting)

		handle, err := sp.executor.Start(ctx, &sp.spec)
		if err != nil {
			sp.logger.Errorf("Spawn failed, name: %s, error: %v", sp.spec.Name, err)
			sp.metrics.SpawnFailures.WithLabelValues(sp.spec.Name).Inc()
			sp.setLastError(err)

			if !sp.scheduleRestart(ctx, ExitReason{Kind: ExitReasonSpawnFailure, ExitCode: -1}) {
				return
			}
			continue
		}

		instance := newProcessInstance(handle, sp.currentRestartCount())
		sp.setInstance(instance)
		sp.metrics.Spawns.WithLabelValues(sp.spec.Name).Inc()
		sp.setState(ProcessStateRunning)

		sp.logger.Infof("Process running, name: %s, PID: %d", sp.spec.Name, instance.PID())
		sp.bus.Publish(events.ProcessStartedEvent{
			Name:      sp.spec.Name,
			PID:       instance.PID(),
			Timestamp: instance.StartedAt(),
		})

		reason := sp.superviseInstance(ctx, instance)
		uptime := instance.Uptime()

		sp.bus.Publish(events.ProcessExitedEvent{
			Name:      sp.spec.Name,
			PID:       instance.PID(),
			ExitCode:  reason.ExitCode,
			Signaled:  reason.Kind == ExitReasonSignal,
			Uptime:    uptime,
			Timestamp: time.Now(),
		})

		// The handle is confirmed terminated; release the instance before
		// any replacement spawn
		sp.setInstance(nil)

		if ShouldResetAfter(uptime, reason) {
			sp.backoff.Reset()
		}

		if reason.Kind == ExitReasonStopRequested {
			sp.setState(ProcessStateStopped)
			sp.logger.Infof("Process stopped, name: %s", sp.spec.Name)
			return
		}

		if !sp.scheduleRestart(ctx, reason) {
			return
		}
	}
}

// superviseInstance blocks until the instance's handle is confirmed
// terminated and returns why. This is the component's only suspension
// point: it waits on the exit notification, the monitoring stream, the
// watch trigger and the stop request.
func (sp *supervisedProcess) superviseInstance(ctx context.Context, instance *ProcessInstance) ExitReason {
	exitCh := make(chan process.ExitStatus, 1)
	go func() {
		exitCh <- instance.handle.Wait()
	}()

	mon := monitor.NewMonitor(instance.PID(), sp.spec.MonitorInterval, sp.sampler, sp.logger)
	if err := mon.Start(ctx); err != nil {
		sp.logger.Warnf("Failed to start status monitor, name: %s, error: %v", sp.spec.Name, err)
		mon = nil
	}
	defer func() {
		if mon != nil {
			mon.Stop()
		}
	}()

	var monEvents <-chan monitor.StatusEvent
	if mon != nil {
		monEvents = mon.Events()
	}

	for {
		select {
		case status := <-exitCh:
			sp.recordExit(status)
			sp.logger.Infof("Process exited, name: %s, PID: %d, code: %d, signaled: %t",
				sp.spec.Name, instance.PID(), status.Code, status.Signaled)
			return exitReasonFromStatus(status)

		case ev, ok := <-monEvents:
			if !ok {
				monEvents = nil
				continue
			}

			sp.metrics.MemoryRSS.WithLabelValues(sp.spec.Name).Set(float64(ev.MemoryRSS))
			sp.bus.Publish(events.StatusSampleEvent{
				Name:      sp.spec.Name,
				PID:       ev.PID,
				Alive:     ev.Alive,
				MemoryRSS: ev.MemoryRSS,
				Timestamp: ev.Timestamp,
			})

			if limit := sp.spec.MemoryLimit.Bytes(); limit > 0 && ev.MemoryRSS > limit {
				sp.logger.Errorf("Memory limit exceeded, name: %s, PID: %d, rss: %d, limit: %d, forcing restart",
					sp.spec.Name, ev.PID, ev.MemoryRSS, limit)
				sp.metrics.MemoryViolations.WithLabelValues(sp.spec.Name).Inc()
				sp.bus.Publish(events.MemoryLimitExceededEvent{
					Name:      sp.spec.Name,
					PID:       ev.PID,
					MemoryRSS: ev.MemoryRSS,
					Limit:     limit,
					Timestamp: ev.Timestamp,
				})

				status := sp.terminate(instance.handle, exitCh)
				sp.recordExit(status)
				return ExitReason{Kind: ExitReasonMemoryLimit, ExitCode: status.Code}
			}

		case <-sp.watchCh:
			sp.logger.Infof("Filesystem change, restarting, name: %s", sp.spec.Name)
			sp.bus.Publish(events.WatchTriggeredEvent{
				Name:      sp.spec.Name,
				Dir:       sp.spec.WorkingDirectory,
				Timestamp: time.Now(),
			})

			status := sp.terminate(instance.handle, exitCh)
			sp.recordExit(status)
			return ExitReason{Kind: ExitReasonWatch, ExitCode: status.Code}

		case <-sp.stopCh:
			sp.setState(ProcessStateStopping)
			status := sp.terminate(instance.handle, exitCh)
			sp.recordExit(status)
			return ExitReason{Kind: ExitReasonStopRequested, ExitCode: status.Code}

		case <-ctx.Done():
			sp.logger.Infof("Context cancelled, stopping process, name: %s", sp.spec.Name)
			sp.setState(ProcessStateStopping)
			status := sp.terminate(instance.handle, exitCh)
			sp.recordExit(status)
			return ExitReason{Kind: ExitReasonStopRequested, ExitCode: status.Code}
		}
	}
}

// terminate performs graceful termination with grace period and forced
// kill escalation, and waits until the handle is confirmed terminated.
func (sp *supervisedProcess) terminate(handle process.Handle, exitCh <-chan process.ExitStatus) process.ExitStatus {
	pid := handle.Pid()

	gracefulTimeout := sp.spec.GracefulTimeout
	if gracefulTimeout <= 0 {
		gracefulTimeout = spec.DefaultGracefulTimeout
	}

	sp.logger.Infof("Sending termination signal to PID %d, grace period: %v", pid, gracefulTimeout)
	if err := handle.Terminate(); err != nil {
		sp.logger.Warnf("Failed to send termination signal to PID %d: %v", pid, err)
	}

	select {
	case status := <-exitCh:
		sp.logger.Infof("Process PID %d terminated gracefully", pid)
		return status
	case <-time.After(gracefulTimeout):
		timeoutErr := errors.NewTimeoutError("process did not exit within grace period", nil).WithContext("pid", pid)
		sp.logger.Warnf("%v, forcing termination", timeoutErr)
	}

	if err := handle.Kill(); err != nil {
		sp.logger.Warnf("Failed to kill process PID %d: %v", pid, err)
	}

	select {
	case status := <-exitCh:
		sp.logger.Infof("Process PID %d force terminated", pid)
		return status
	case <-time.After(forceKillWait):
		sp.logger.Errorf("Process PID %d did not terminate even after force kill", pid)
		return process.ExitStatus{Code: -1, Signaled: true}
	}
}

// scheduleRestart applies the restart policy and, for backoff decisions,
// sleeps out the delay. Returns false when the loop should finish. A stop
// request arriving during the backoff sleep wins over the pending restart.
func (sp *supervisedProcess) scheduleRestart(ctx context.Context, reason ExitReason) bool {
	decision := ApplyRestartPolicy(&sp.spec, reason, sp.tracker.Count())

	switch decision {
	case DoNotRestart:
		sp.logger.Infof("Not restarting, name: %s, reason: %s", sp.spec.Name, reason.Kind)
		sp.setState(ProcessStateStopped)
		return false

	case RestartImmediately:
		sp.tracker.Record()
		attempt := sp.incrementRestartCount()
		sp.setState(ProcessStateCrashedRestarting)
		sp.metrics.Restarts.WithLabelValues(sp.spec.Name, string(reason.Kind)).Inc()
		sp.bus.Publish(events.ProcessRestartingEvent{
			Name:      sp.spec.Name,
			Attempt:   attempt,
			Reason:    string(reason.Kind),
			Timestamp: time.Now(),
		})
		sp.logger.Infof("Restarting immediately, name: %s, attempt: %d, reason: %s", sp.spec.Name, attempt, reason.Kind)
		return true

	case RestartWithBackoff:
		if max := sp.spec.Restart.MaxAttempts; max > 0 && sp.backoff.Attempts() >= max {
			abandonErr := errors.NewInternalError("restart attempts exhausted, giving up", nil).
				WithContext("name", sp.spec.Name).
				WithContext("attempts", sp.backoff.Attempts())
			sp.logger.Errorf("%v", abandonErr)
			sp.setLastError(abandonErr)
			sp.setState(ProcessStateStopped)
			return false
		}

		delay := sp.backoff.Next()
		sp.tracker.Record()
		attempt := sp.incrementRestartCount()
		sp.setState(ProcessStateCrashedRestarting)
		sp.metrics.Restarts.WithLabelValues(sp.spec.Name, "backoff").Inc()
		sp.bus.Publish(events.ProcessRestartingEvent{
			Name:      sp.spec.Name,
			Attempt:   attempt,
			Delay:     delay,
			Reason:    string(reason.Kind),
			Timestamp: time.Now(),
		})
		sp.logger.Warnf("Restart ceiling reached, backing off, name: %s, attempt: %d, delay: %v", sp.spec.Name, attempt, delay)

		select {
		case <-time.After(delay):
			return true
		case <-sp.stopCh:
			sp.logger.Infof("Stop requested during backoff, cancelling pending restart, name: %s", sp.spec.Name)
			sp.setState(ProcessStateStopped)
			return false
		case <-ctx.Done():
			sp.setState(ProcessStateStopped)
			return false
		}
	}

	return false
}

func exitReasonFromStatus(status process.ExitStatus) ExitReason {
	if status.Signaled {
		return ExitReason{Kind: ExitReasonSignal, ExitCode: status.Code}
	}
	return ExitReason{Kind: ExitReasonExit, ExitCode: status.Code}
}

// ===== state helpers =====

func (sp *supervisedProcess) setState(state ProcessState) {
	sp.mutex.Lock()
	defer sp.mutex.Unlock()
	sp.setStateLocked(state)
}

func (sp *supervisedProcess) setStateLocked(state ProcessState) {
	if sp.state != state {
		sp.logger.Debugf("State transition: %s -> %s, name: %s", sp.state, state, sp.spec.Name)
	}
	sp.state = state
	sp.metrics.ObserveState(sp.spec.Name, string(state), KnownStates)
}

func (sp *supervisedProcess) setInstance(instance *ProcessInstance) {
	sp.mutex.Lock()
	defer sp.mutex.Unlock()
	sp.instance = instance
}

func (sp *supervisedProcess) setLastError(err error) {
	sp.mutex.Lock()
	defer sp.mutex.Unlock()
	sp.lastError = err
}

func (sp *supervisedProcess) recordExit(status process.ExitStatus) {
	sp.mutex.Lock()
	defer sp.mutex.Unlock()
	code := status.Code
	sp.lastExitCode = &code
	if status.Err != nil {
		sp.lastError = errors.NewProcessError("process wait failed", status.Err).WithContext("name", sp.spec.Name)
	}
}

func (sp *supervisedProcess) currentRestartCount() int {
	sp.mutex.Lock()
	defer sp.mutex.Unlock()
	return sp.restartCount
}

func (sp *supervisedProcess) incrementRestartCount() int {
	sp.mutex.Lock()
	defer sp.mutex.Unlock()
	sp.restartCount++
	return sp.restartCount
}

func (sp *supervisedProcess) stopWatcher() {
	sp.mutex.Lock()
	watcher := sp.watcher
	sp.watcher = nil
	sp.mutex.Unlock()

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			sp.logger.Warnf("Failed to stop filesystem watcher, name: %s, error: %v", sp.spec.Name, err)
		}
	}
}
