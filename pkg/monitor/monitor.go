package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/proctools/sentinel/pkg/errors"
	"github.com/proctools/sentinel/pkg/logging"
	"github.com/proctools/sentinel/pkg/process"
)

// StatusEvent reports liveness and memory usage for a supervised process.
type StatusEvent struct {
	Timestamp time.Time
	PID       int
	Alive     bool
	MemoryRSS uint64
}

// maxConsecutiveSampleFailures is the threshold after which the sampler is
// considered lost and re-created.
const maxConsecutiveSampleFailures = 3

// Monitor produces the status stream for one process instance. The stream
// lives for the instance's lifetime and is the only blocking point of the
// supervisor loop: it suspends on the sampling ticker.
type Monitor struct {
	pid      int
	interval time.Duration
	sampler  Sampler
	logger   logging.Logger

	events chan StatusEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mutex  sync.Mutex

	isRunning      bool
	sampleFailures int
}

// NewMonitor creates a monitor for the given PID.
func NewMonitor(pid int, interval time.Duration, sampler Sampler, logger logging.Logger) *Monitor {
	if sampler == nil {
		sampler = NewSampler()
	}
	return &Monitor{
		pid:      pid,
		interval: interval,
		sampler:  sampler,
		logger:   logger,
		events:   make(chan StatusEvent, 16),
	}
}

// Events returns the status stream. The channel is closed when the monitor
// stops.
func (m *Monitor) Events() <-chan StatusEvent {
	return m.events
}

// Start begins the status stream.
func (m *Monitor) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.isRunning {
		return errors.NewValidationError("monitor is already running", nil).WithContext("pid", m.pid)
	}

	running, err := process.IsRunning(m.pid)
	if !running {
		return errors.NewProcessError("process is not running", err).WithContext("pid", m.pid)
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.isRunning = true

	m.logger.Debugf("Starting status monitoring for PID %d, interval: %v", m.pid, m.interval)

	m.wg.Add(1)
	go m.monitorLoop()

	return nil
}

// Stop tears down the status stream and closes the events channel.
func (m *Monitor) Stop() {
	m.mutex.Lock()
	if !m.isRunning {
		m.mutex.Unlock()
		return
	}
	m.cancel()
	m.isRunning = false
	m.mutex.Unlock()

	m.wg.Wait()

	m.logger.Debugf("Status monitoring stopped for PID %d", m.pid)
}

func (m *Monitor) monitorLoop() {
	defer m.wg.Done()
	defer close(m.events)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-ticker.C:
			event, ok := m.collect()
			if !ok {
				continue
			}
			select {
			case m.events <- event:
			case <-m.ctx.Done():
				return
			default:
				// Consumer is behind; drop the sample rather than stall
			}
		}
	}
}

// collect takes one sample. A lost sampler is logged and re-created; the
// instance state is presumed unknown until a sample succeeds again.
func (m *Monitor) collect() (StatusEvent, bool) {
	alive, _ := process.IsRunning(m.pid)

	event := StatusEvent{
		Timestamp: time.Now(),
		PID:       m.pid,
		Alive:     alive,
	}

	if !alive {
		return event, true
	}

	usage, err := m.sampler.Sample(m.pid)
	if err != nil {
		m.sampleFailures++
		m.logger.Warnf("Failed to sample resource usage for PID %d (%d consecutive): %v", m.pid, m.sampleFailures, err)
		if m.sampleFailures >= maxConsecutiveSampleFailures {
			monitorErr := errors.NewMonitorError("status sampling lost, restarting sampler", err).WithContext("pid", m.pid)
			m.logger.Errorf("%v", monitorErr)
			m.sampler = NewSampler()
			m.sampleFailures = 0
		}
		return event, false
	}

	m.sampleFailures = 0
	event.MemoryRSS = usage.MemoryRSS
	return event, true
}
