package supervisor

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/proctools/sentinel/pkg/errors"
	"github.com/proctools/sentinel/pkg/logging"
	"github.com/proctools/sentinel/pkg/monitor"
	"github.com/proctools/sentinel/pkg/process"
	"github.com/proctools/sentinel/pkg/spec"
)

// testLogger implements logging.Logger and discards everything.
type testLogger struct{}

func (l *testLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (l *testLogger) Debugf(format string, args ...interface{})               {}
func (l *testLogger) Infof(format string, args ...interface{})                {}
func (l *testLogger) Warnf(format string, args ...interface{})                {}
func (l *testLogger) Errorf(format string, args ...interface{})               {}

// fakeHandle is a scriptable process handle. The supervisor's own PID is
// used so that liveness probes see a running process.
type fakeHandle struct {
	executor *fakeExecutor

	mutex          sync.Mutex
	exited         bool
	terminateCalls int
	killCalls      int
	ignoreSignal   bool

	exitCh chan process.ExitStatus
}

func newFakeHandle(executor *fakeExecutor) *fakeHandle {
	return &fakeHandle{
		executor: executor,
		exitCh:   make(chan process.ExitStatus, 1),
	}
}

func (h *fakeHandle) Pid() int {
	return os.Getpid()
}

func (h *fakeHandle) Wait() process.ExitStatus {
	status := <-h.exitCh
	if h.executor != nil {
		h.executor.handleExited()
	}
	return status
}

func (h *fakeHandle) Terminate() error {
	h.mutex.Lock()
	h.terminateCalls++
	ignore := h.ignoreSignal
	h.mutex.Unlock()

	if !ignore {
		h.exit(process.ExitStatus{Code: -1, Signaled: true})
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mutex.Lock()
	h.killCalls++
	h.mutex.Unlock()

	h.exit(process.ExitStatus{Code: -1, Signaled: true})
	return nil
}

// exit delivers the exit status once; later calls are no-ops.
func (h *fakeHandle) exit(status process.ExitStatus) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.exitCh <- status
}

func (h *fakeHandle) terminateCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.terminateCalls
}

func (h *fakeHandle) killCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.killCalls
}

// fakeExecutor hands out scripted handles and tracks how many are live at
// once, which pins the single-live-handle invariant in tests.
type fakeExecutor struct {
	mutex        sync.Mutex
	handles      []*fakeHandle
	spawnFails   int // fail this many Start calls before succeeding
	spawnCalls   int
	live         int
	maxLive      int
	ignoreSignal bool
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{}
}

func (e *fakeExecutor) Start(ctx context.Context, s *spec.ProcessSpec) (process.Handle, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.spawnCalls++
	if e.spawnFails > 0 {
		e.spawnFails--
		return nil, errors.NewSpawnError("scripted spawn failure", nil).WithContext("name", s.Name)
	}

	handle := newFakeHandle(e)
	handle.ignoreSignal = e.ignoreSignal
	e.handles = append(e.handles, handle)
	e.live++
	if e.live > e.maxLive {
		e.maxLive = e.live
	}
	return handle, nil
}

func (e *fakeExecutor) handleExited() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.live--
}

func (e *fakeExecutor) spawnCount() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.spawnCalls
}

func (e *fakeExecutor) handleCount() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.handles)
}

func (e *fakeExecutor) handleAt(i int) *fakeHandle {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if i < 0 {
		i += len(e.handles)
	}
	return e.handles[i]
}

func (e *fakeExecutor) maxLiveHandles() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.maxLive
}

// fakeSampler reports a fixed RSS for every sample.
type fakeSampler struct {
	mutex sync.Mutex
	rss   uint64
}

func (s *fakeSampler) Sample(pid int) (*monitor.Usage, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return &monitor.Usage{Timestamp: time.Now(), MemoryRSS: s.rss}, nil
}

func (s *fakeSampler) setRSS(rss uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.rss = rss
}

var _ process.Executor = (*fakeExecutor)(nil)
var _ process.Handle = (*fakeHandle)(nil)
var _ monitor.Sampler = (*fakeSampler)(nil)
var _ logging.Logger = (*testLogger)(nil)
