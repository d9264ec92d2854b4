package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/proctools/sentinel/pkg/errors"
	"github.com/proctools/sentinel/pkg/events"
	"github.com/proctools/sentinel/pkg/logging"
	"github.com/proctools/sentinel/pkg/metrics"
	"github.com/proctools/sentinel/pkg/monitor"
	"github.com/proctools/sentinel/pkg/process"
	"github.com/proctools/sentinel/pkg/spec"
)

// SupervisorState tracks the supervisor's own lifecycle.
type SupervisorState string

const (
	SupervisorStateNotStarted SupervisorState = "not_started"
	SupervisorStateRunning    SupervisorState = "running"
	SupervisorStateStopping   SupervisorState = "stopping"
	SupervisorStateStopped    SupervisorState = "stopped"
)

// Options configures a Supervisor. The Executor and Sampler overrides
// exist for tests; production callers leave them nil.
type Options struct {
	// ForceShutdownTimeout bounds how long StopAll waits for all
	// processes to terminate before giving up
	ForceShutdownTimeout time.Duration

	// Registerer receives the supervision metrics. Nil leaves the
	// collectors unregistered
	Registerer prometheus.Registerer

	Executor process.Executor
	Sampler  monitor.Sampler
}

const DefaultForceShutdownTimeout = 30 * time.Second

// Supervisor maintains the process table: a named set of supervised
// processes, each running its own supervise loop.
type Supervisor struct {
	options  Options
	logger   logging.Logger
	bus      *events.Bus
	metrics  *metrics.Metrics
	executor process.Executor
	sampler  monitor.Sampler

	mutex   sync.Mutex
	state   SupervisorState
	entries map[string]*supervisedProcess
}

func NewSupervisor(options Options, logger logging.Logger) *Supervisor {
	if options.ForceShutdownTimeout <= 0 {
		options.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}

	executor := options.Executor
	if executor == nil {
		executor = process.NewOSExecutor(logger)
	}
	sampler := options.Sampler
	if sampler == nil {
		sampler = monitor.NewSampler()
	}

	return &Supervisor{
		options:  options,
		logger:   logger,
		bus:      events.New(),
		metrics:  metrics.New(options.Registerer),
		executor: executor,
		sampler:  sampler,
		state:    SupervisorStateNotStarted,
		entries:  make(map[string]*supervisedProcess),
	}
}

// Bus exposes the supervision event stream for subscribers.
func (s *Supervisor) Bus() *events.Bus {
	return s.bus
}

// Run marks the supervisor operational. Process starts are rejected
// before Run and after Shutdown.
func (s *Supervisor) Run() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != SupervisorStateNotStarted {
		return errors.NewConflictError("supervisor already started", nil).
			WithContext("current_state", string(s.state))
	}

	s.state = SupervisorStateRunning
	s.logger.Infof("Supervisor running")
	return nil
}

// Add registers a process spec in the process table. The spec is
// validated and defaulted; a duplicate name is a conflict.
func (s *Supervisor) Add(processSpec spec.ProcessSpec) error {
	processSpec.SetDefaults()
	if err := processSpec.Validate(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.entries[processSpec.Name]; exists {
		return errors.NewConflictError("process already registered", nil).
			WithContext("name", processSpec.Name)
	}

	entryLogger := logging.NewLogger("process: "+processSpec.Name+" , ",
		logging.LogFuncs{LogLevelf: s.logger.LogLevelf})
	s.entries[processSpec.Name] = newSupervisedProcess(
		processSpec, entryLogger, s.bus, s.metrics, s.executor, s.sampler,
	)

	s.logger.Infof("Registered process, name: %s, command: %s", processSpec.Name, processSpec.Command)
	return nil
}

// Remove unregisters a process. Only allowed while the process is
// stopped.
func (s *Supervisor) Remove(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, err := s.findEntryLocked(name)
	if err != nil {
		return err
	}

	if state := entry.status().State; state != ProcessStateStopped {
		return errors.NewConflictError("cannot remove process in state '"+string(state)+"'", nil).
			WithContext("name", name)
	}

	delete(s.entries, name)
	s.logger.Infof("Unregistered process, name: %s", name)
	return nil
}

// StartProcess launches the supervise loop for one registered process.
func (s *Supervisor) StartProcess(ctx context.Context, name string) error {
	entry, err := s.operationalEntry(name)
	if err != nil {
		return err
	}
	return entry.start(ctx)
}

// StopProcess stops one process and waits for its supervise loop to
// finish. Idempotent: stopping a stopped process succeeds.
func (s *Supervisor) StopProcess(ctx context.Context, name string) error {
	s.mutex.Lock()
	entry, err := s.findEntryLocked(name)
	s.mutex.Unlock()
	if err != nil {
		return err
	}
	return entry.stop(ctx)
}

// StartAll starts every registered process, collecting per-process
// failures rather than aborting on the first.
func (s *Supervisor) StartAll(ctx context.Context) error {
	collection := errors.NewErrorCollection()
	for _, entry := range s.snapshotEntries() {
		if err := s.StartProcess(ctx, entry.spec.Name); err != nil {
			s.logger.Errorf("Failed to start process, name: %s, error: %v", entry.spec.Name, err)
			collection.Add(err)
		}
	}
	return collection.ToError()
}

// StopAll stops every registered process concurrently, bounded by the
// force shutdown timeout.
func (s *Supervisor) StopAll(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, s.options.ForceShutdownTimeout)
	defer cancel()

	entries := s.snapshotEntries()

	var wg sync.WaitGroup
	errs := make([]error, len(entries))
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry *supervisedProcess) {
			defer wg.Done()
			errs[i] = entry.stop(stopCtx)
		}(i, entry)
	}
	wg.Wait()

	collection := errors.NewErrorCollection()
	for i, err := range errs {
		if err != nil {
			s.logger.Errorf("Failed to stop process, name: %s, error: %v", entries[i].spec.Name, err)
			collection.Add(err)
		}
	}
	return collection.ToError()
}

// Status returns the current snapshot for one process.
func (s *Supervisor) Status(name string) (ProcessStatus, error) {
	s.mutex.Lock()
	entry, err := s.findEntryLocked(name)
	s.mutex.Unlock()
	if err != nil {
		return ProcessStatus{}, err
	}
	return entry.status(), nil
}

// Statuses returns snapshots for the whole process table, ordered by
// name.
func (s *Supervisor) Statuses() []ProcessStatus {
	entries := s.snapshotEntries()
	statuses := make([]ProcessStatus, 0, len(entries))
	for _, entry := range entries {
		statuses = append(statuses, entry.status())
	}
	return statuses
}

// Shutdown stops all processes and closes the event bus. The supervisor
// cannot be reused afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	if s.state == SupervisorStateStopped {
		s.mutex.Unlock()
		return nil
	}
	s.state = SupervisorStateStopping
	s.mutex.Unlock()

	s.logger.Infof("Supervisor shutting down")
	err := s.StopAll(ctx)

	s.mutex.Lock()
	s.state = SupervisorStateStopped
	s.mutex.Unlock()

	s.bus.Close()
	s.logger.Infof("Supervisor shutdown complete")
	return err
}

func (s *Supervisor) operationalEntry(name string) (*supervisedProcess, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != SupervisorStateRunning {
		return nil, errors.NewConflictError("supervisor is not running", nil).
			WithContext("current_state", string(s.state))
	}
	return s.findEntryLocked(name)
}

func (s *Supervisor) findEntryLocked(name string) (*supervisedProcess, error) {
	entry, exists := s.entries[name]
	if !exists {
		return nil, errors.NewNotFoundError("process not found", nil).WithContext("name", name)
	}
	return entry, nil
}

func (s *Supervisor) snapshotEntries() []*supervisedProcess {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries := make([]*supervisedProcess, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].spec.Name < entries[j].spec.Name
	})
	return entries
}
