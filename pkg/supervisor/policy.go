package supervisor

import (
	"github.com/proctools/sentinel/pkg/spec"
)

// Decision is the outcome of the restart policy for a terminated instance.
type Decision string

const (
	RestartImmediately Decision = "restart_immediately"
	RestartWithBackoff Decision = "restart_with_backoff"
	DoNotRestart       Decision = "do_not_restart"
)

// ExitReasonKind classifies why a process instance terminated.
type ExitReasonKind string

const (
	ExitReasonExit          ExitReasonKind = "exit"           // voluntary exit, any code
	ExitReasonSignal        ExitReasonKind = "signal"         // killed by a signal not sent by us
	ExitReasonMemoryLimit   ExitReasonKind = "memory_limit"   // forced restart on memory breach
	ExitReasonWatch         ExitReasonKind = "watch"          // filesystem change requested restart
	ExitReasonStopRequested ExitReasonKind = "stop_requested" // explicit stop
	ExitReasonSpawnFailure  ExitReasonKind = "spawn_failure"  // the spawn itself failed
)

// ExitReason describes the termination of one process instance.
type ExitReason struct {
	Kind     ExitReasonKind
	ExitCode int
}

// ApplyRestartPolicy is the pure restart decision function. recentRestarts
// is the number of restarts already recorded within the sliding window.
//
// Policy: an explicit stop is never restarted. A memory-limit breach or a
// watch trigger restarts immediately regardless of autorestart. Otherwise
// autorestart decides, escalating to backoff once the window holds at
// least the configured ceiling of restarts.
func ApplyRestartPolicy(s *spec.ProcessSpec, reason ExitReason, recentRestarts int) Decision {
	switch reason.Kind {
	case ExitReasonStopRequested:
		return DoNotRestart
	case ExitReasonMemoryLimit, ExitReasonWatch:
		return RestartImmediately
	}

	if !s.AutoRestart {
		return DoNotRestart
	}

	if s.Restart.Ceiling > 0 && recentRestarts >= s.Restart.Ceiling {
		return RestartWithBackoff
	}

	return RestartImmediately
}
