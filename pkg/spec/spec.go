package spec

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/proctools/sentinel/pkg/errors"
)

// ProcessSpec declares one supervised child process. It is loaded from
// configuration at supervisor startup and immutable thereafter.
type ProcessSpec struct {
	Name             string            `yaml:"name"`
	Command          string            `yaml:"command"`
	Args             []string          `yaml:"args,omitempty"`
	WorkingDirectory string            `yaml:"working_directory,omitempty"`
	Environment      map[string]string `yaml:"environment,omitempty"`
	AutoRestart      bool              `yaml:"autorestart"`
	Watch            bool              `yaml:"watch,omitempty"`

	// MemoryLimit is the resident memory threshold that forces a restart.
	// Zero means unlimited.
	MemoryLimit ByteSize `yaml:"memory_limit,omitempty"`

	// GracefulTimeout is the grace period between the termination signal
	// and the forced kill.
	GracefulTimeout time.Duration `yaml:"graceful_timeout,omitempty"`

	// MonitorInterval is the memory sampling period.
	MonitorInterval time.Duration `yaml:"monitor_interval,omitempty"`

	Restart RestartConfig `yaml:"restart,omitempty"`
}

// RestartConfig defines the restart ceiling and the backoff mechanics
// applied once the ceiling is exceeded.
type RestartConfig struct {
	Ceiling        int           `yaml:"ceiling,omitempty"`         // restarts allowed per window before backoff
	Window         time.Duration `yaml:"window,omitempty"`          // sliding window for the ceiling
	BackoffInitial time.Duration `yaml:"backoff_initial,omitempty"` // first backoff delay
	BackoffMax     time.Duration `yaml:"backoff_max,omitempty"`     // backoff cap
	BackoffRate    float64       `yaml:"backoff_rate,omitempty"`    // exponential backoff multiplier
	MaxAttempts    int           `yaml:"max_attempts,omitempty"`    // backed-off attempts before giving up, 0 = unlimited
}

const (
	DefaultGracefulTimeout = 20 * time.Second
	DefaultMonitorInterval = 5 * time.Second
	DefaultRestartCeiling  = 10
	DefaultRestartWindow   = time.Minute
	DefaultBackoffInitial  = 500 * time.Millisecond
	DefaultBackoffMax      = 30 * time.Second
	DefaultBackoffRate     = 2.0
)

// SetDefaults fills unset tuning fields with the supervisor defaults.
func (s *ProcessSpec) SetDefaults() {
	if s.GracefulTimeout == 0 {
		s.GracefulTimeout = DefaultGracefulTimeout
	}
	if s.MonitorInterval == 0 {
		s.MonitorInterval = DefaultMonitorInterval
	}
	if s.Restart.Ceiling == 0 {
		s.Restart.Ceiling = DefaultRestartCeiling
	}
	if s.Restart.Window == 0 {
		s.Restart.Window = DefaultRestartWindow
	}
	if s.Restart.BackoffInitial == 0 {
		s.Restart.BackoffInitial = DefaultBackoffInitial
	}
	if s.Restart.BackoffMax == 0 {
		s.Restart.BackoffMax = DefaultBackoffMax
	}
	if s.Restart.BackoffRate == 0 {
		s.Restart.BackoffRate = DefaultBackoffRate
	}
}

var nameRegexp = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidateName validates a process spec name
func ValidateName(name string) error {
	if name == "" {
		return errors.NewValidationError("process name cannot be empty", nil)
	}
	if len(name) > 128 {
		return errors.NewValidationError("process name too long: "+name, nil)
	}
	if !nameRegexp.MatchString(name) {
		return errors.NewValidationError("process name contains invalid characters: "+name, nil)
	}
	return nil
}

// Validate validates a process spec
func (s *ProcessSpec) Validate() error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}

	if s.Command == "" {
		return errors.NewValidationError("command is required", nil).WithContext("name", s.Name)
	}

	// Validate working directory if provided
	if s.WorkingDirectory != "" {
		if !filepath.IsAbs(s.WorkingDirectory) {
			return errors.NewValidationError("working directory must be absolute path", nil).WithContext("name", s.Name)
		}
		if info, err := os.Stat(s.WorkingDirectory); err != nil {
			return errors.NewValidationError("working directory not accessible: "+s.WorkingDirectory, err).WithContext("name", s.Name)
		} else if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory: "+s.WorkingDirectory, nil).WithContext("name", s.Name)
		}
	}

	// Validate environment variable names
	for key := range s.Environment {
		if key == "" || strings.Contains(key, "=") {
			return errors.NewValidationError("invalid environment variable name: "+key, nil).WithContext("name", s.Name)
		}
	}

	if s.GracefulTimeout < 0 {
		return errors.NewValidationError("graceful timeout cannot be negative", nil).WithContext("name", s.Name)
	}
	if s.MonitorInterval < 0 {
		return errors.NewValidationError("monitor interval cannot be negative", nil).WithContext("name", s.Name)
	}

	return s.Restart.Validate()
}

// Validate validates restart configuration values
func (r RestartConfig) Validate() error {
	if r.Ceiling < 0 {
		return errors.NewValidationError("restart ceiling cannot be negative", nil)
	}
	if r.Window < 0 {
		return errors.NewValidationError("restart window cannot be negative", nil)
	}
	if r.BackoffInitial < 0 {
		return errors.NewValidationError("backoff initial delay cannot be negative", nil)
	}
	if r.BackoffMax < 0 {
		return errors.NewValidationError("backoff max delay cannot be negative", nil)
	}
	if r.BackoffRate < 0 {
		return errors.NewValidationError("backoff rate cannot be negative", nil)
	}
	if r.BackoffRate > 0 && r.BackoffRate < 1 {
		return errors.NewValidationError("backoff rate must be at least 1", nil)
	}
	if r.MaxAttempts < 0 {
		return errors.NewValidationError("max attempts cannot be negative", nil)
	}
	return nil
}

// MergedEnvironment returns the inherited environment with the spec's
// variables merged over it, in the KEY=VALUE form expected by exec.Cmd.
func (s *ProcessSpec) MergedEnvironment() []string {
	if len(s.Environment) == 0 {
		return os.Environ()
	}

	merged := make([]string, 0, len(os.Environ())+len(s.Environment))
	for _, entry := range os.Environ() {
		key := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			key = entry[:idx]
		}
		if _, overridden := s.Environment[key]; !overridden {
			merged = append(merged, entry)
		}
	}
	for key, value := range s.Environment {
		merged = append(merged, key+"="+value)
	}
	return merged
}
