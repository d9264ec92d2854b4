package spec

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/proctools/sentinel/pkg/errors"
)

// Config represents the top-level configuration file structure
type Config struct {
	Supervisor SupervisorConfigOptions `yaml:"supervisor"`
	Processes  []ProcessSpec           `yaml:"processes"`
}

// SupervisorConfigOptions represents supervisor-level configuration
type SupervisorConfigOptions struct {
	LogLevel             string        `yaml:"log_level,omitempty"`
	ForceShutdownTimeout time.Duration `yaml:"force_shutdown_timeout,omitempty"`
}

// LoadConfigFromFile loads supervisor configuration from a YAML file
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	setConfigDefaults(&config)

	return &config, nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if len(config.Processes) == 0 {
		return errors.NewValidationError("configuration declares no processes", nil)
	}

	seen := make(map[string]bool, len(config.Processes))
	for i := range config.Processes {
		process := &config.Processes[i]
		if err := process.Validate(); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid process spec at index %d", i),
				err,
			).WithContext("name", process.Name)
		}
		if seen[process.Name] {
			return errors.NewConflictError("duplicate process name: "+process.Name, nil)
		}
		seen[process.Name] = true
	}

	return nil
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *Config) {
	if config.Supervisor.LogLevel == "" {
		config.Supervisor.LogLevel = "info"
	}
	if config.Supervisor.ForceShutdownTimeout == 0 {
		config.Supervisor.ForceShutdownTimeout = 30 * time.Second
	}

	for i := range config.Processes {
		config.Processes[i].SetDefaults()
	}
}
