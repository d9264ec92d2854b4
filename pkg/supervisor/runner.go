package supervisor

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/proctools/sentinel/pkg/errors"
	"github.com/proctools/sentinel/pkg/logging"
	"github.com/proctools/sentinel/pkg/spec"
)

// Run loads the configuration, starts every declared process and blocks
// until an OS signal arrives or the run duration elapses, then shuts the
// supervisor down gracefully.
func Run(runDuration int, configFile string, logger logging.Logger, registerer prometheus.Registerer) error {
	logger.Infof("Supervisor runner starting...")

	ctx := context.Background()
	if runDuration > 0 {
		duration := time.Duration(runDuration) * time.Second
		logger.Infof("Using RUN DURATION of %v", duration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger.Infof("Using CONFIGURATION FILE: %s", configFile)

	config, err := spec.LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := spec.ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	logger.Infof("Configuration loaded successfully from %s", configFile)
	logger.Infof("Processes: %d", len(config.Processes))

	options := Options{
		ForceShutdownTimeout: config.Supervisor.ForceShutdownTimeout,
		Registerer:           registerer,
	}
	supervisor := NewSupervisor(options, logger)

	for _, processSpec := range config.Processes {
		if err := supervisor.Add(processSpec); err != nil {
			return errors.NewValidationError("failed to register process", err).
				WithContext("name", processSpec.Name)
		}
		logger.Infof("Added process: %s", processSpec.Name)
	}

	if err := supervisor.Run(); err != nil {
		return err
	}

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	logger.Infof("Supervisor is ready, starting processes...")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := supervisor.StartAll(ctx); err != nil {
			// Per-process start failures were already logged; keep the
			// remaining processes running
			logger.Warnf("Some processes failed to start: %v", err)
		}

		logger.Infof("All processes started, supervisor is fully operational")
	}()

	select {
	case receivedSignal := <-sig:
		logger.Infof("Supervisor runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Supervisor runner timed out")
	}

	logger.Infof("Waiting for process starts to finish...")

	wg.Wait()

	logger.Infof("Ready to stop supervisor...")

	// Reset context to background to enable graceful shutdown
	if err := supervisor.Shutdown(context.Background()); err != nil {
		logger.Errorf("Supervisor shutdown reported errors: %v", err)
	}

	logger.Infof("Supervisor runner stopped")

	return nil
}

// ValidateConfigFile validates a configuration file without running
// anything. Useful for configuration testing and CI validation.
func ValidateConfigFile(configFile string) error {
	config, err := spec.LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := spec.ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	return nil
}
