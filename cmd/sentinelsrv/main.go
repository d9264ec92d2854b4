package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	flags "github.com/jessevdk/go-flags"

	"github.com/proctools/sentinel/pkg/logging"
	"github.com/proctools/sentinel/pkg/spec"
	"github.com/proctools/sentinel/pkg/supervisor"
)

type flagOptions struct {
	ConfigFile  string `long:"config" description:"path to the supervisor configuration file" required:"true"`
	RunDuration int    `long:"run-duration" description:"run duration in seconds, 0 means until signalled"`
	LogLevel    string `long:"log-level" description:"log level: debug, info, warn, error"`
	LogFormat   string `long:"log-format" description:"log format: console or json"`
	Validate    bool   `long:"validate" description:"validate the configuration file and exit"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Validate {
		if err := supervisor.ValidateConfigFile(opts.ConfigFile); err != nil {
			fmt.Printf("Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration is valid: %s\n", opts.ConfigFile)
		return
	}

	zapConfig := logging.DefaultZapConfig()
	if opts.LogLevel != "" {
		zapConfig.Level = opts.LogLevel
	} else if config, loadErr := spec.LoadConfigFromFile(opts.ConfigFile); loadErr == nil {
		// The configuration file may pin a log level; flags win
		zapConfig.Level = config.Supervisor.LogLevel
	}
	if opts.LogFormat != "" {
		zapConfig.Format = opts.LogFormat
	}

	logger, err := logging.NewZapLogger("module: sentinel , ", zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Infof("opts: %+v", opts)

	err = supervisor.Run(opts.RunDuration, opts.ConfigFile, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Errorf("Supervisor runner failed: %v", err)
		os.Exit(1)
	}
}
