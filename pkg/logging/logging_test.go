package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	level   int
	message string
}

func TestPrefixedLoggerRoutesLevels(t *testing.T) {
	var captured []capture
	log := NewLogger("process: api , ", LogFuncs{
		LogLevelf: func(level int, format string, args ...interface{}) {
			captured = append(captured, capture{level: level, message: fmt.Sprintf(format, args...)})
		},
	})

	log.Debugf("starting, attempt: %d", 1)
	log.Infof("running")
	log.Warnf("slow stop")
	log.Errorf("crashed")

	require.Len(t, captured, 4)
	assert.Equal(t, LogLevelDebug, captured[0].level)
	assert.Equal(t, "process: api , starting, attempt: 1", captured[0].message)
	assert.Equal(t, LogLevelInfo, captured[1].level)
	assert.Equal(t, LogLevelWarn, captured[2].level)
	assert.Equal(t, LogLevelError, captured[3].level)
}

func TestPrefixedLoggerFallsBackToPerLevelFuncs(t *testing.T) {
	var infos, errors []string
	log := NewLogger("", LogFuncs{
		Infof:  func(format string, args ...interface{}) { infos = append(infos, fmt.Sprintf(format, args...)) },
		Errorf: func(format string, args ...interface{}) { errors = append(errors, fmt.Sprintf(format, args...)) },
	})

	log.Infof("hello %s", "world")
	log.Errorf("boom")
	log.Debugf("dropped, no debug func wired")

	assert.Equal(t, []string{"hello world"}, infos)
	assert.Equal(t, []string{"boom"}, errors)
}

func TestNewZapLogger(t *testing.T) {
	log, err := NewZapLogger("module: test , ", ZapConfig{Level: "debug", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	require.NotNil(t, log)

	// Must not panic
	log.Infof("zap wiring works, value: %d", 42)
}

func TestNewZapLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewZapLogger("", ZapConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestDefaultZapConfig(t *testing.T) {
	config := DefaultZapConfig()
	assert.Equal(t, "info", config.Level)
	assert.Equal(t, "console", config.Format)
	assert.Equal(t, "stderr", config.Output)
}
