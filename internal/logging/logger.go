package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	defaultLogger     zerolog.Logger
	defaultLoggerOnce sync.Once

	subsystemLoggers   = make(map[string]*zerolog.Logger)
	subsystemLoggersMu sync.Mutex
)

func initDefaultLogger() {
	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339Nano,
	}
	defaultLogger = zerolog.New(writer).With().Timestamp().Logger()
}

// GetDefaultLogger returns the process wide root logger
func GetDefaultLogger() *zerolog.Logger {
	defaultLoggerOnce.Do(initDefaultLogger)
	return &defaultLogger
}

// GetSubsystemLogger returns a child of the root logger tagged with the given component name.
// Loggers are cached so repeated calls for the same subsystem share one instance.
func GetSubsystemLogger(subsystem string) *zerolog.Logger {
	subsystemLoggersMu.Lock()
	defer subsystemLoggersMu.Unlock()

	if l, ok := subsystemLoggers[subsystem]; ok {
		return l
	}
	l := GetDefaultLogger().With().Str("component", subsystem).Logger()
	subsystemLoggers[subsystem] = &l
	return &l
}

// SetLevel changes the global log level. Accepted values are the zerolog level names.
func SetLevel(level string) error {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}
