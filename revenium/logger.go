package revenium

import (
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel controls middleware log verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var (
	logLevel   = LogLevelInfo
	logLevelMu sync.RWMutex
	loggerOnce sync.Once
)

// InitializeLogger sets the log level from REVENIUM_LOG_LEVEL.
// Safe to call multiple times; only the first call reads the environment.
func InitializeLogger() {
	loggerOnce.Do(func() {
		SetLogLevel(os.Getenv("REVENIUM_LOG_LEVEL"))
	})
}

// SetLogLevel sets the log level by name (DEBUG, INFO, WARN, ERROR).
// Unrecognized names leave the level at INFO.
func SetLogLevel(level string) {
	logLevelMu.Lock()
	defer logLevelMu.Unlock()

	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		logLevel = LogLevelDebug
	case "INFO", "":
		logLevel = LogLevelInfo
	case "WARN", "WARNING":
		logLevel = LogLevelWarn
	case "ERROR":
		logLevel = LogLevelError
	default:
		logLevel = LogLevelInfo
	}
}

func logEnabled(level LogLevel) bool {
	logLevelMu.RLock()
	defer logLevelMu.RUnlock()
	return level >= logLevel
}

// Debug logs a message at debug level.
func Debug(msg string, args ...any) {
	if logEnabled(LogLevelDebug) {
		log.Printf("[revenium:debug] "+msg, args...)
	}
}

// Info logs a message at info level.
func Info(msg string, args ...any) {
	if logEnabled(LogLevelInfo) {
		log.Printf("[revenium:info] "+msg, args...)
	}
}

// Warn logs a message at warn level.
func Warn(msg string, args ...any) {
	if logEnabled(LogLevelWarn) {
		log.Printf("[revenium:warn] "+msg, args...)
	}
}

// Error logs a message at error level.
func Error(msg string, args ...any) {
	if logEnabled(LogLevelError) {
		log.Printf("[revenium:error] "+msg, args...)
	}
}
