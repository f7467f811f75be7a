package storage

import (
	"log"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// LogLevel filters badger's internal log output.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarning
	LogError
	LogOff
)

// ParseLogLevel parses debug, info, warning, error or off. Unknown values map to warning.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogDebug
	case "info":
		return LogInfo
	case "error":
		return LogError
	case "off", "none", "quiet":
		return LogOff
	default:
		return LogWarning
	}
}

// badgerLogger routes badger's logging through the standard logger.
type badgerLogger struct {
	level LogLevel
}

// NewBadgerLogger returns a badger.Logger writing to the standard logger at
// or above the given level, or nil if logging is off.
func NewBadgerLogger(level LogLevel) badger.Logger {
	if level >= LogOff {
		return nil
	}
	return &badgerLogger{level: level}
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logf(LogError, format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logf(LogWarning, format, args...)
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logf(LogInfo, format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logf(LogDebug, format, args...)
}

func (l *badgerLogger) logf(level LogLevel, format string, args ...any) {
	if level < l.level {
		return
	}
	log.Printf("[badger] "+strings.TrimRight(format, "\n"), args...)
}
