// Package logx provides leveled, component-tagged logging for both the
// gateway and the local agent, with an in-memory ring buffer so the
// control-plane API can surface recent lines.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type Logger struct {
	name   string
	logger *log.Logger
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

func levelRank(l Level) int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// LogEntry is one captured log line, kept for the control-plane log view.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// ringBuffer stores the most recent log entries.
type ringBuffer struct {
	entries []LogEntry
	mutex   sync.RWMutex
	maxSize int
}

//nolint:gochecknoglobals // Process-wide log configuration and capture buffer
var (
	minLevel   = LevelInfo
	domains    map[string]bool // nil = all domains when debug enabled
	levelMutex sync.RWMutex

	buffer = &ringBuffer{
		entries: make([]LogEntry, 0),
		maxSize: 1000,
	}
)

// Initialize level and domain filtering from the environment.
func init() { //nolint:gochecknoinits // Required for env var initialization
	initFromEnv()
}

func initFromEnv() {
	levelMutex.Lock()
	defer levelMutex.Unlock()

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		switch strings.ToUpper(strings.TrimSpace(lvl)) {
		case "DEBUG":
			minLevel = LevelDebug
		case "INFO":
			minLevel = LevelInfo
		case "WARN", "WARNING":
			minLevel = LevelWarn
		case "ERROR":
			minLevel = LevelError
		}
	}

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		minLevel = LevelDebug
	}

	// DEBUG_DOMAINS=channel,worker,kernel narrows debug output to components.
	if list := os.Getenv("DEBUG_DOMAINS"); list != "" {
		domains = make(map[string]bool)
		for _, domain := range strings.Split(list, ",") {
			domains[strings.TrimSpace(domain)] = true
		}
	}
}

// NewLogger creates a logger tagged with a component name. Output goes to
// stderr so stdout stays clean for CLI consumers.
func NewLogger(name string) *Logger {
	return &Logger{
		name:   name,
		logger: log.New(os.Stderr, "", 0),
	}
}

// SetLevel overrides the minimum level, normally set from LOG_LEVEL.
func SetLevel(level Level) {
	levelMutex.Lock()
	defer levelMutex.Unlock()
	minLevel = level
}

// IsDebugEnabled returns whether debug lines would be emitted at all.
func IsDebugEnabled() bool {
	levelMutex.RLock()
	defer levelMutex.RUnlock()
	return levelRank(minLevel) == 0
}

func debugEnabledFor(name string) bool {
	levelMutex.RLock()
	defer levelMutex.RUnlock()

	if levelRank(minLevel) > 0 {
		return false
	}
	if domains == nil {
		return true
	}
	return domains[name]
}

func enabled(level Level) bool {
	levelMutex.RLock()
	defer levelMutex.RUnlock()
	return levelRank(level) >= levelRank(minLevel)
}

func (b *ringBuffer) add(entry *LogEntry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, *entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

func (b *ringBuffer) recent(component string, since time.Time) []LogEntry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	filtered := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if component != "" && !strings.EqualFold(entry.Component, component) {
			continue
		}
		if !since.IsZero() {
			entryTime, err := time.Parse("2006-01-02T15:04:05.000Z", entry.Timestamp)
			if err != nil || entryTime.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// RecentEntries returns captured log lines, optionally filtered by component
// and minimum timestamp. Used by the control-plane log endpoint.
func RecentEntries(component string, since time.Time) []LogEntry {
	return buffer.recent(component, since)
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("[%s] [%s] %s: %s", timestamp, l.name, level, message)

	buffer.add(&LogEntry{
		Timestamp: timestamp,
		Component: l.name,
		Level:     string(level),
		Message:   message,
	})
}

func (l *Logger) Debug(format string, args ...any) {
	if !debugEnabledFor(l.name) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	if !enabled(LevelInfo) {
		return
	}
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	if !enabled(LevelWarn) {
		return
	}
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

func (l *Logger) Name() string {
	return l.name
}

// WithName returns a logger sharing the sink but tagged differently.
func (l *Logger) WithName(name string) *Logger {
	return &Logger{
		name:   name,
		logger: l.logger,
	}
}

//nolint:gochecknoglobals // Convenience logger for package-level call sites
var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	if !debugEnabledFor(defaultLogger.name) {
		return
	}
	defaultLogger.log(LevelDebug, format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
// Use this when you need both logging and error returning:
//
//	err := logx.Errorf("setup failed: %w", err).
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
// Use this when you need both logging and error wrapping:
//
//	if err != nil { return logx.Wrap(err, "db connect") }.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
