// Package logx provides structured, component-scoped logging for the orchestration core.
package logx

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a logging severity level.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Format selects the output encoding for log lines.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string into a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes leveled log lines tagged with a component name.
type Logger struct {
	component string
	logger    *log.Logger
}

// Entry is a structured log record kept in the in-memory buffer and used
// for JSON-formatted output.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// ringBuffer stores the most recent log entries for diagnostics endpoints.
type ringBuffer struct {
	entries []Entry
	maxSize int
	mu      sync.RWMutex
}

// Global output configuration. Protected by confMu; set once at startup from
// the logging config section and by DEBUG/DEBUG_DOMAINS environment variables.
//
//nolint:gochecknoglobals // Intentional process-wide logging configuration
var (
	confMu    sync.RWMutex
	minLevel  = LevelInfo
	outFormat = FormatText
	domains   map[string]bool // nil means all components

	buffer = &ringBuffer{maxSize: 1000}
)

func init() { //nolint:gochecknoinits // Required for env var initialization
	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		minLevel = LevelDebug
	}
	if list := os.Getenv("DEBUG_DOMAINS"); list != "" {
		domains = make(map[string]bool)
		for _, d := range strings.Split(list, ",") {
			domains[strings.TrimSpace(d)] = true
		}
	}
}

// Configure applies the logging section of the config file.
// Environment variables win for the debug level so a deployed config cannot
// silence ad hoc debugging.
func Configure(level, format string) {
	confMu.Lock()
	defer confMu.Unlock()

	parsed := ParseLevel(level)
	if os.Getenv("DEBUG") == "" || parsed == LevelDebug {
		minLevel = parsed
	}
	if strings.EqualFold(format, string(FormatJSON)) {
		outFormat = FormatJSON
	} else {
		outFormat = FormatText
	}
}

// NewLogger creates a logger scoped to a component name.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(os.Stderr, "", 0), // stderr keeps stdout free for CLI output
	}
}

func (l *Logger) enabled(level Level) bool {
	confMu.RLock()
	defer confMu.RUnlock()

	if levelRank[level] < levelRank[minLevel] {
		return false
	}
	if level == LevelDebug && domains != nil && !domains[l.component] {
		return false
	}
	return true
}

func (l *Logger) log(level Level, format string, args ...any) {
	if !l.enabled(level) {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Component: l.component,
		Level:     string(level),
		Message:   fmt.Sprintf(format, args...),
	}

	confMu.RLock()
	format2 := outFormat
	confMu.RUnlock()

	if format2 == FormatJSON {
		if data, err := json.Marshal(entry); err == nil {
			l.logger.Println(string(data))
		}
	} else {
		l.logger.Printf("[%s] [%s] %s: %s", entry.Timestamp, entry.Component, entry.Level, entry.Message)
	}

	buffer.add(entry)
}

func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func (b *ringBuffer) add(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// RecentEntries returns a copy of buffered entries, optionally filtered by
// component and a minimum timestamp.
func RecentEntries(component string, since time.Time) []Entry {
	buffer.mu.RLock()
	defer buffer.mu.RUnlock()

	out := make([]Entry, 0, len(buffer.entries))
	for i := range buffer.entries {
		e := &buffer.entries[i]
		if component != "" && !strings.EqualFold(e.Component, component) {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse("2006-01-02T15:04:05.000Z", e.Timestamp)
			if err != nil || ts.Before(since) {
				continue
			}
		}
		out = append(out, *e)
	}
	return out
}
