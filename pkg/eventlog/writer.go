// Package eventlog persists bus messages to daily rotated JSONL files for
// post-hoc inspection. Messages themselves are ephemeral; the event log is
// the only durable trace of what moved through the system.
package eventlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agentmesh/pkg/bus"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/proto"
)

// Writer appends messages to the current day's log file, rotating at the
// date boundary.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates a writer rotating daily in the given directory.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	w := &Writer{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize event log: %w", err)
	}
	return w, nil
}

// Write appends one message as a JSON line, rotating first if the date
// changed.
func (w *Writer) Write(msg *proto.Message) error {
	data, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event log: %w", err)
	}
	if _, err := w.currentFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	return nil
}

// AttachBus subscribes the writer to every message on the bus. Write
// failures are logged, never propagated to publishers. The returned
// subscription detaches the writer.
func (w *Writer) AttachBus(b *bus.Bus) (*bus.Subscription, error) {
	logger := logx.NewLogger("eventlog")
	return b.Subscribe(bus.Filter{}, func(msg *proto.Message) {
		if err := w.Write(msg); err != nil {
			logger.Warn("Failed to record %s message: %v", msg.Type, err)
		}
	})
}

// CurrentFile returns the path of the active log file.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fileNameFor(w.currentDate))
}

// Close closes the active log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close event log: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	date := time.Now().UTC().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == date {
		return nil
	}

	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close previous event log: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fileNameFor(date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log %s: %w", path, err)
	}
	w.currentFile = file
	w.currentDate = date
	return nil
}

func fileNameFor(date string) string {
	return fmt.Sprintf("events-%s.jsonl", date)
}

// ReadMessages parses every message from a log file.
func ReadMessages(path string) ([]*proto.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var messages []*proto.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := proto.MessageFromJSON(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event log line: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	return messages, nil
}

// ListLogFiles returns every event log file in a directory.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list event logs: %w", err)
	}
	return files, nil
}
