package proto

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders tasks from least to most urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the string representation of Priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Valid reports whether the priority is a recognized value.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority parses a string into a Priority with validation.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return PriorityLow, nil
	case "MEDIUM":
		return PriorityMedium, nil
	case "HIGH":
		return PriorityHigh, nil
	case "CRITICAL":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unknown priority: %s", s)
	}
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// taskTransitions is the valid task state machine. RUNNING may return to
// PENDING while retries remain; COMPLETED, FAILED and CANCELLED are terminal.
//
//nolint:gochecknoglobals // Static transition table
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusCancelled},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusPending},
}

// CanTransitionTo reports whether the status may move to next.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Task is a unit of work submitted for execution.
type Task struct {
	// ID is unique across the system and immutable once assigned.
	ID string `json:"id"`
	// Type tags the kind of work the payload describes.
	Type string `json:"type"`
	// Priority orders competing pending tasks.
	Priority Priority `json:"priority"`
	// Payload is opaque to the orchestration core.
	Payload map[string]any `json:"payload,omitempty"`
	// RequiredCapabilities lists capability names a worker must declare.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	// Timeout bounds a single execution attempt. Zero means the configured
	// default applies.
	Timeout time.Duration `json:"timeout,omitempty"`
	// RetryCount never exceeds MaxRetries.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt time.Time  `json:"scheduled_at,omitempty"`
	Deadline    time.Time  `json:"deadline,omitempty"`
	Status      TaskStatus `json:"status"`

	// Error holds the surfaced failure once the task is FAILED.
	Error string `json:"error,omitempty"`
}

// NewTask creates a pending task with a fresh id.
func NewTask(taskType string, priority Priority) *Task {
	return &Task{
		ID:        NewID(),
		Type:      taskType,
		Priority:  priority,
		Payload:   make(map[string]any),
		CreatedAt: time.Now().UTC(),
		Status:    TaskStatusPending,
	}
}

// Validate checks the submission invariants. Violations are surfaced
// synchronously to the submitter and never retried.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Type == "" {
		return fmt.Errorf("task type is required")
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("unrecognized priority: %d", int(t.Priority))
	}
	if t.Timeout < 0 {
		return fmt.Errorf("task timeout must be positive, got %v", t.Timeout)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d", t.MaxRetries)
	}
	if t.RetryCount < 0 {
		return fmt.Errorf("retry count must be non-negative, got %d", t.RetryCount)
	}
	if t.RetryCount > t.MaxRetries {
		return fmt.Errorf("retry count %d exceeds max retries %d", t.RetryCount, t.MaxRetries)
	}
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("unknown task status: %s", t.Status)
	}
	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	clone := *t
	if t.Payload != nil {
		clone.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			clone.Payload[k] = v
		}
	}
	if t.RequiredCapabilities != nil {
		clone.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	}
	return &clone
}
