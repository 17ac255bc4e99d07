package resilience

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level distinguishes failures from advisory notes in a TaskLog.
type Level string

// Entry levels.
const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

// Entry is one recorded failure or warning.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Kind      Kind      `json:"kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Summary is the reportable view of a TaskLog.
type Summary struct {
	TaskID       string       `json:"task_id"`
	ErrorCount   int          `json:"error_count"`
	WarningCount int          `json:"warning_count"`
	Kinds        map[Kind]int `json:"kinds,omitempty"`
	Entries      []Entry      `json:"entries"`
}

// TaskLog accumulates failures for a single task. Instances never share
// state, even when created with the same task ID. All methods are safe on a
// nil receiver and never panic.
type TaskLog struct {
	taskID string
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries []Entry
}

// NewTaskLog creates an empty log for taskID. Entries are mirrored to logger.
func NewTaskLog(taskID string, logger *zap.Logger) *TaskLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskLog{
		taskID: taskID,
		logger: logger,
		now:    time.Now,
	}
}

// TaskID returns the caller-supplied identifier.
func (l *TaskLog) TaskID() string {
	if l == nil {
		return ""
	}
	return l.taskID
}

// LogError records a failure.
func (l *TaskLog) LogError(message string, err error) {
	if l == nil {
		return
	}
	defer l.swallowPanic()

	entry := Entry{Timestamp: l.now(), Level: LevelError, Message: message}
	if err != nil {
		entry.Kind = KindOf(err)
		entry.Error = err.Error()
	}
	l.add(entry)
	l.logger.Error(message,
		zap.String("task_id", l.taskID),
		zap.String("kind", string(entry.Kind)),
		zap.Error(err),
	)
}

// LogWarning records an advisory note that did not fail the task.
func (l *TaskLog) LogWarning(message string) {
	if l == nil {
		return
	}
	defer l.swallowPanic()

	l.add(Entry{Timestamp: l.now(), Level: LevelWarning, Message: message})
	l.logger.Warn(message, zap.String("task_id", l.taskID))
}

// Len returns the number of entries recorded so far.
func (l *TaskLog) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Summary returns a copy of the log's entries with per-kind counts.
func (l *TaskLog) Summary() Summary {
	if l == nil {
		return Summary{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{
		TaskID:  l.taskID,
		Entries: make([]Entry, len(l.entries)),
	}
	copy(s.Entries, l.entries)
	for _, e := range l.entries {
		switch e.Level {
		case LevelError:
			s.ErrorCount++
			if e.Kind != "" {
				if s.Kinds == nil {
					s.Kinds = make(map[Kind]int)
				}
				s.Kinds[e.Kind]++
			}
		case LevelWarning:
			s.WarningCount++
		}
	}
	return s
}

func (l *TaskLog) add(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// swallowPanic swallows panics raised while recording, e.g. from a faulty error's
// Error method, and reports them through the process logger.
func (l *TaskLog) swallowPanic() {
	if r := recover(); r != nil {
		l.logger.Warn("task log entry dropped",
			zap.String("task_id", l.taskID),
			zap.String("panic", fmt.Sprint(r)),
		)
	}
}
