package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultMaxLogLines = 200
	logTimeFormat      = "15:04:05"
)

// LogBuffer collects the progress lines returned to the caller of one
// operation. It keeps the last maxLines lines and mirrors each one to the
// structured logger.
type LogBuffer struct {
	mu       sync.RWMutex
	lines    []string
	maxLines int
	logger   *slog.Logger
	now      func() time.Time
}

// NewLogBuffer creates a buffer bound to logger.
func NewLogBuffer(maxLines int, logger *slog.Logger) *LogBuffer {
	if maxLines <= 0 {
		maxLines = defaultMaxLogLines
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBuffer{
		lines:    make([]string, 0, min(maxLines, 32)),
		maxLines: maxLines,
		logger:   logger,
		now:      time.Now,
	}
}

func (lb *LogBuffer) append(line string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.lines) >= lb.maxLines {
		copy(lb.lines, lb.lines[1:])
		lb.lines = lb.lines[:len(lb.lines)-1]
	}
	lb.lines = append(lb.lines, "["+lb.now().Format(logTimeFormat)+"] "+line)
}

// Infof records a progress line.
func (lb *LogBuffer) Infof(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	lb.append(msg)
	lb.logger.Info(msg)
}

// Warnf records a line about something that went wrong but did not stop the
// operation.
func (lb *LogBuffer) Warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	lb.append("warning: " + msg)
	lb.logger.Warn(msg)
}

// Errorf records the failure that ended the operation.
func (lb *LogBuffer) Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	lb.append("error: " + msg)
	lb.logger.Error(msg)
}

// Lines returns a copy of the buffered lines.
func (lb *LogBuffer) Lines() []string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	out := make([]string, len(lb.lines))
	copy(out, lb.lines)
	return out
}

// Len returns the number of buffered lines.
func (lb *LogBuffer) Len() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return len(lb.lines)
}
