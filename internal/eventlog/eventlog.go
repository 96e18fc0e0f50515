package eventlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/evalgen/internal/ndjson"
)

// Direction of a transcript entry relative to the engine
type Direction string

const (
	DirOut Direction = "out"
	DirIn  Direction = "in"
)

// Entry is one line that crossed the process boundary
type Entry struct {
	TS    time.Time `json:"ts"`
	Dir   Direction `json:"dir"`
	Line  string    `json:"line"`
	Index int       `json:"index"`
}

// EventLog appends every engine command and response to an NDJSON file.
// It satisfies supervisor.Observer. Index is -1 until the first position.
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger

	mu     sync.Mutex
	index  int
	failed bool
	now    func() time.Time
}

// NewEventLog opens (or creates) logPath for appending
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
		index:   -1,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetIndex tags subsequent entries with the position index
func (l *EventLog) SetIndex(index int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.index = index
}

// CommandSent records an outbound command
func (l *EventLog) CommandSent(line string) {
	l.write(DirOut, line)
}

// LineReceived records an inbound line
func (l *EventLog) LineReceived(line string) {
	l.write(DirIn, line)
}

// Close closes the transcript file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// write never fails the caller; the first error is logged and later
// entries are dropped
func (l *EventLog) write(dir Direction, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil || l.failed {
		return
	}

	entry := Entry{TS: l.now(), Dir: dir, Line: line, Index: l.index}
	if err := l.encoder.Encode(entry); err != nil {
		l.failed = true
		l.logger.Warn("transcript write failed, disabling transcript", "error", err)
	}
}
