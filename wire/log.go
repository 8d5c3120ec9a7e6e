package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Record is one line of the persisted wire log.
type Record struct {
	Timestamp float64  `json:"timestamp"`
	Message   *Message `json:"message"`
}

// Log is the append-only wire.jsonl writer. It is safe for use by the
// bus from multiple goroutines.
type Log struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

// OpenLog opens (or creates) the wire log at path for appending.
func OpenLog(path string) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wire log: %w", err)
	}
	return &Log{file: file, now: time.Now}, nil
}

// Append writes one timestamped record. Serialization failures are
// logged and skipped; a bad message must not take down the bus.
func (l *Log) Append(msg *Message) {
	record := Record{
		Timestamp: float64(l.now().UnixNano()) / float64(time.Second),
		Message:   msg,
	}
	line, err := json.Marshal(record)
	if err != nil {
		slog.Warn("wire log: skipping unserializable message", "type", msg.Type, "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(line); err != nil {
		slog.Warn("wire log: write failed", "error", err)
	}
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// ReadLog loads the replayable messages from a wire log. Metadata
// records and corrupt lines are skipped. A missing file yields an empty
// backlog.
func ReadLog(path string) ([]*Message, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open wire log: %w", err)
	}
	defer file.Close()

	var messages []*Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			slog.Warn("wire log: skipping corrupt record", "path", path, "line", lineNo, "error", err)
			continue
		}
		if record.Message == nil || record.Message.Type == TypeMetadata {
			continue
		}
		messages = append(messages, record.Message)
	}
	if err := scanner.Err(); err != nil {
		return messages, fmt.Errorf("read wire log: %w", err)
	}
	return messages, nil
}
