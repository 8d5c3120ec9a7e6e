package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/halcyondev/halcyon/llm"
)

// Context is the session's ordered message history, persisted one JSON
// message per line. The engine only appends inside the turn loop;
// compaction and /clear rewrite the file wholesale.
type Context struct {
	mu       sync.Mutex
	path     string
	messages []llm.Message
}

// NewMemoryContext creates a history with no file backing. Subagents
// use this; their conversations are relayed on the wire, not persisted.
func NewMemoryContext() *Context {
	return &Context{}
}

// OpenContext loads the history at path. Corrupt lines are logged and
// skipped; a missing file yields an empty history.
func OpenContext(path string) (*Context, error) {
	c := &Context{path: path}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("open context: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg llm.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Warn("context: skipping corrupt line", "path", path, "line", lineNo, "error", err)
			continue
		}
		c.messages = append(c.messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}
	return c, nil
}

// Messages returns a copy of the current history.
func (c *Context) Messages() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages in the history.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Append adds messages to the history and persists them incrementally.
func (c *Context) Append(msgs ...llm.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.messages = append(c.messages, msgs...)
		return nil
	}

	file, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("append context: %w", err)
	}
	defer file.Close()

	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("append context: %w", err)
		}
		if _, err := file.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append context: %w", err)
		}
		c.messages = append(c.messages, msg)
	}
	return nil
}

// Replace swaps the entire history, rewriting the file atomically.
// Compaction uses this to install [summary] + preserved tail.
func (c *Context) Replace(msgs []llm.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.messages = make([]llm.Message, len(msgs))
		copy(c.messages, msgs)
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".context-*.jsonl")
	if err != nil {
		return fmt.Errorf("replace context: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("replace context: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("replace context: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("replace context: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("replace context: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("replace context: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("replace context: %w", err)
	}

	c.messages = make([]llm.Message, len(msgs))
	copy(c.messages, msgs)
	return nil
}

// Clear empties the history, rotating the old file aside so a /clear is
// recoverable by hand.
func (c *Context) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.messages = nil
		return nil
	}

	if _, err := os.Stat(c.path); err == nil {
		backup := fmt.Sprintf("%s.%d.bak", c.path, time.Now().Unix())
		if err := os.Rename(c.path, backup); err != nil {
			return fmt.Errorf("clear context: %w", err)
		}
	}
	c.messages = nil
	return nil
}
