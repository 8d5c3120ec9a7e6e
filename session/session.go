// Package session manages a session's identity and its three persisted
// artifacts: the ordered message history (context.jsonl), the wire log
// (wire.jsonl), and the versioned state file (state.json). Exactly one
// engine process mutates a given session at a time; that process is the
// serialization point, not a lock.
package session

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Session identifies one agent session and locates its on-disk files.
type Session struct {
	ID      string
	WorkDir string
	dir     string
}

// New creates a fresh session rooted under baseDir, working in workDir.
func New(baseDir, workDir string) (*Session, error) {
	id := uuid.New().String()
	dir := filepath.Join(baseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Session{ID: id, WorkDir: workDir, dir: dir}, nil
}

// Open returns a handle to an existing session.
func Open(baseDir, id, workDir string) (*Session, error) {
	dir := filepath.Join(baseDir, id)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", id, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open session %s: not a directory", id)
	}
	return &Session{ID: id, WorkDir: workDir, dir: dir}, nil
}

// Dir returns the session's storage directory.
func (s *Session) Dir() string { return s.dir }

// ContextPath returns the path of the persisted message history.
func (s *Session) ContextPath() string { return filepath.Join(s.dir, "context.jsonl") }

// WireLogPath returns the path of the persisted wire log.
func (s *Session) WireLogPath() string { return filepath.Join(s.dir, "wire.jsonl") }

// StatePath returns the path of the persisted state file.
func (s *Session) StatePath() string { return filepath.Join(s.dir, "state.json") }
