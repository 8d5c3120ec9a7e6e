package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// StateVersion is the current schema version of state.json.
const StateVersion = 1

// SubagentSpec describes a user-defined subagent persisted with the
// session.
type SubagentSpec struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
}

// ApprovalRecord is the persisted portion of the approval state.
type ApprovalRecord struct {
	Yolo               bool     `json:"yolo"`
	AutoApproveActions []string `json:"auto_approve_actions"`
}

// State is the versioned session state persisted to state.json.
type State struct {
	Version          int            `json:"version"`
	Approval         ApprovalRecord `json:"approval"`
	DynamicSubagents []SubagentSpec `json:"dynamic_subagents"`
	AdditionalDirs   []string       `json:"additional_dirs"`
}

// DefaultState returns a fresh state with empty collections.
func DefaultState() *State {
	return &State{
		Version:          StateVersion,
		Approval:         ApprovalRecord{AutoApproveActions: []string{}},
		DynamicSubagents: []SubagentSpec{},
		AdditionalDirs:   []string{},
	}
}

// LoadState reads state.json. Any read, parse, or schema failure is
// logged and replaced with defaults; session recovery favors
// availability over strict validation.
func LoadState(path string) *State {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("state: unreadable, using defaults", "path", path, "error", err)
		}
		return DefaultState()
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Warn("state: corrupt, using defaults", "path", path, "error", err)
		return DefaultState()
	}
	if state.Version != StateVersion {
		slog.Warn("state: unknown version, using defaults", "path", path, "version", state.Version)
		return DefaultState()
	}
	if state.Approval.AutoApproveActions == nil {
		state.Approval.AutoApproveActions = []string{}
	}
	if state.DynamicSubagents == nil {
		state.DynamicSubagents = []SubagentSpec{}
	}
	if state.AdditionalDirs == nil {
		state.AdditionalDirs = []string{}
	}
	return &state
}

// SaveState writes state.json via temp file, fsync, and atomic rename so
// a crash never leaves a half-written file.
func SaveState(path string, state *State) error {
	state.Version = StateVersion
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.json")
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("save state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("save state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// PruneAdditionalDirs drops workspace directories that no longer exist
// on disk and reports whether anything changed.
func (s *State) PruneAdditionalDirs() bool {
	kept := s.AdditionalDirs[:0]
	changed := false
	for _, dir := range s.AdditionalDirs {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			kept = append(kept, dir)
		} else {
			changed = true
		}
	}
	s.AdditionalDirs = kept
	return changed
}
