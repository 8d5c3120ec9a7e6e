package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	state := DefaultState()
	state.Approval.Yolo = true
	state.Approval.AutoApproveActions = []string{"shell", "web_fetch"}
	state.DynamicSubagents = []SubagentSpec{{Name: "tester", SystemPrompt: "write tests"}}

	if err := SaveState(path, state); err != nil {
		t.Fatal(err)
	}

	loaded := LoadState(path)
	if !loaded.Approval.Yolo {
		t.Error("yolo not persisted")
	}
	if len(loaded.Approval.AutoApproveActions) != 2 {
		t.Errorf("auto-approve actions not persisted: %+v", loaded.Approval.AutoApproveActions)
	}
	if len(loaded.DynamicSubagents) != 1 || loaded.DynamicSubagents[0].Name != "tester" {
		t.Errorf("dynamic subagents not persisted: %+v", loaded.DynamicSubagents)
	}
}

func TestLoadStateMissingFile(t *testing.T) {
	state := LoadState(filepath.Join(t.TempDir(), "absent.json"))
	if state.Version != StateVersion {
		t.Errorf("expected default version, got %d", state.Version)
	}
	if state.Approval.Yolo {
		t.Error("defaults must not enable yolo")
	}
	if state.Approval.AutoApproveActions == nil || state.AdditionalDirs == nil || state.DynamicSubagents == nil {
		t.Error("default collections must be non-nil")
	}
}

func TestLoadStateCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	for _, garbage := range []string{
		"not json",
		`{"version": "one"}`,
		"\x00\x01\x02binary",
		`{"version": 99}`,
	} {
		if err := os.WriteFile(path, []byte(garbage), 0o644); err != nil {
			t.Fatal(err)
		}
		state := LoadState(path)
		if state.Version != StateVersion || state.Approval.Yolo {
			t.Errorf("corrupt input %q must yield defaults, got %+v", garbage, state)
		}
	}
}

func TestSaveStateAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := SaveState(path, DefaultState()); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		t.Errorf("expected only state.json, found %d entries", len(entries))
	}
}

func TestPruneAdditionalDirs(t *testing.T) {
	existing := t.TempDir()
	state := DefaultState()
	state.AdditionalDirs = []string{existing, "/definitely/not/here"}

	if changed := state.PruneAdditionalDirs(); !changed {
		t.Error("expected prune to report a change")
	}
	if len(state.AdditionalDirs) != 1 || state.AdditionalDirs[0] != existing {
		t.Errorf("unexpected dirs after prune: %+v", state.AdditionalDirs)
	}

	if changed := state.PruneAdditionalDirs(); changed {
		t.Error("second prune must be a no-op")
	}
}

func TestSessionPaths(t *testing.T) {
	base := t.TempDir()
	sess, err := New(base, "/work")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID == "" {
		t.Error("session id must be generated")
	}

	reopened, err := Open(base, sess.ID, "/work")
	if err != nil {
		t.Fatal(err)
	}
	if reopened.ContextPath() != sess.ContextPath() ||
		reopened.WireLogPath() != sess.WireLogPath() ||
		reopened.StatePath() != sess.StatePath() {
		t.Error("reopened session must resolve the same paths")
	}

	if _, err := Open(base, "no-such-session", "/work"); err == nil {
		t.Error("expected error for unknown session id")
	}
}
