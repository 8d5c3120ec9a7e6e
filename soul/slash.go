package soul

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/halcyondev/halcyon/llm"
	"github.com/halcyondev/halcyon/session"
)

// Commands handles the session-level slash commands that operate on the
// engine outside the step loop.
type Commands struct {
	soul      *Soul
	state     *session.State
	statePath string
}

// NewCommands wires the command handler to a soul and its persisted
// state.
func NewCommands(soul *Soul, state *session.State, statePath string) *Commands {
	return &Commands{soul: soul, state: state, statePath: statePath}
}

// Handle runs a slash command. It returns false when the input is not a
// command, so the caller can treat it as a normal prompt.
func (c *Commands) Handle(ctx context.Context, input string) (bool, error) {
	if !strings.HasPrefix(input, "/") {
		return false, nil
	}
	name, rest, _ := strings.Cut(strings.TrimSpace(input), " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/compact":
		return true, c.soul.CompactContext(ctx, rest)
	case "/clear":
		return true, c.soul.ClearContext()
	case "/yolo":
		state := c.soul.Approval().State()
		state.SetYolo(!state.Yolo())
		return true, nil
	case "/add-dir":
		return true, c.addDir(rest)
	default:
		return true, fmt.Errorf("unknown command %s", name)
	}
}

// addDir registers an extra workspace directory: persists it in session
// state and injects a system notice so the model knows about it.
func (c *Commands) addDir(path string) error {
	if path == "" {
		return fmt.Errorf("usage: /add-dir <path>")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("add-dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("add-dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("add-dir: %s is not a directory", abs)
	}

	for _, existing := range c.state.AdditionalDirs {
		if existing == abs {
			return nil
		}
	}
	c.state.AdditionalDirs = append(c.state.AdditionalDirs, abs)
	if err := session.SaveState(c.statePath, c.state); err != nil {
		return err
	}

	notice := SystemNotice(fmt.Sprintf(
		"The user has added an additional directory to the workspace: `%s`\n"+
			"You can now read, write, search, and glob files in this directory "+
			"as if it were part of the working directory.", abs))
	return c.soul.History().Append(llm.Message{Role: llm.RoleUser, Content: []llm.ContentPart{notice}})
}
