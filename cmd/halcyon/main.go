// Command halcyon runs the agent engine either as a one-shot prompt or
// as a stdio server speaking line-delimited JSON-RPC.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/halcyondev/halcyon/config"
	"github.com/halcyondev/halcyon/llm"
	"github.com/halcyondev/halcyon/session"
	"github.com/halcyondev/halcyon/soul"
	"github.com/halcyondev/halcyon/stdio"
	"github.com/halcyondev/halcyon/wire"
)

const defaultSystemPrompt = "You are a capable coding agent working in the user's repository. " +
	"Use the available tools to inspect and modify the workspace, and ask for approval before destructive actions."

type options struct {
	provider    string
	model       string
	apiKey      string
	configPath  string
	sessionsDir string
	workDir     string
	sessionID   string
	verbose     bool
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:   "halcyon [prompt]",
		Short: "Autonomous coding agent runtime",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runOneShot(cmd.Context(), opts, args[0])
		},
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.provider, "provider", "openai", "LLM provider name")
	flags.StringVar(&opts.model, "model", "gpt-4o", "model identifier")
	flags.StringVar(&opts.apiKey, "api-key", "", "provider API key (defaults to the provider's env var)")
	flags.StringVar(&opts.configPath, "config", "", "path to config YAML")
	flags.StringVar(&opts.sessionsDir, "sessions-dir", defaultSessionsDir(), "directory holding session data")
	flags.StringVar(&opts.workDir, "work-dir", "", "working directory for the agent (default: cwd)")
	flags.StringVar(&opts.sessionID, "session", "", "resume an existing session by id")
	flags.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve a session over stdio (line-delimited JSON-RPC)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}
	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultSessionsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".halcyon/sessions"
	}
	return filepath.Join(home, ".halcyon", "sessions")
}

// runtime bundles everything a fully wired session needs.
type runtime struct {
	sess     *session.Session
	state    *session.State
	bus      *wire.Wire
	wireLog  *wire.Log
	soul     *soul.Soul
	commands *soul.Commands
}

func setup(opts *options) (*runtime, error) {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if opts.configPath != "" {
		cfg = config.Load(opts.configPath)
	}

	workDir := opts.workDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}

	var sess *session.Session
	var err error
	if opts.sessionID != "" {
		sess, err = session.Open(opts.sessionsDir, opts.sessionID, workDir)
	} else {
		sess, err = session.New(opts.sessionsDir, workDir)
	}
	if err != nil {
		return nil, err
	}

	state := session.LoadState(sess.StatePath())
	if state.PruneAdditionalDirs() {
		if err := session.SaveState(sess.StatePath(), state); err != nil {
			slog.Warn("failed to persist pruned state", "error", err)
		}
	}

	history, err := session.OpenContext(sess.ContextPath())
	if err != nil {
		return nil, err
	}

	wireLog, err := wire.OpenLog(sess.WireLogPath())
	if err != nil {
		return nil, err
	}
	bus := wire.New(wireLog)

	provider, err := llm.NewGollmProvider(opts.provider, opts.model, llm.WithAPIKey(opts.apiKey))
	if err != nil {
		return nil, err
	}

	approvalState := soul.NewApprovalState(state.Approval)
	approvalState.OnChange(func(record session.ApprovalRecord) {
		state.Approval = record
		if err := session.SaveState(sess.StatePath(), state); err != nil {
			slog.Warn("failed to persist approval state", "error", err)
		}
	})

	tools := soul.NewRegistry()
	agent := soul.New(soul.Params{
		Provider:     provider,
		Policy:       llm.DefaultRecoveryPolicy(cfg.MaxRetriesPerStep),
		Bus:          bus,
		History:      history,
		Tools:        tools,
		Approval:     soul.NewApproval(approvalState, bus, "main"),
		Config:       cfg,
		SystemPrompt: defaultSystemPrompt,
		Name:         "main",
	})

	roster := soul.NewRoster(nil, state.DynamicSubagents)
	roster.OnChange(func(specs []session.SubagentSpec) {
		state.DynamicSubagents = specs
		if err := session.SaveState(sess.StatePath(), state); err != nil {
			slog.Warn("failed to persist subagent specs", "error", err)
		}
	})
	tools.Register(soul.NewTaskTool(agent, roster))

	return &runtime{
		sess:     sess,
		state:    state,
		bus:      bus,
		wireLog:  wireLog,
		soul:     agent,
		commands: soul.NewCommands(agent, state, sess.StatePath()),
	}, nil
}

// runOneShot executes a single turn and prints the streamed assistant
// text. A terminal turn failure exits non-zero.
func runOneShot(ctx context.Context, opts *options, prompt string) error {
	rt, err := setup(opts)
	if err != nil {
		return err
	}
	defer rt.wireLog.Close()
	defer rt.bus.Shutdown()

	side := rt.bus.Attach(wire.AttachOptions{Merged: true})
	printCtx, stopPrinting := context.WithCancel(ctx)
	defer stopPrinting()
	go func() {
		for {
			msg, err := side.Receive(printCtx)
			if err != nil {
				return
			}
			if part, ok := msg.Payload.(*wire.ContentPart); ok && part.Part.Kind == llm.ContentText {
				fmt.Print(part.Part.Text)
			}
		}
	}()

	if handled, err := rt.commands.Handle(ctx, prompt); handled {
		return err
	}
	if err := rt.soul.Run(ctx, prompt); err != nil {
		return fmt.Errorf("turn failed: %w", err)
	}
	fmt.Println()
	return nil
}

func runServe(ctx context.Context, opts *options) error {
	rt, err := setup(opts)
	if err != nil {
		return err
	}
	defer rt.wireLog.Close()
	defer rt.bus.Shutdown()

	server := stdio.NewServer(stdio.Params{
		Soul:        rt.soul,
		Bus:         rt.bus,
		Commands:    rt.commands,
		WireLogPath: rt.sess.WireLogPath(),
		In:          os.Stdin,
		Out:         os.Stdout,
	})
	return server.Run(ctx)
}
