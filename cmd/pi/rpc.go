package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/pi/internal/auth"
	"github.com/haasonsaas/pi/internal/config"
	"github.com/haasonsaas/pi/internal/observability"
	"github.com/haasonsaas/pi/internal/session"
	"github.com/haasonsaas/pi/pkg/models"
)

// rpcOptions are the flags of the rpc subcommand.
type rpcOptions struct {
	provider     string
	model        string
	systemPrompt string
	reasoning    string
	queueMode    string
	extensions   []string
	sessionDir   string
	noRecord     bool
}

// buildRPCCmd creates the "rpc" command: one session spoken to over
// line-delimited JSON, commands on stdin, events on stdout.
func buildRPCCmd() *cobra.Command {
	var opts rpcOptions

	cmd := &cobra.Command{
		Use:   "rpc",
		Short: "Run a session over line-delimited JSON on stdin/stdout",
		Long: `Run an agent session as a subprocess protocol.

Input commands, one JSON object per line:

  {"type":"prompt", "message":"...", "attachments":[{"data":"...","mimeType":"image/png"}]}
  {"type":"abort"}
  {"type":"compact", "customInstructions":"..."}
  {"type":"bash", "command":"..."}

Output is the session event stream, one JSON object per line, plus
{"type":"bash_end",...}, {"type":"compaction",...} and {"type":"error",...}
for command outcomes. The process exits 0 when stdin closes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRPC(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.provider, "provider", "", "Provider of the model to run")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model id (defaults to settings, then the first catalog entry)")
	cmd.Flags().StringVar(&opts.systemPrompt, "system-prompt", "", "System prompt for the session")
	cmd.Flags().StringVar(&opts.reasoning, "reasoning", "", "Reasoning effort for capable models (low|medium|high)")
	cmd.Flags().StringVar(&opts.queueMode, "queue-mode", "", "How prompts queued mid-turn drain (all|one-at-a-time)")
	cmd.Flags().StringArrayVar(&opts.extensions, "extension", nil, "Extension plugin path (repeatable)")
	cmd.Flags().StringVar(&opts.sessionDir, "session-dir", "", "Directory for session records (default ~/.pi/agent/sessions)")
	cmd.Flags().BoolVar(&opts.noRecord, "no-record", false, "Disable the session record")

	return cmd
}

func runRPC(cmd *cobra.Command, opts rpcOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch opts.reasoning {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("invalid reasoning level %q", opts.reasoning)
	}
	if opts.queueMode != "" && !config.QueueMode(opts.queueMode).Valid() {
		return fmt.Errorf("invalid queue mode %q", opts.queueMode)
	}

	agentDir, err := config.DefaultDir()
	if err != nil {
		return err
	}
	settingsPath, err := config.DefaultSettingsPath()
	if err != nil {
		return err
	}
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return err
	}
	catalog, err := config.LoadModels(agentDir)
	if err != nil {
		return err
	}
	model, err := pickModel(catalog, settings, opts.provider, opts.model)
	if err != nil {
		return err
	}

	store, err := auth.DefaultStore()
	if err != nil {
		return err
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	sessionDir := opts.sessionDir
	if sessionDir == "" {
		sessionDir = filepath.Join(agentDir, "sessions")
	}
	if opts.noRecord {
		sessionDir = ""
	}

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "pi",
		ServiceVersion: version,
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	})
	defer func() { _ = shutdownTracer(context.Background()) }()

	sess, err := session.New(ctx, session.Config{
		Model:          model,
		SystemPrompt:   opts.systemPrompt,
		Reasoning:      models.ReasoningLevel(opts.reasoning),
		QueueMode:      config.QueueMode(opts.queueMode),
		ExtensionPaths: opts.extensions,
		HomeDir:        homeDir,
		WorkDir:        workDir,
		Settings:       settings,
		SessionDir:     sessionDir,
		AuthStore:      store,
		Tracer:         tracer,
	})
	if err != nil {
		return err
	}

	out := &lineWriter{out: cmd.OutOrStdout()}
	sess.Subscribe(func(ev *models.SessionEvent) {
		// The wire flattens compaction into its documented shape.
		if ev.Type == models.SessionCompaction && ev.Summary != nil {
			out.write(rpcCompaction{
				Type:         "compaction",
				TokensBefore: ev.Summary.TokensBefore,
				TokensAfter:  ev.TokensAfter,
				Summary:      ev.Summary.Summary,
			})
			return
		}
		out.write(ev)
	})

	// Long-running sessions pick up settings edits (queue mode) live.
	watcher, err := config.WatchSettings(settingsPath, 0, slog.Default(), func(s *config.Settings) {
		sess.SetQueueMode(s.QueueMode)
	})
	if err != nil {
		slog.Warn("settings watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	lines := make(chan string)
	go readLines(ctx, cmd.InOrStdin(), lines)

	var wg sync.WaitGroup
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			dispatchCommand(ctx, sess, out, &wg, line)
		}
	}

	wg.Wait()
	return sess.Close(context.Background())
}

// readLines feeds non-empty stdin lines to ch and closes it on EOF.
func readLines(ctx context.Context, in io.Reader, ch chan<- string) {
	defer close(ch)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case ch <- line:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("read stdin", "error", err)
	}
}

// dispatchCommand routes one input line. Prompt and abort are non-blocking on
// the session; compact and bash run on worker goroutines so the stdin loop
// keeps draining (an abort must be readable while they run).
func dispatchCommand(ctx context.Context, sess *session.Session, out *lineWriter, wg *sync.WaitGroup, line string) {
	var cmd rpcCommand
	if err := json.Unmarshal([]byte(line), &cmd); err != nil {
		out.write(rpcError{Type: "error", Error: fmt.Sprintf("parse command: %v", err)})
		return
	}

	switch cmd.Type {
	case "prompt":
		input := session.PromptInput{Text: cmd.Message, ExpandCommands: true}
		for _, att := range cmd.Attachments {
			input.Attachments = append(input.Attachments, &models.ImageBlock{
				Data:     att.Data,
				MimeType: att.MimeType,
			})
		}
		if err := sess.Prompt(ctx, input); err != nil {
			out.write(rpcError{Type: "error", Error: err.Error()})
		}
	case "abort":
		sess.Abort()
	case "compact":
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sess.Compact(ctx, cmd.CustomInstructions); err != nil {
				out.write(rpcError{Type: "error", Error: err.Error()})
			}
		}()
	case "bash":
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := sess.ExecuteBash(ctx, cmd.Command, 0, nil)
			if err != nil {
				out.write(rpcError{Type: "error", Error: err.Error()})
				return
			}
			out.write(rpcBashEnd{Type: "bash_end", Stdout: res.Stdout, Stderr: res.Stderr, Code: res.ExitCode})
		}()
	default:
		out.write(rpcError{Type: "error", Error: fmt.Sprintf("unknown command type %q", cmd.Type)})
	}
}

// pickModel resolves the model to run: explicit flags win, then the settings
// defaults, then the first catalog entry.
func pickModel(catalog []*models.Model, settings *config.Settings, provider, id string) (*models.Model, error) {
	if id != "" {
		m, ok := config.FindModel(catalog, provider, id)
		if !ok {
			return nil, fmt.Errorf("unknown model %q", id)
		}
		return m, nil
	}
	if settings.DefaultModel != "" {
		if m, ok := config.FindModel(catalog, settings.DefaultProvider, settings.DefaultModel); ok {
			return m, nil
		}
		slog.Warn("settings default model not in catalog",
			"provider", settings.DefaultProvider,
			"model", settings.DefaultModel,
		)
	}
	if provider != "" {
		for _, m := range catalog {
			if m.Provider == provider {
				return m, nil
			}
		}
		return nil, fmt.Errorf("no models for provider %q", provider)
	}
	if len(catalog) == 0 {
		return nil, errors.New("no models available")
	}
	return catalog[0], nil
}

// rpcCommand is one line read from stdin.
type rpcCommand struct {
	Type               string          `json:"type"`
	Message            string          `json:"message,omitempty"`
	Attachments        []rpcAttachment `json:"attachments,omitempty"`
	CustomInstructions string          `json:"customInstructions,omitempty"`
	Command            string          `json:"command,omitempty"`
}

type rpcAttachment struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

type rpcError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type rpcBashEnd struct {
	Type   string `json:"type"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Code   int    `json:"code"`
}

type rpcCompaction struct {
	Type         string `json:"type"`
	TokensBefore int    `json:"tokensBefore"`
	TokensAfter  int    `json:"tokensAfter"`
	Summary      string `json:"summary"`
}

// lineWriter serialises line-delimited JSON onto one writer. Session events
// and worker responses arrive from different goroutines; the mutex keeps
// lines whole.
type lineWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *lineWriter) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode output line", "error", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		slog.Error("write output line", "error", err)
	}
}
