// Package session is the controller that owns one conversation: its
// transcript, tool registry, extensions, and the scheduler goroutine that
// drives prompts through the agent loop. Callers interact through Prompt,
// Abort, Compact, ExecuteBash, and Subscribe; everything else is internal.
//
// Exactly one prompt runs at a time. Prompts submitted while one is active
// queue up and are drained by the same goroutine once the active run exits,
// according to the configured queue mode. Abort cancels the active run's
// context; queued inputs survive an abort.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/pi/internal/agent"
	"github.com/haasonsaas/pi/internal/auth"
	"github.com/haasonsaas/pi/internal/compaction"
	"github.com/haasonsaas/pi/internal/config"
	"github.com/haasonsaas/pi/internal/extensions"
	"github.com/haasonsaas/pi/internal/hooks"
	"github.com/haasonsaas/pi/internal/observability"
	"github.com/haasonsaas/pi/internal/providers"
	"github.com/haasonsaas/pi/internal/tools/bash"
	"github.com/haasonsaas/pi/pkg/models"
)

var (
	// ErrBusy is returned by operations that cannot overlap an active
	// prompt or compaction. They do not queue.
	ErrBusy = errors.New("session is busy")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session is closed")
)

// Listener receives session events. Delivery is synchronous on the emitting
// goroutine, so a slow listener throttles the session.
type Listener func(ev *models.SessionEvent)

// PromptInput is one user submission.
type PromptInput struct {
	Text        string
	Attachments []*models.ImageBlock

	// ExpandCommands enables slash-command expansion: when Text starts
	// with /name and an extension registered that command, the command's
	// template replaces the text before it enters the transcript.
	ExpandCommands bool
}

// Config assembles a session. Model plus a credential source is the normal
// setup; tests inject Provider directly and skip credential resolution.
type Config struct {
	// Model selects the provider adapter. Required unless Provider is set.
	Model *models.Model

	// Provider overrides adapter construction and credential resolution.
	Provider providers.Provider

	SystemPrompt     string
	Temperature      float64
	Reasoning        models.ReasoningLevel
	MaxParallelTools int

	// QueueMode picks the drain behavior for prompts queued mid-run.
	// Invalid or empty falls back to Settings.QueueMode, then
	// one-at-a-time.
	QueueMode config.QueueMode

	// KeepTail is the number of trailing messages compaction preserves.
	KeepTail int

	// Tools are registered before extensions load, after the built-in
	// bash tool. Extensions can replace them by name.
	Tools []agent.Tool

	// Extensions are programmatic extensions, loaded before compiled
	// plugins.
	Extensions []extensions.Extension

	// ExtensionPaths are explicit plugin files or directories, merged
	// after the discovery locations.
	ExtensionPaths []string

	// HomeDir and WorkDir anchor extension discovery and the bash
	// runner's working directory. Empty HomeDir disables the user-global
	// discovery location; empty WorkDir uses the process cwd and
	// disables workspace discovery.
	HomeDir string
	WorkDir string

	// Settings contributes the extensions list and the default queue
	// mode. Nil is treated as zero settings.
	Settings *config.Settings

	// SessionDir, when set, enables the JSONL transcript record at
	// <SessionDir>/<session-id>.jsonl.
	SessionDir string

	// HookTimeout bounds each hook handler invocation. Zero means the
	// dispatcher default.
	HookTimeout time.Duration

	// AuthStore backs credential resolution. Nil opens the default store.
	AuthStore *auth.Store

	// InitialMessages seed the transcript, e.g. when resuming a recorded
	// session. Must satisfy the transcript invariants.
	InitialMessages []models.Message

	Logger *slog.Logger
	Tracer *observability.Tracer
}

// state is the session's exclusivity latch. Prompting covers the whole
// queue-drain, not just one agent run.
type state int

const (
	stateIdle state = iota
	statePrompting
	stateCompacting
)

// Session drives one conversation.
type Session struct {
	id     string
	cfg    Config
	model  *models.Model
	logger *slog.Logger

	registry   *agent.Registry
	dispatcher *hooks.Dispatcher
	manager    *extensions.Manager
	transcript *models.Transcript
	resolver   *auth.Resolver
	runner     *bash.Runner
	record     *recorder

	mu        sync.Mutex // guards state, queue, cancel, queueMode, closed
	state     state
	queue     []PromptInput
	cancel    context.CancelFunc
	queueMode config.QueueMode
	closed    bool
	active    sync.WaitGroup

	provMu      sync.Mutex
	provider    providers.Provider
	providerKey string

	subMu   sync.Mutex
	subs    []subscriber
	nextSub int

	emitMu sync.Mutex
	seq    uint64

	closeOnce sync.Once
	closeErr  error
}

// subscriber pairs a listener with its registration id so delivery follows
// subscription order and removal does not disturb it.
type subscriber struct {
	id int
	fn Listener
}

// New assembles a session: registry with the built-in bash tool and the
// configured tools, extension load, the session_start hook, and the optional
// transcript record. ctx bounds extension initialisation and the
// session_start dispatch.
func New(ctx context.Context, cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	model := cfg.Model
	if cfg.Provider != nil {
		model = cfg.Provider.Model()
	}
	if model == nil {
		return nil, errors.New("session requires a model")
	}

	if err := models.CheckTranscript(cfg.InitialMessages); err != nil {
		return nil, fmt.Errorf("initial messages: %w", err)
	}

	store := cfg.AuthStore
	if store == nil && cfg.Provider == nil {
		var err error
		store, err = auth.DefaultStore()
		if err != nil {
			return nil, err
		}
	}

	id := uuid.New().String()
	s := &Session{
		id:         id,
		cfg:        cfg,
		model:      model,
		logger:     logger.With("session_id", id),
		transcript: models.NewTranscript(cfg.InitialMessages...),
		runner:     bash.NewRunner(bash.WithDir(cfg.WorkDir)),
		queueMode:  resolveQueueMode(cfg),
		provider:   cfg.Provider,
	}
	if store != nil {
		s.resolver = auth.NewResolver(store, s.logger)
	}

	var dispatchOpts []hooks.Option
	if cfg.HookTimeout > 0 {
		dispatchOpts = append(dispatchOpts, hooks.WithTimeout(cfg.HookTimeout))
	}
	dispatchOpts = append(dispatchOpts, hooks.WithErrorHandler(s.hookError))
	s.dispatcher = hooks.NewDispatcher(s.logger, dispatchOpts...)

	s.registry = agent.NewRegistry(s.logger)
	s.registry.Register(bash.NewTool(s.runner))
	for _, tool := range cfg.Tools {
		s.registry.Register(tool)
	}

	var settingsPaths []string
	if cfg.Settings != nil {
		settingsPaths = cfg.Settings.Extensions
	}
	paths := extensions.DiscoverPaths(cfg.HomeDir, cfg.WorkDir, settingsPaths, cfg.ExtensionPaths)
	s.manager = extensions.NewManager(s.registry, s.dispatcher, s.logger)
	if err := s.manager.Load(cfg.Extensions, paths); err != nil {
		return nil, err
	}

	ev := hooks.NewEvent(hooks.EventSessionStart)
	ev.SessionID = s.id
	ev.Messages = s.transcript.Snapshot()
	s.dispatcher.Dispatch(ctx, ev)
	s.manager.Seal()

	if cfg.SessionDir != "" {
		rec, err := newRecorder(cfg.SessionDir, s.id, s.logger)
		if err != nil {
			return nil, err
		}
		s.record = rec
		s.record.sync(s.transcript.Snapshot())
	}

	s.logger.Info("session started",
		"model", model.ID,
		"provider", model.Provider,
		"extensions", s.manager.Names(),
	)
	return s, nil
}

func resolveQueueMode(cfg Config) config.QueueMode {
	if cfg.QueueMode.Valid() {
		return cfg.QueueMode
	}
	if cfg.Settings != nil && cfg.Settings.QueueMode.Valid() {
		return cfg.Settings.QueueMode
	}
	return config.QueueModeOneAtATime
}

// ID returns the session's uuid, which also names its record file.
func (s *Session) ID() string { return s.id }

// Model returns the model descriptor the session is bound to.
func (s *Session) Model() *models.Model { return s.model }

// Messages returns a snapshot of the transcript.
func (s *Session) Messages() []models.Message { return s.transcript.Snapshot() }

// InFlight returns the assistant message currently streaming, or nil.
func (s *Session) InFlight() *models.AssistantMessage { return s.transcript.InFlight() }

// Tools returns the registered tool names in registration order.
func (s *Session) Tools() []string { return s.registry.Names() }

// Commands returns the slash commands extensions registered.
func (s *Session) Commands() []extensions.Command { return s.manager.Commands() }

// QueueMode returns the active queue mode.
func (s *Session) QueueMode() config.QueueMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueMode
}

// SetQueueMode changes how queued prompts drain. Invalid modes are ignored.
// Takes effect from the next dequeue, including for already-queued inputs.
func (s *Session) SetQueueMode(mode config.QueueMode) {
	if !mode.Valid() {
		return
	}
	s.mu.Lock()
	s.queueMode = mode
	s.mu.Unlock()
}

// Subscribe registers a listener for session events and returns its remove
// function. Events are delivered synchronously, in emission order, to the
// listeners in subscription order.
func (s *Session) Subscribe(fn Listener) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.subMu.Unlock()
	}
}

// Prompt submits user input: it either starts a run or joins the queue of an
// active one. Prompt returns once the input is accepted; the run itself
// proceeds on the session's scheduler goroutine, observable through
// Subscribe. ctx bounds the whole drain the input belongs to.
//
// Credential resolution happens before anything is queued, so a missing
// credential fails synchronously with an error wrapping auth.ErrNoCredentials.
func (s *Session) Prompt(ctx context.Context, input PromptInput) error {
	if strings.TrimSpace(input.Text) == "" && len(input.Attachments) == 0 {
		return errors.New("empty prompt")
	}
	if _, err := s.providerFor(ctx); err != nil {
		return err
	}
	if input.ExpandCommands {
		input.Text = s.expandCommand(input.Text)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == stateCompacting {
		s.mu.Unlock()
		return ErrBusy
	}
	s.queue = append(s.queue, input)
	if s.state == statePrompting {
		s.mu.Unlock()
		return nil
	}
	s.state = statePrompting
	s.active.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.active.Done()
		s.drive(ctx)
	}()
	return nil
}

// PromptText submits plain text with slash expansion enabled.
func (s *Session) PromptText(ctx context.Context, text string) error {
	return s.Prompt(ctx, PromptInput{Text: text, ExpandCommands: true})
}

// drive drains the queue until it is empty. On a run error the remaining
// queue is left in place; the next Prompt resumes draining it in order.
func (s *Session) drive(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.mu.Lock()
			s.state = stateIdle
			s.mu.Unlock()
			return
		}
		input, ok := s.dequeue()
		if !ok {
			return
		}
		if err := s.runPrompt(ctx, input); err != nil {
			s.logger.Error("prompt run failed", "error", err)
			s.mu.Lock()
			s.state = stateIdle
			s.mu.Unlock()
			return
		}
	}
}

// dequeue pops the next input under the queue mode: one-at-a-time takes the
// head, all joins everything queued so far into a single input. An empty
// queue releases the prompting state.
func (s *Session) dequeue() (PromptInput, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.closed {
		s.queue = nil
		s.state = stateIdle
		return PromptInput{}, false
	}
	var input PromptInput
	if s.queueMode == config.QueueModeAll && len(s.queue) > 1 {
		input = joinInputs(s.queue)
		s.queue = nil
	} else {
		input = s.queue[0]
		s.queue = s.queue[1:]
	}
	return input, true
}

// joinInputs folds queued inputs into one user message, texts separated by
// blank lines, attachments concatenated in submission order.
func joinInputs(inputs []PromptInput) PromptInput {
	texts := make([]string, 0, len(inputs))
	var attachments []*models.ImageBlock
	for _, in := range inputs {
		if in.Text != "" {
			texts = append(texts, in.Text)
		}
		attachments = append(attachments, in.Attachments...)
	}
	return PromptInput{Text: strings.Join(texts, "\n\n"), Attachments: attachments}
}

// runPrompt appends the user message and drives one agent run under a fresh
// cancelable context, which Abort targets. Failures before the loop starts
// surface as an error event, since Prompt already returned to the caller.
func (s *Session) runPrompt(ctx context.Context, input PromptInput) error {
	provider, err := s.providerFor(ctx)
	if err != nil {
		s.emit(&models.SessionEvent{Type: models.SessionError, Error: err.Error()})
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	if err := s.transcript.Append(userMessage(input)); err != nil {
		err = fmt.Errorf("append user message: %w", err)
		s.emit(&models.SessionEvent{Type: models.SessionError, Error: err.Error()})
		return err
	}
	s.record.sync(s.transcript.Snapshot())

	loop := agent.NewLoop(provider, s.registry, s.dispatcher, s.transcript, s.emit, agent.Config{
		SessionID:        s.id,
		SystemPrompt:     s.cfg.SystemPrompt,
		Temperature:      s.cfg.Temperature,
		Reasoning:        s.cfg.Reasoning,
		MaxParallelTools: s.cfg.MaxParallelTools,
		Logger:           s.logger,
		Tracer:           s.cfg.Tracer,
	})
	err = loop.Run(runCtx)
	s.record.sync(s.transcript.Snapshot())
	return err
}

func userMessage(input PromptInput) *models.UserMessage {
	blocks := make([]models.ContentBlock, 0, 1+len(input.Attachments))
	if input.Text != "" {
		blocks = append(blocks, &models.TextBlock{Text: input.Text})
	}
	for _, img := range input.Attachments {
		blocks = append(blocks, img)
	}
	return &models.UserMessage{Content: blocks, Timestamp: time.Now()}
}

// expandCommand rewrites /name args through the extension command table.
// Unknown commands pass through unchanged.
func (s *Session) expandCommand(text string) string {
	if !strings.HasPrefix(text, "/") {
		return text
	}
	name, args, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	cmd, ok := s.manager.Command(name)
	if !ok {
		return text
	}
	return cmd.Expand(strings.TrimSpace(args))
}

// Abort cancels the active run, if any. The in-flight assistant message
// finalises with stop reason aborted and running tools see their context
// cancelled; queued prompts are not discarded. Abort is idempotent and a
// no-op when nothing runs.
func (s *Session) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Compact folds the transcript head into a summary message. It is rejected
// with ErrBusy while a prompt or another compaction runs; it does not queue.
func (s *Session) Compact(ctx context.Context, customInstructions string) (*compaction.Outcome, error) {
	provider, err := s.providerFor(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.state != stateIdle {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.state = stateCompacting
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.active.Add(1)
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.state = stateIdle
		s.mu.Unlock()
		s.active.Done()
	}()

	compactCtx, span := s.cfg.Tracer.TraceCompaction(runCtx, s.id)
	defer span.End()

	compactor := compaction.New(provider, compaction.Config{
		KeepTail: s.cfg.KeepTail,
		Logger:   s.logger,
	})
	outcome, err := compactor.Compact(compactCtx, s.transcript, customInstructions)
	if err != nil {
		s.cfg.Tracer.RecordError(span, err)
		return nil, err
	}
	s.record.rewrite(s.transcript.Snapshot())
	s.emit(&models.SessionEvent{
		Type:        models.SessionCompaction,
		Summary:     outcome.Summary,
		TokensAfter: outcome.TokensAfter,
	})
	return outcome, nil
}

// ExecuteBash runs a command through the session's bash runner, outside the
// model loop and outside the transcript. Rejected with ErrBusy while a
// prompt or compaction is active.
func (s *Session) ExecuteBash(ctx context.Context, command string, timeout time.Duration, notify bash.NotifyFunc) (bash.Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return bash.Result{}, ErrClosed
	}
	if s.state != stateIdle {
		s.mu.Unlock()
		return bash.Result{}, ErrBusy
	}
	s.mu.Unlock()
	return s.runner.Run(ctx, command, timeout, notify)
}

// Close aborts any active run, waits for it to settle, fires the
// session_shutdown hook, and closes the record. Subsequent operations return
// ErrClosed; Close itself is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.active.Wait()

		ev := hooks.NewEvent(hooks.EventSessionShutdown)
		ev.SessionID = s.id
		ev.Messages = s.transcript.Snapshot()
		s.dispatcher.Dispatch(ctx, ev)

		s.closeErr = s.record.Close()
		s.logger.Info("session closed")
	})
	return s.closeErr
}

// providerFor returns the adapter for the session's model, constructing it
// from freshly resolved credentials. The adapter is cached per credential
// value, so an OAuth rotation transparently rebuilds it.
func (s *Session) providerFor(ctx context.Context) (providers.Provider, error) {
	if s.cfg.Provider != nil {
		return s.cfg.Provider, nil
	}
	secret, err := s.resolver.Resolve(ctx, s.model.Provider)
	if err != nil {
		return nil, err
	}
	s.provMu.Lock()
	defer s.provMu.Unlock()
	if s.provider != nil && s.providerKey == secret {
		return s.provider, nil
	}
	p, err := providers.New(s.model, secret)
	if err != nil {
		return nil, err
	}
	s.provider = p
	s.providerKey = secret
	return p, nil
}

// emit stamps and delivers one event. The emit lock serialises sequence
// assignment and delivery, so subscribers observe events in causal order
// even when tool goroutines emit concurrently.
func (s *Session) emit(ev *models.SessionEvent) {
	s.subMu.Lock()
	listeners := make([]Listener, 0, len(s.subs))
	for _, sub := range s.subs {
		listeners = append(listeners, sub.fn)
	}
	s.subMu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.seq++
	ev.Version = 1
	ev.Sequence = s.seq
	ev.Time = time.Now()
	for _, fn := range listeners {
		fn(ev)
	}
}

// hookError surfaces a failed hook handler as a hook_error event.
func (s *Session) hookError(he *hooks.HandlerError) {
	label := he.Name
	if label == "" {
		label = he.Source
	}
	if label == "" {
		label = he.ID
	}
	s.emit(&models.SessionEvent{
		Type:     models.SessionHookError,
		HookName: label,
		Error:    he.Err.Error(),
	})
}
