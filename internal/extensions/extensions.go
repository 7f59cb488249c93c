// Package extensions loads session extensions and brokers their access to
// the session's tool registry, hook dispatcher, and slash-command table.
//
// An extension is trusted, in-process code. It registers event handlers,
// tools, and commands through the API handle passed to its Init function.
// Registration is only honoured during session start: once the session has
// dispatched the session_start event the manager is sealed and late
// registrations are dropped with a warning.
package extensions

import (
	"fmt"
	"log/slog"
	"plugin"
	"strings"
	"sync"

	"github.com/haasonsaas/pi/internal/agent"
	"github.com/haasonsaas/pi/internal/hooks"
)

// RegisterSymbol is the exported symbol a compiled extension must provide:
//
//	func Register(api *extensions.API) error
var RegisterSymbol = "Register"

// Extension is one loadable unit. Init runs once at session start with an
// API handle scoped to this extension.
type Extension struct {
	Name string
	Init func(api *API) error
}

// Command is a slash-command contributed by an extension. Template is the
// prompt text the command expands to; a $ARGS placeholder is substituted
// with the user's argument string, otherwise the arguments are appended.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Template    string `json:"template"`

	// Source is the extension that registered the command.
	Source string `json:"source,omitempty"`
}

// Expand renders the command body for one invocation.
func (c Command) Expand(args string) string {
	if strings.Contains(c.Template, "$ARGS") {
		return strings.ReplaceAll(c.Template, "$ARGS", args)
	}
	if args == "" {
		return c.Template
	}
	return c.Template + "\n\n" + args
}

// Manager owns the loaded extension set for one session. It is the only
// writer of the command table and guards the registration window.
type Manager struct {
	registry   *agent.Registry
	dispatcher *hooks.Dispatcher
	logger     *slog.Logger

	mu       sync.Mutex
	sealed   bool
	commands map[string]Command
	order    []string
	loaded   []string
}

// NewManager creates a manager that registers into the given registry and
// dispatcher.
func NewManager(registry *agent.Registry, dispatcher *hooks.Dispatcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger.With("component", "extensions"),
		commands:   make(map[string]Command),
	}
}

// Load initialises programmatic extensions first, then compiled plugins from
// paths, in order. A failing Init aborts the load: a session with a broken
// extension should not start half-configured.
func (m *Manager) Load(exts []Extension, paths []string) error {
	for _, ext := range exts {
		if err := m.initOne(ext); err != nil {
			return err
		}
	}
	for _, path := range paths {
		ext, err := openPlugin(path)
		if err != nil {
			return err
		}
		if err := m.initOne(ext); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) initOne(ext Extension) error {
	if ext.Init == nil {
		return fmt.Errorf("extension %q has no Init", ext.Name)
	}
	if err := ext.Init(&API{name: ext.Name, mgr: m}); err != nil {
		return fmt.Errorf("initialize extension %q: %w", ext.Name, err)
	}
	m.mu.Lock()
	m.loaded = append(m.loaded, ext.Name)
	m.mu.Unlock()
	m.logger.Debug("extension loaded", "extension", ext.Name)
	return nil
}

// Seal closes the registration window. Called by the session after the
// session_start event has been dispatched.
func (m *Manager) Seal() {
	m.mu.Lock()
	m.sealed = true
	m.mu.Unlock()
}

// Names returns the loaded extension names in load order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.loaded...)
}

// Commands returns the registered commands in registration order.
func (m *Manager) Commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.commands[name])
	}
	return out
}

// Command looks up a command by name, without the leading slash.
func (m *Manager) Command(name string) (Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[name]
	return c, ok
}

// registerTool installs a tool unless the window is sealed. Name collisions
// follow the registry's later-wins rule.
func (m *Manager) registerTool(source string, tool agent.Tool) {
	if m.rejectSealed(source, "tool", tool.Name()) {
		return
	}
	m.registry.Register(tool)
}

func (m *Manager) registerCommand(source string, cmd Command) {
	cmd.Name = strings.TrimPrefix(cmd.Name, "/")
	if cmd.Name == "" {
		m.logger.Warn("ignoring command with empty name", "extension", source)
		return
	}
	if m.rejectSealed(source, "command", cmd.Name) {
		return
	}
	cmd.Source = source
	m.mu.Lock()
	if _, exists := m.commands[cmd.Name]; exists {
		m.logger.Warn("command already registered, replacing",
			"command", cmd.Name, "extension", source)
	} else {
		m.order = append(m.order, cmd.Name)
	}
	m.commands[cmd.Name] = cmd
	m.mu.Unlock()
}

func (m *Manager) registerHandler(source string, event hooks.EventType, handler hooks.Handler) {
	if m.rejectSealed(source, "handler", string(event)) {
		return
	}
	m.dispatcher.Register(event, handler, hooks.WithSource(source))
}

func (m *Manager) rejectSealed(source, kind, name string) bool {
	m.mu.Lock()
	sealed := m.sealed
	m.mu.Unlock()
	if sealed {
		m.logger.Warn("registration after session start is ignored",
			"extension", source, "kind", kind, "name", name)
	}
	return sealed
}

// API is the handle an extension registers through. Its write methods are
// honoured only until the manager is sealed.
type API struct {
	name string
	mgr  *Manager
}

// Name returns the extension's name.
func (a *API) Name() string { return a.name }

// RegisterTool adds a tool to the session's registry.
func (a *API) RegisterTool(tool agent.Tool) {
	a.mgr.registerTool(a.name, tool)
}

// RegisterCommand adds a slash command.
func (a *API) RegisterCommand(cmd Command) {
	a.mgr.registerCommand(a.name, cmd)
}

// On registers a handler for a lifecycle event.
func (a *API) On(event hooks.EventType, handler hooks.Handler) {
	a.mgr.registerHandler(a.name, event, handler)
}

// Logger returns a logger tagged with the extension's name.
func (a *API) Logger() *slog.Logger {
	return a.mgr.logger.With("extension", a.name)
}

// openPlugin loads a compiled extension and resolves its Register symbol.
func openPlugin(path string) (Extension, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return Extension{}, fmt.Errorf("open extension %s: %w", path, err)
	}
	sym, err := p.Lookup(RegisterSymbol)
	if err != nil {
		return Extension{}, fmt.Errorf("extension %s: %w", path, err)
	}
	init, ok := sym.(func(*API) error)
	if !ok {
		return Extension{}, fmt.Errorf("extension %s: %s has type %T, want func(*extensions.API) error", path, RegisterSymbol, sym)
	}
	return Extension{Name: extensionName(path), Init: init}, nil
}
