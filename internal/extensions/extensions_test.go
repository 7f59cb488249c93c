package extensions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/pi/internal/agent"
	"github.com/haasonsaas/pi/internal/hooks"
)

type nopTool struct{ name string }

func (t *nopTool) Name() string            { return t.name }
func (t *nopTool) Description() string     { return "does nothing" }
func (t *nopTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *nopTool) Execute(context.Context, string, json.RawMessage, agent.UpdateFunc) (*agent.ToolOutput, error) {
	return agent.TextOutput("ok"), nil
}

func newTestManager(t *testing.T) (*Manager, *agent.Registry, *hooks.Dispatcher) {
	t.Helper()
	reg := agent.NewRegistry(nil)
	disp := hooks.NewDispatcher(nil)
	return NewManager(reg, disp, nil), reg, disp
}

func TestLoadRegistersToolsCommandsHandlers(t *testing.T) {
	m, reg, disp := newTestManager(t)

	ext := Extension{Name: "helper", Init: func(api *API) error {
		api.RegisterTool(&nopTool{name: "noop"})
		api.RegisterCommand(Command{Name: "greet", Template: "Say hello to $ARGS"})
		api.On(hooks.EventTurnStart, func(context.Context, *hooks.Event) (*hooks.Result, error) {
			return nil, nil
		})
		return nil
	}}

	if err := m.Load([]Extension{ext}, nil); err != nil {
		t.Fatal(err)
	}

	if _, ok := reg.Get("noop"); !ok {
		t.Error("tool not registered")
	}
	if got := disp.HandlerCount(hooks.EventTurnStart); got != 1 {
		t.Errorf("handler count = %d, want 1", got)
	}
	cmd, ok := m.Command("greet")
	if !ok {
		t.Fatal("command not registered")
	}
	if cmd.Source != "helper" {
		t.Errorf("command source = %q, want %q", cmd.Source, "helper")
	}
	if got := m.Names(); len(got) != 1 || got[0] != "helper" {
		t.Errorf("loaded names = %v", got)
	}
}

func TestLoadInitErrorAborts(t *testing.T) {
	m, _, _ := newTestManager(t)

	bad := Extension{Name: "bad", Init: func(*API) error {
		return context.Canceled
	}}
	after := Extension{Name: "after", Init: func(*API) error {
		t.Error("extension after a failing one must not load")
		return nil
	}}

	if err := m.Load([]Extension{bad, after}, nil); err == nil {
		t.Fatal("expected load error")
	}
	if got := m.Names(); len(got) != 0 {
		t.Errorf("loaded names = %v, want none", got)
	}
}

func TestSealRejectsLateRegistrations(t *testing.T) {
	m, reg, disp := newTestManager(t)

	var api *API
	ext := Extension{Name: "late", Init: func(a *API) error {
		api = a
		return nil
	}}
	if err := m.Load([]Extension{ext}, nil); err != nil {
		t.Fatal(err)
	}

	m.Seal()

	api.RegisterTool(&nopTool{name: "too-late"})
	api.RegisterCommand(Command{Name: "late", Template: "x"})
	api.On(hooks.EventToolCall, func(context.Context, *hooks.Event) (*hooks.Result, error) {
		return nil, nil
	})

	if _, ok := reg.Get("too-late"); ok {
		t.Error("tool registered after seal")
	}
	if _, ok := m.Command("late"); ok {
		t.Error("command registered after seal")
	}
	if got := disp.HandlerCount(hooks.EventToolCall); got != 0 {
		t.Errorf("handler count after seal = %d, want 0", got)
	}
}

func TestCommandCollisionLaterWins(t *testing.T) {
	m, _, _ := newTestManager(t)

	first := Extension{Name: "one", Init: func(api *API) error {
		api.RegisterCommand(Command{Name: "fmt", Template: "first"})
		return nil
	}}
	second := Extension{Name: "two", Init: func(api *API) error {
		api.RegisterCommand(Command{Name: "/fmt", Template: "second"})
		return nil
	}}
	if err := m.Load([]Extension{first, second}, nil); err != nil {
		t.Fatal(err)
	}

	cmd, ok := m.Command("fmt")
	if !ok {
		t.Fatal("command missing")
	}
	if cmd.Template != "second" || cmd.Source != "two" {
		t.Errorf("command = %+v, want later registration", cmd)
	}
	if got := m.Commands(); len(got) != 1 {
		t.Errorf("commands = %v, want one entry", got)
	}
}

func TestCommandExpand(t *testing.T) {
	tests := []struct {
		name     string
		template string
		args     string
		want     string
	}{
		{"placeholder", "review $ARGS carefully", "main.go", "review main.go carefully"},
		{"placeholder empty args", "review $ARGS carefully", "", "review  carefully"},
		{"append", "run the linter", "with fix", "run the linter\n\nwith fix"},
		{"append no args", "run the linter", "", "run the linter"},
		{"multiple placeholders", "$ARGS then $ARGS", "x", "x then x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Command{Name: "c", Template: tt.template}.Expand(tt.args)
			if got != tt.want {
				t.Errorf("Expand(%q) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}
