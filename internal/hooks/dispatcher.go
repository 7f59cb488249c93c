package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds a single handler invocation.
const DefaultTimeout = 30 * time.Second

// Dispatcher routes events to registered handlers. Handlers for an event
// run sequentially in registration order. Each invocation gets its own
// timeout; a failing handler is reported and never stops dispatch.
type Dispatcher struct {
	handlers map[EventType][]*Registration
	byID     map[string]*Registration
	timeout  time.Duration
	onError  func(*HandlerError)
	logger   *slog.Logger
	mu       sync.RWMutex
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout overrides the per-handler timeout.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithErrorHandler installs a sink for handler failures.
func WithErrorHandler(fn func(*HandlerError)) Option {
	return func(disp *Dispatcher) {
		disp.onError = fn
	}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		handlers: make(map[EventType][]*Registration),
		byID:     make(map[string]*Registration),
		timeout:  DefaultTimeout,
		logger:   logger.With("component", "hooks"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithName sets a human-readable handler name for diagnostics.
func WithName(name string) RegisterOption {
	return func(r *Registration) {
		r.Name = name
	}
}

// WithSource records which extension registered the handler.
func WithSource(source string) RegisterOption {
	return func(r *Registration) {
		r.Source = source
	}
}

// Register adds a handler for an event type and returns its registration
// ID for later removal.
func (d *Dispatcher) Register(event EventType, handler Handler, opts ...RegisterOption) string {
	reg := &Registration{
		ID:      uuid.New().String(),
		Event:   event,
		Handler: handler,
	}
	for _, opt := range opts {
		opt(reg)
	}

	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], reg)
	d.byID[reg.ID] = reg
	d.mu.Unlock()

	d.logger.Debug("registered hook",
		"id", reg.ID,
		"event", event,
		"name", reg.Name,
		"source", reg.Source)
	return reg.ID
}

// Unregister removes a handler by its registration ID.
func (d *Dispatcher) Unregister(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg, ok := d.byID[id]
	if !ok {
		return false
	}
	delete(d.byID, id)

	regs := d.handlers[reg.Event]
	for i, r := range regs {
		if r.ID == id {
			d.handlers[reg.Event] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	return true
}

// HandlerCount reports how many handlers listen for an event type.
func (d *Dispatcher) HandlerCount(event EventType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[event])
}

// Dispatch delivers the event to every registered handler in order and
// returns the winning result: for tool_call the first blocking result,
// which also skips the remaining handlers; for branch the first non-nil
// Value, with the remaining handlers still observing the event. All other
// event types return nil.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) *Result {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	d.mu.RLock()
	regs := make([]*Registration, len(d.handlers[event.Type]))
	copy(regs, d.handlers[event.Type])
	d.mu.RUnlock()

	var winner *Result
	for _, reg := range regs {
		res, err := d.call(ctx, reg, event)
		if err != nil {
			d.report(reg, event, err)
			continue
		}
		if res == nil {
			continue
		}
		switch event.Type {
		case EventToolCall:
			if res.Block {
				return res
			}
		case EventBranch:
			if winner == nil && res.Value != nil {
				winner = res
			}
		}
	}
	return winner
}

// call runs one handler under the per-invocation timeout. A handler that
// ignores its context is abandoned once the timeout fires.
func (d *Dispatcher) call(ctx context.Context, reg *Registration, event *Event) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v\n%s", p, debug.Stack())}
			}
		}()
		res, err := reg.Handler(ctx, event)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) report(reg *Registration, event *Event, err error) {
	d.logger.Warn("hook handler failed",
		"event", event.Type,
		"handler", reg.Name,
		"source", reg.Source,
		"error", err)
	if d.onError != nil {
		d.onError(&HandlerError{
			Event:  event.Type,
			ID:     reg.ID,
			Name:   reg.Name,
			Source: reg.Source,
			Err:    err,
		})
	}
}
