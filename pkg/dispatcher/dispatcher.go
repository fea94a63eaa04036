package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"time"
)

const logPrefix = "dispatcher:dispatch"

// Handler executes the commands of one namespace. Implementations must be
// safe for concurrent use.
type Handler interface {
	Execute(ctx context.Context, command string, params Params) (interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, command string, params Params) (interface{}, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, command string, params Params) (interface{}, error) {
	return f(ctx, command, params)
}

// Describer is implemented by handlers that can list the commands they accept.
type Describer interface {
	Commands() []string
}

// Route binds a namespace prefix (e.g. "file.") to a handler.
type Route struct {
	Prefix  string
	Handler Handler
}

// InvocationRecord summarizes one dispatched invocation for observers.
type InvocationRecord struct {
	RequestID string
	Command   string
	Transport string
	Ok        bool
	Code      string
	Duration  time.Duration
	At        time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver registers a callback invoked once per Dispatch call.
func WithObserver(fn func(ctx context.Context, rec InvocationRecord)) Option {
	return func(d *Dispatcher) {
		d.observers = append(d.observers, fn)
	}
}

type transportKey struct{}

// WithTransport tags ctx with the name of the transport that received the request.
func WithTransport(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, transportKey{}, name)
}

// TransportFrom returns the transport name stored by WithTransport.
func TransportFrom(ctx context.Context) string {
	name, _ := ctx.Value(transportKey{}).(string)
	return name
}

// Dispatcher routes invocations to handlers by first-match prefix.
// The route table is fixed at construction.
type Dispatcher struct {
	routes    []Route
	observers []func(ctx context.Context, rec InvocationRecord)
}

// NewDispatcher creates a Dispatcher. Routes are matched in the given order,
// so a route whose prefix starts with an earlier route's prefix could never
// be reached and is rejected.
func NewDispatcher(routes []Route, opts ...Option) (*Dispatcher, error) {
	table := make([]Route, 0, len(routes))
	for i, r := range routes {
		if r.Prefix == "" {
			return nil, fmt.Errorf("%s - route %d has an empty prefix", logPrefix, i)
		}
		if r.Handler == nil {
			return nil, fmt.Errorf("%s - route %q has no handler", logPrefix, r.Prefix)
		}
		for _, earlier := range table {
			if strings.HasPrefix(r.Prefix, earlier.Prefix) {
				return nil, fmt.Errorf("%s - route %q is shadowed by earlier route %q", logPrefix, r.Prefix, earlier.Prefix)
			}
		}
		table = append(table, r)
	}
	d := &Dispatcher{routes: table}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch decodes the request params, routes the command and returns the
// response envelope. It always returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *InvokeRequest) *InvokeResponse {
	slog.Debug(fmt.Sprintf("%s - command=%s id=%s", logPrefix, req.Command, req.ID))
	start := time.Now()

	var resp *InvokeResponse
	if strings.TrimSpace(req.Command) == "" {
		resp = Failure(req.ID, InvalidParams("missing required field: command"))
	} else if params, err := DecodeParams(req.Params); err != nil {
		resp = Failure(req.ID, InvalidParams("%v", err))
	} else {
		resp = d.respond(ctx, req.ID, req.Command, params)
	}

	d.observe(ctx, req, resp, start)
	return resp
}

// DispatchParams routes an already decoded request.
func (d *Dispatcher) DispatchParams(ctx context.Context, id, command string, params Params) *InvokeResponse {
	start := time.Now()
	resp := d.respond(ctx, id, command, params)
	d.observe(ctx, &InvokeRequest{ID: id, Command: command}, resp, start)
	return resp
}

func (d *Dispatcher) respond(ctx context.Context, id, command string, params Params) *InvokeResponse {
	payload, cerr := d.Route(ctx, command, params)
	if cerr != nil {
		return Failure(id, cerr)
	}
	return Success(id, payload)
}

// Route resolves the handler for command and executes it. Handler errors that
// are not CommandErrors, and handler panics, become INTERNAL_ERROR.
func (d *Dispatcher) Route(ctx context.Context, command string, params Params) (payload interface{}, cerr *CommandError) {
	if params == nil {
		params = Params{}
	}
	handler, ok := d.resolve(command)
	if !ok {
		return nil, UnknownCommand(command)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler panic for %s: %v\n%s", logPrefix, command, r, debug.Stack()))
			payload = nil
			cerr = Errorf(CodeInternalError, "handler panic: %v", r)
		}
	}()

	result, err := handler.Execute(ctx, command, params)
	if err != nil {
		cerr = AsCommandError(err)
		if cerr.Code == CodeInternalError {
			slog.Warn(fmt.Sprintf("%s - %s failed: %v", logPrefix, command, err))
		}
		if errors.Is(err, context.DeadlineExceeded) && cerr.Code == CodeInternalError {
			cerr = Errorf(CodeTimeout, "%s timed out", command)
		}
		return nil, cerr
	}
	return result, nil
}

func (d *Dispatcher) resolve(command string) (Handler, bool) {
	for _, r := range d.routes {
		if strings.HasPrefix(command, r.Prefix) {
			return r.Handler, true
		}
	}
	return nil, false
}

func (d *Dispatcher) observe(ctx context.Context, req *InvokeRequest, resp *InvokeResponse, start time.Time) {
	if len(d.observers) == 0 {
		return
	}
	rec := InvocationRecord{
		RequestID: req.ID,
		Command:   req.Command,
		Transport: TransportFrom(ctx),
		Ok:        resp.Ok,
		Duration:  time.Since(start),
		At:        start,
	}
	if resp.Error != nil {
		rec.Code = resp.Error.Code
	}
	for _, fn := range d.observers {
		fn(ctx, rec)
	}
}

// Prefixes returns the registered namespace prefixes in match order.
func (d *Dispatcher) Prefixes() []string {
	out := make([]string, 0, len(d.routes))
	for _, r := range d.routes {
		out = append(out, r.Prefix)
	}
	return out
}

// Commands returns every command declared by handlers implementing Describer, sorted.
func (d *Dispatcher) Commands() []string {
	var out []string
	for _, r := range d.routes {
		if desc, ok := r.Handler.(Describer); ok {
			out = append(out, desc.Commands()...)
		}
	}
	sort.Strings(out)
	return out
}

// Capabilities returns the namespace names (prefixes without the trailing dot).
func (d *Dispatcher) Capabilities() []string {
	out := make([]string, 0, len(d.routes))
	for _, r := range d.routes {
		out = append(out, strings.TrimSuffix(r.Prefix, "."))
	}
	return out
}
