// Package functions maps function-call names surfaced by the model to JSON
// schemas and handlers. The registry is assembled at startup and read-only
// afterwards; dispatch happens on the session's event loop via goroutines so
// a slow handler never blocks audio.
package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Handler executes one function call. The returned value is serialized for
// the model: strings pass through verbatim, anything else is JSON-encoded.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Definition describes one callable function: its wire-visible schema plus
// the handler that implements it.
type Definition struct {
	// Name is the function name the model calls.
	Name string

	// Description is surfaced to the model in the tool list.
	Description string

	// Parameters is the JSON-schema object describing the arguments.
	Parameters map[string]any

	// Handler runs the call. Must be safe for concurrent use.
	Handler Handler
}

// Registry holds the function set. Read-only after construction.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry builds a registry from defs. Later definitions with the same
// name replace earlier ones, so callers can layer config-provided tools
// over the built-ins.
func NewRegistry(defs ...Definition) *Registry {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		m[d.Name] = d
	}
	return &Registry{defs: m}
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Tools returns the registry contents in the model's tool-list wire shape,
// for inclusion in the default session configuration.
func (r *Registry) Tools() []map[string]any {
	out := make([]map[string]any, 0, len(r.defs))
	for _, d := range r.defs {
		tool := map[string]any{
			"type": "function",
			"name": d.Name,
		}
		if d.Description != "" {
			tool["description"] = d.Description
		}
		if d.Parameters != nil {
			tool["parameters"] = d.Parameters
		}
		out = append(out, tool)
	}
	return out
}

// Call looks up and runs the named function, returning the serialized
// output the model receives as function_call_output content and whether the
// call succeeded. Failures of any kind — missing handler, malformed
// arguments, handler error or panic — are transformed into a JSON error
// object; Call never returns a Go error and never panics.
func (r *Registry) Call(ctx context.Context, name, rawArgs string) (string, bool) {
	def, ok := r.Lookup(name)
	if !ok || def.Handler == nil {
		return errorObject(fmt.Sprintf("No handler found for function: %s", name)), false
	}

	args := json.RawMessage(rawArgs)
	if !json.Valid(args) {
		return errorObject("Invalid JSON arguments for function call."), false
	}

	result, err := r.invoke(ctx, def, args)
	if err != nil {
		return errorObject(fmt.Sprintf("Error running function %s: %s", name, err)), false
	}

	return serialize(name, result), true
}

// invoke runs the handler with panic recovery so a misbehaving function
// cannot take down the session.
func (r *Registry) invoke(ctx context.Context, def Definition, args json.RawMessage) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("function handler panicked", "function", def.Name, "panic", rec)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return def.Handler(ctx, args)
}

// serialize converts a handler result to the output string sent to the
// model: strings pass through, everything else is JSON-encoded.
func serialize(name string, result any) string {
	if s, ok := result.(string); ok {
		return s
	}
	data, err := json.Marshal(result)
	if err != nil {
		return errorObject(fmt.Sprintf("Error running function %s: unserializable result", name))
	}
	return string(data)
}

func errorObject(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}
