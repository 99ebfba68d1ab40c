// Package funcs provides the function registry: the lookup-and-invoke
// contract between the engine and user-supplied node functions.
//
// Functions are looked up by identifier and invoked with the node's selected
// input and an optional context object merged from the node configuration.
// The engine expects functions to be pure or idempotent; they are not
// sandboxed. Invocation is asynchronous so node runtimes can select between
// the function's response channel and a cancellation signal.
package funcs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type (
	// Func is a user-supplied node function. The input is the decoded node
	// input; fnCtx carries the per-invocation context object from the node
	// configuration. Blocking functions must honor ctx cancellation.
	Func func(ctx context.Context, input any, fnCtx map[string]any) (any, error)

	// Result delivers the outcome of an asynchronous invocation.
	Result struct {
		// Value is the function's return value on success.
		Value any
		// Err is the function's error on failure.
		Err error
	}

	// Registry maps function identifiers to implementations. Safe for
	// concurrent use.
	Registry struct {
		mu    sync.RWMutex
		funcs map[string]Func
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds a function under the given identifier. Duplicate identifiers
// are rejected.
func (r *Registry) Register(id string, fn Func) error {
	if id == "" {
		return fmt.Errorf("function id is required")
	}
	if fn == nil {
		return fmt.Errorf("function %q is nil", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.funcs[id]; dup {
		return fmt.Errorf("function %q already registered", id)
	}
	r.funcs[id] = fn
	return nil
}

// Lookup returns the function registered under id.
func (r *Registry) Lookup(id string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[id]
	return fn, ok
}

// IDs returns the registered identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.funcs))
	for id := range r.funcs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Invoke calls the function synchronously.
func (r *Registry) Invoke(ctx context.Context, id string, input any, fnCtx map[string]any) (any, error) {
	fn, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("function %q not registered", id)
	}
	return fn(ctx, input, fnCtx)
}

// Call invokes the function asynchronously and returns a channel delivering
// exactly one Result. The function runs with the provided context; canceling
// it asks the function to stop.
func (r *Registry) Call(ctx context.Context, id string, input any, fnCtx map[string]any) (<-chan Result, error) {
	fn, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("function %q not registered", id)
	}
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		value, err := fn(ctx, input, fnCtx)
		out <- Result{Value: value, Err: err}
	}()
	return out, nil
}
