// Package tools runs the paid work behind priced operations. Every executor is opaque to the
// router: it takes the validated params of one call and returns a result or fails.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownTool = errors.New("tools: no executor registered")
	ErrBadParams   = errors.New("tools: bad params")
)

// Dispatcher executes a tool by name.
type Dispatcher interface {
	Dispatch(ctx context.Context, tool string, params map[string]any) (any, error)
}

// Executor performs one tool call.
type Executor interface {
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, params map[string]any) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, params map[string]any) (any, error) {
	return f(ctx, params)
}

// Registry is an allowlist of executors. Unregistered tools fail closed.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds name to e, replacing any previous executor.
func (r *Registry) Register(name string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = e
}

// Names lists registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for n := range r.executors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Dispatch(ctx context.Context, tool string, params map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.executors[tool]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
	return e.Execute(ctx, params)
}
