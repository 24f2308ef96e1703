// Package transport defines the uniform delivery contract the coordinator
// selects between, and the handler registry the bot-side half of every
// transport dispatches into.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/guildworks/guildrelay/internal/domain"
)

// Transport carries a normalized request to its executor. Execute honors
// the context deadline set by the coordinator for the attempt and returns a
// transport-specific error on timeout or channel failure; the coordinator
// converts those into the caller-facing taxonomy.
type Transport interface {
	Name() domain.Protocol
	Execute(ctx context.Context, req *domain.NormalizedRequest) (*domain.UnifiedResponse, error)
}

// HandlerFunc executes one operation type on the bot process and returns
// its result payload.
type HandlerFunc func(ctx context.Context, req *domain.NormalizedRequest) (any, error)

// ErrNoHandler is wrapped into dispatch errors for unregistered types.
var ErrNoHandler = fmt.Errorf("no handler registered")

// Registry maps operation types to their handlers. One registry is shared
// by the direct transport, the WebSocket bridge server, and the queue
// worker pool, so an operation behaves identically on every path.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register installs the handler for an operation type, replacing any
// previous registration.
func (r *Registry) Register(opType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[opType] = h
}

// Dispatch invokes the handler for the request's type.
func (r *Registry) Dispatch(ctx context.Context, req *domain.NormalizedRequest) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[req.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w for operation type %q", ErrNoHandler, req.Type)
	}
	return h(ctx, req)
}

// Types returns the registered operation types, for diagnostics.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
