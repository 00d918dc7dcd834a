package queue

import (
	"context"
	"fmt"
	"sync"
)

// Handler runs one claimed work item. The payload is the opaque blob stored
// in task_data. Handlers must be idempotent: a reclaimed lease means the same
// payload can run twice.
type Handler func(ctx context.Context, payload []byte) error

type registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string]Handler)}
}

func (r *registry) register(taskName string, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	if taskName == "" {
		return fmt.Errorf("empty task name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskName]; exists {
		return fmt.Errorf("handler already registered for task_name=%s", taskName)
	}
	r.handlers[taskName] = h
	return nil
}

func (r *registry) get(taskName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskName]
	return h, ok
}
