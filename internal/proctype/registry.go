// Package proctype holds the in-memory catalog of process types: named,
// ordered lists of CLI task definitions.
package proctype

import (
	"sync"

	pkgerr "github.com/taskmill/taskmill-backend/internal/pkg/errors"
)

// Defaults applied to task definitions that leave the fields unset.
const (
	DefaultTimeoutMinutes = 60
	DefaultMaxRetries     = 3
)

// TaskDef is one task template within a process type. Command may contain
// ${key} placeholders.
type TaskDef struct {
	Name             string `yaml:"name"`
	Command          string `yaml:"command"`
	WorkingDirectory string `yaml:"working_directory"`
	TimeoutMinutes   int    `yaml:"timeout_minutes"`
	MaxRetries       int    `yaml:"max_retries"`
}

type ProcessType struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Tasks       []TaskDef `yaml:"tasks"`
}

// Registry maps type names to definitions. Registration after the
// orchestrator starts is allowed; runs capture their task list at enqueue
// time, so later edits never touch in-flight work.
type Registry struct {
	mu    sync.RWMutex
	types map[string]ProcessType
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]ProcessType)}
}

func (r *Registry) Register(pt ProcessType) error {
	if pt.Name == "" {
		return pkgerr.Validationf("process type requires a name")
	}
	if len(pt.Tasks) == 0 {
		return pkgerr.Validationf("process type %q has no tasks", pt.Name)
	}
	normalized := make([]TaskDef, len(pt.Tasks))
	for i, t := range pt.Tasks {
		if t.Name == "" {
			return pkgerr.Validationf("process type %q: task %d has no name", pt.Name, i)
		}
		if t.Command == "" {
			return pkgerr.Validationf("process type %q: task %q has no command", pt.Name, t.Name)
		}
		if t.TimeoutMinutes <= 0 {
			t.TimeoutMinutes = DefaultTimeoutMinutes
		}
		// Omitted max_retries picks up the default; -1 disables retries.
		if t.MaxRetries == 0 {
			t.MaxRetries = DefaultMaxRetries
		} else if t.MaxRetries < 0 {
			t.MaxRetries = 0
		}
		normalized[i] = t
	}
	pt.Tasks = normalized

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[pt.Name] = pt
	return nil
}

func (r *Registry) Get(name string) (ProcessType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pt, ok := r.types[name]
	if !ok {
		return ProcessType{}, pkgerr.NotFoundf("process type %s", name)
	}
	return pt, nil
}

func (r *Registry) Validate(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	return out
}
