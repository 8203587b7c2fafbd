package async

import (
	"context"
	"sort"
	"sync"

	"github.com/teranos/taxscore/errors"
)

// JobHandler executes one job type. Handlers decode job.Payload, report
// progress on the job and must return promptly once ctx is cancelled.
type JobHandler interface {
	Execute(ctx context.Context, job *Job) error

	// Name routes jobs to this handler, e.g. "background.build"
	Name() string
}

// HandlerRegistry maps handler names to handlers. Safe for concurrent use.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]JobHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]JobHandler)}
}

// Register adds handler under its name. A second handler for the same name
// is a conflict.
func (r *HandlerRegistry) Register(handler JobHandler) error {
	name := handler.Name()
	if name == "" {
		return errors.NewInvalidRequestError("job handler has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return errors.NewConflictError("handler already registered for %s", name)
	}
	r.handlers[name] = handler
	return nil
}

// Get returns the handler for name, or nil
func (r *HandlerRegistry) Get(name string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

func (r *HandlerRegistry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns the registered handler names, sorted
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JobExecutor runs a job to completion
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// RegistryExecutor routes each job to the handler named by job.HandlerName.
type RegistryExecutor struct {
	registry *HandlerRegistry
}

func NewRegistryExecutor(registry *HandlerRegistry) *RegistryExecutor {
	return &RegistryExecutor{registry: registry}
}

// Execute dispatches job. A job no handler can serve fails as an invalid
// request, so the worker does not retry it.
func (e *RegistryExecutor) Execute(ctx context.Context, job *Job) error {
	if job.HandlerName == "" {
		return errors.NewInvalidRequestError("job %s has no handler name", job.ID)
	}

	handler := e.registry.Get(job.HandlerName)
	if handler == nil {
		return errors.NewInvalidRequestError("no handler registered for %s", job.HandlerName)
	}
	return handler.Execute(ctx, job)
}
