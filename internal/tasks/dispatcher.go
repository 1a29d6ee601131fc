package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default task parameters applied by the dispatcher when options leave
// them unset.
const (
	DefaultQueue      = "default"
	DefaultMaxRetries = 3
	DefaultTimeout    = time.Minute
)

// Registry maps task names to handlers. Registration happens at startup;
// lookups at steady state are read-only.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task name, replacing any previous
// binding.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns the handler for a task name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// EnqueueOptions tune one enqueued task. Zero values take the dispatcher
// defaults.
type EnqueueOptions struct {
	// Queue names the worker queue; empty means DefaultQueue.
	Queue string
	// Priority orders claims within the queue; zero means PriorityNormal.
	Priority Priority
	// Delay postpones execution relative to now. Ignored when
	// ScheduledFor is set.
	Delay time.Duration
	// ScheduledFor pins an absolute execution time.
	ScheduledFor time.Time
	// MaxRetries caps retry attempts; negative disables retries, zero
	// means DefaultMaxRetries.
	MaxRetries int
	// Timeout bounds one execution attempt; zero means DefaultTimeout.
	Timeout time.Duration
	// Metadata is carried opaquely on the record.
	Metadata map[string]string
}

// Dispatcher validates and persists new tasks.
type Dispatcher struct {
	store Store
	reg   *Registry
}

// NewDispatcher returns a dispatcher writing to the store. Enqueue
// refuses names absent from the registry.
func NewDispatcher(store Store, reg *Registry) *Dispatcher {
	return &Dispatcher{store: store, reg: reg}
}

// Enqueue persists a new task and returns its ID. Unknown task names are
// an error: a name with no registered handler would sit in the queue
// forever.
func (d *Dispatcher) Enqueue(ctx context.Context, name string, args []byte, opts EnqueueOptions) (string, error) {
	if _, ok := d.reg.Lookup(name); !ok {
		return "", fmt.Errorf("tasks: no handler registered for %q", name)
	}

	now := time.Now()
	scheduledFor := opts.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = now.Add(opts.Delay)
	}
	status := StatusPending
	if scheduledFor.After(now) {
		status = StatusScheduled
	}

	queue := opts.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	priority := opts.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	} else if maxRetries < 0 {
		maxRetries = 0
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	t := &Task{
		ID:           uuid.NewString(),
		Name:         name,
		Queue:        queue,
		Args:         args,
		Status:       status,
		Priority:     priority,
		CreatedAt:    now,
		ScheduledFor: scheduledFor,
		MaxRetries:   maxRetries,
		Timeout:      timeout,
		Metadata:     opts.Metadata,
	}
	if err := d.store.Save(ctx, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// Cancel withdraws a task that has not started. PENDING, SCHEDULED and
// RETRYING records move to CANCELLED; anything already processing or
// terminal is refused.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	t, err := d.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch t.Status {
	case StatusPending, StatusScheduled, StatusRetrying:
	default:
		return fmt.Errorf("tasks: cannot cancel task %s in status %s", id, t.Status)
	}
	now := time.Now()
	t.Status = StatusCancelled
	t.CompletedAt = &now
	return d.store.Update(ctx, t)
}
