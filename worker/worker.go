// Package worker defines the step handlers a host registers with the client
// and the table the polling and dispatch machinery read them from.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/unmeshed/go-sdk/internal/permit"
)

// Scheduling domain constants. IO handlers run on the ambient goroutine
// scheduler; CPU handlers are served from a bounded pool so they cannot
// starve IO handlers.
const (
	DomainIO  = "io"
	DomainCPU = "cpu"
)

// DefaultNamespace is used when a worker is registered without one.
const DefaultNamespace = "default"

// ExecuteFn is the host-supplied handler. It receives the step input and a
// context carrying the current work item (readable via stepctx.From) and an
// optional deadline. The returned value is normalized into a step result by
// the dispatcher: *model.StepResult is adopted as-is, a map becomes the
// output, anything else is wrapped as {"result": value}.
type ExecuteFn func(ctx context.Context, input map[string]any) (any, error)

// Worker describes one registered step handler.
type Worker struct {
	Namespace     string
	Name          string
	MaxInProgress int
	Domain        string
	Execute       ExecuteFn
}

// Entry is a registered worker together with its permit pool.
type Entry struct {
	Worker Worker
	Pool   *permit.Pool
}

// Table is the registry of workers keyed by (namespace, name). It is
// populated before the client starts and read-only afterward.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewTable creates an empty worker table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

func key(namespace, name string) string {
	return namespace + "/" + name
}

// Register adds a worker to the table. The namespace defaults to "default",
// max-in-progress to 1, and the domain to io. Registering a duplicate
// (namespace, name) or a worker without a name or execute func is an error.
func (t *Table) Register(w Worker) error {
	if w.Name == "" {
		return fmt.Errorf("worker name is required")
	}
	if w.Execute == nil {
		return fmt.Errorf("worker %q has no execute function", w.Name)
	}
	if w.Namespace == "" {
		w.Namespace = DefaultNamespace
	}
	if w.MaxInProgress < 1 {
		w.MaxInProgress = 1
	}
	switch w.Domain {
	case DomainIO, DomainCPU:
	case "":
		w.Domain = DomainIO
	default:
		return fmt.Errorf("worker %s/%s has unknown domain %q", w.Namespace, w.Name, w.Domain)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(w.Namespace, w.Name)
	if _, exists := t.entries[k]; exists {
		return fmt.Errorf("worker %s/%s already registered", w.Namespace, w.Name)
	}
	t.entries[k] = &Entry{
		Worker: w,
		Pool:   permit.NewPool(w.MaxInProgress),
	}
	t.order = append(t.order, k)
	sort.Strings(t.order)
	return nil
}

// Lookup returns the entry for (namespace, name).
func (t *Table) Lookup(namespace, name string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key(namespace, name)]
	return e, ok
}

// Entries returns all registered entries in stable (namespace, name) order.
func (t *Table) Entries() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Entry, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.entries[k])
	}
	return out
}

// Len returns the number of registered workers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
