package dispatch

import "sync"

// Registry is the process-wide set of active dispatchers. The restart gate
// sums pending replies across it.
type Registry struct {
	mu     sync.Mutex
	active map[*Dispatcher]struct{}
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[*Dispatcher]struct{})}
}

func (r *Registry) register(d *Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[d] = struct{}{}
}

func (r *Registry) unregister(d *Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, d)
}

// TotalPendingReplies sums Pending over all active dispatchers.
func (r *Registry) TotalPendingReplies() int {
	r.mu.Lock()
	dispatchers := make([]*Dispatcher, 0, len(r.active))
	for d := range r.active {
		dispatchers = append(dispatchers, d)
	}
	r.mu.Unlock()

	total := 0
	for _, d := range dispatchers {
		total += d.Pending()
	}
	return total
}

// ActiveCount reports how many dispatchers are registered.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Clear empties the registry. Test helper.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = make(map[*Dispatcher]struct{})
}
