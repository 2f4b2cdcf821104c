package scheduler

import "sync"

// Registry maps task ids to the futures of in-flight pipelines.
type Registry struct {
	mu      sync.RWMutex
	futures map[string]*Future
}

func NewRegistry() *Registry {
	return &Registry{futures: make(map[string]*Future)}
}

func (r *Registry) Register(f *Future) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.futures[f.ID] = f
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.futures, id)
}

func (r *Registry) Get(id string) (*Future, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.futures[id]
	return f, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.futures)
}
