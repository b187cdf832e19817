package workpool

import (
	"context"
	"sync"
)

// Registry is a set of keys with work in flight. It is owned by whoever
// builds it and handed to the components that share it.
type Registry struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]struct{})}
}

// Begin claims key. It returns false when key is already claimed.
func (r *Registry) Begin(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key]; ok {
		return false
	}
	r.keys[key] = struct{}{}
	return true
}

// Done releases key.
func (r *Registry) Done(key string) {
	r.mu.Lock()
	delete(r.keys, key)
	r.mu.Unlock()
}

func (r *Registry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.keys[key]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// Go claims key and submits t to p, releasing key when t finishes. It
// returns false without submitting when key is already claimed or the
// pool rejects the task.
func (r *Registry) Go(p *Pool, key, label string, t Task) (bool, error) {
	if !r.Begin(key) {
		return false, nil
	}
	err := p.TrySubmit(label, func(ctx context.Context) error {
		defer r.Done(key)
		return t(ctx)
	})
	if err != nil {
		r.Done(key)
		return false, err
	}
	return true, nil
}
