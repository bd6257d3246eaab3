// Package registry tracks the active crawl run for each source key.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
)

// Run is the handle the registry keeps for an active crawl.
type Run interface {
	Stop()
}

// Registry admits at most one active run per source key.
type Registry struct {
	mu   sync.Mutex
	runs map[string]Run
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{runs: make(map[string]Run)}
}

// Register records run as the active run for key. It fails with
// crawler.ErrAlreadyRunning when key already has one.
func (r *Registry) Register(key string, run Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[key]; ok {
		return fmt.Errorf("%s: %w", key, crawler.ErrAlreadyRunning)
	}
	r.runs[key] = run
	return nil
}

// Lookup returns the active run for key.
func (r *Registry) Lookup(key string) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[key]
	return run, ok
}

// Unregister removes run from key. A run that has been replaced is left alone.
func (r *Registry) Unregister(key string, run Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.runs[key]; ok && current == run {
		delete(r.runs, key)
	}
}

// Keys lists the source keys with an active run, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.runs))
	for key := range r.runs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
