package shadow

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	log "github.com/go-pkgz/lgr"
)

// Registry shares one Store per trace path between all connections of the process.
// Stores are reference counted and closed on the last Release.
type Registry struct {
	params Params
	mu     sync.Mutex
	stores map[string]*refStore
}

type refStore struct {
	store *Store
	refs  int
}

// NewRegistry makes empty registry opening stores with given params
func NewRegistry(params Params) *Registry {
	return &Registry{params: params, stores: map[string]*refStore{}}
}

// Acquire returns store for trace path, opening it on first use
func (r *Registry) Acquire(path string) (*Store, error) {
	key, err := registryKey(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rs, ok := r.stores[key]; ok {
		rs.refs++
		return rs.store, nil
	}

	store, err := Open(key, r.params)
	if err != nil {
		return nil, err
	}
	r.stores[key] = &refStore{store: store, refs: 1}
	return store, nil
}

// Release drops one reference to the store for trace path, closing it when unused
func (r *Registry) Release(path string) error {
	key, err := registryKey(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.stores[key]
	if !ok {
		return fmt.Errorf("trace database %s not acquired", key)
	}
	rs.refs--
	if rs.refs > 0 {
		return nil
	}
	delete(r.stores, key)
	log.Printf("[DEBUG] close trace database %s", key)
	return rs.store.Close()
}

// Refs returns number of active references for trace path
func (r *Registry) Refs(path string) int {
	key, err := registryKey(path)
	if err != nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs, ok := r.stores[key]; ok {
		return rs.refs
	}
	return 0
}

// Close closes all stores regardless of references
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for key, rs := range r.stores {
		if err := rs.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", key, err))
		}
		delete(r.stores, key)
	}
	return errors.Join(errs...)
}

func registryKey(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("can't resolve trace path %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}
