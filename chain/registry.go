package chain

import (
	"fmt"
	"sort"
	"sync"

	"decred.org/dcrwallet/v2/errors"
)

// Registry holds every known HeaderStore keyed by fork point. The root store
// is always registered and cannot be removed.
type Registry struct {
	mtx   sync.RWMutex
	root  *HeaderStore
	forks map[int32]*HeaderStore
}

// NewRegistry creates a registry containing only root.
func NewRegistry(root *HeaderStore) *Registry {
	return &Registry{
		root:  root,
		forks: map[int32]*HeaderStore{root.forkpoint: root},
	}
}

// Root returns the root store.
func (r *Registry) Root() *HeaderStore {
	return r.root
}

// Get returns the store registered at forkpoint.
func (r *Registry) Get(forkpoint int32) (*HeaderStore, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	s, ok := r.forks[forkpoint]
	return s, ok
}

// Forks returns all registered stores, root first, ordered by fork point.
func (r *Registry) Forks() []*HeaderStore {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.sortedLocked()
}

func (r *Registry) sortedLocked() []*HeaderStore {
	stores := make([]*HeaderStore, 0, len(r.forks))
	for _, s := range r.forks {
		stores = append(stores, s)
	}
	sort.Slice(stores, func(i, j int) bool {
		return stores[i].forkpoint < stores[j].forkpoint
	})
	return stores
}

// Register adds a store created outside the registry. Registering the same
// store twice is a no-op; a different store at the same fork point fails
// with errors.Exist.
func (r *Registry) Register(s *HeaderStore) error {
	const op errors.Op = "chain.Registry.Register"

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if existing, ok := r.forks[s.forkpoint]; ok {
		if existing == s {
			return nil
		}
		return errors.E(op, errors.Exist, fmt.Sprintf("a fork is already registered at height %d", s.forkpoint))
	}
	if s.parent == nil {
		return errors.E(op, errors.Invalid, "only one root store may be registered")
	}
	if r.forks[s.parent.forkpoint] != s.parent {
		return errors.E(op, errors.NotExist, fmt.Sprintf("parent fork at height %d is not registered", s.parent.forkpoint))
	}

	r.forks[s.forkpoint] = s
	log.Debugf("Registered fork at height %d (parent %d)", s.forkpoint, s.parent.forkpoint)
	return nil
}

// Fork atomically creates and registers a store forking from parent with h as
// its first header. If a store already exists at h.Height holding exactly h it
// is returned; if it holds a different header an errors.Exist error is
// returned.
func (r *Registry) Fork(parent *HeaderStore, h *Header) (*HeaderStore, error) {
	const op errors.Op = "chain.Registry.Fork"

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if existing, ok := r.forks[h.Height]; ok {
		if first, _ := existing.Get(h.Height); first != nil && first.hash == h.hash {
			return existing, nil
		}
		return nil, errors.E(op, errors.Exist, fmt.Sprintf("a different fork is already registered at height %d", h.Height))
	}
	if r.forks[parent.forkpoint] != parent {
		return nil, errors.E(op, errors.NotExist, fmt.Sprintf("parent fork at height %d is not registered", parent.forkpoint))
	}

	s, err := NewForkStore(parent, h)
	if err != nil {
		return nil, errors.E(op, err)
	}
	r.forks[s.forkpoint] = s
	log.Debugf("Created fork at height %d (parent %d): %v", s.forkpoint, parent.forkpoint, h.hash)
	return s, nil
}

// Remove unregisters the store at forkpoint together with every store forked
// from it. The removed stores are returned.
func (r *Registry) Remove(forkpoint int32) ([]*HeaderStore, error) {
	const op errors.Op = "chain.Registry.Remove"

	r.mtx.Lock()
	defer r.mtx.Unlock()

	target, ok := r.forks[forkpoint]
	if !ok {
		return nil, errors.E(op, errors.NotExist, fmt.Sprintf("no fork registered at height %d", forkpoint))
	}
	if target == r.root {
		return nil, errors.E(op, errors.Invalid, "the root store cannot be removed")
	}

	var removed []*HeaderStore
	for _, s := range r.sortedLocked() {
		for p := s; p != nil; p = p.parent {
			if p == target {
				removed = append(removed, s)
				delete(r.forks, s.forkpoint)
				break
			}
		}
	}
	log.Debugf("Removed %d fork(s) at and above height %d", len(removed), forkpoint)
	return removed, nil
}

// CheckHeader returns a store that records exactly h. prefer is consulted
// first so a session stays on its active store when it agrees.
func (r *Registry) CheckHeader(h *Header, prefer *HeaderStore) *HeaderStore {
	if Matches(prefer, h) {
		return prefer
	}
	for _, s := range r.Forks() {
		if Matches(s, h) {
			return s
		}
	}
	return nil
}

// CanConnect returns a store whose tip is directly below h and which h
// references.
func (r *Registry) CanConnect(h *Header) *HeaderStore {
	for _, s := range r.Forks() {
		if s.TipHeight()+1 == h.Height && Connects(s, h) {
			return s
		}
	}
	return nil
}

// Best returns the store with the greatest cumulative work. Ties go to the
// lower fork point.
func (r *Registry) Best() *HeaderStore {
	best, bestWork := r.root, r.root.ChainWork()
	for _, s := range r.Forks() {
		if work := s.ChainWork(); work.Cmp(bestWork) > 0 {
			best, bestWork = s, work
		}
	}
	return best
}

// MaxTipHeight returns the highest tip height across all stores.
func (r *Registry) MaxTipHeight() int32 {
	var max int32
	for _, s := range r.Forks() {
		if tip := s.TipHeight(); tip > max {
			max = tip
		}
	}
	return max
}
