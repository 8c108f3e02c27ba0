package domain

import (
	"sync"

	"github.com/orderflow/order-system/shared/models"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// slot pairs an instance with its lock so all transitions for one
// correlation key serialize while different keys proceed in parallel
type slot struct {
	mu   sync.Mutex
	inst *Instance
}

// Registry holds the live saga instances keyed by correlation key.
// Lookup and creation are atomic; per-key mutation happens through Update.
type Registry struct {
	slots *xsync.MapOf[string, *slot]
}

func NewRegistry() *Registry {
	return &Registry{
		slots: xsync.NewMapOf[string, *slot](),
	}
}

// GetOrCreate returns the instance for the key, creating it with create
// when absent. created reports whether this call performed the creation.
func (r *Registry) GetOrCreate(key models.ID, create func() (*Instance, error)) (in *Instance, created bool, err error) {
	s, loaded := r.slots.LoadOrCompute(key.String(), func() *slot {
		return &slot{}
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inst != nil {
		return s.inst, false, nil
	}

	in, err = create()
	if err != nil {
		if !loaded {
			r.slots.Delete(key.String())
		}
		return nil, false, err
	}
	s.inst = in
	return in, true, nil
}

// Update runs fn with the instance held under its per-key lock. A missing
// key is ErrOrphanEvent.
func (r *Registry) Update(key models.ID, fn func(in *Instance) error) error {
	s, ok := r.slots.Load(key.String())
	if !ok {
		return errors.Wrapf(ErrOrphanEvent, "no saga registered for %s", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inst == nil {
		return errors.Wrapf(ErrOrphanEvent, "saga for %s was removed", key)
	}
	return fn(s.inst)
}

// Get returns the instance for the key without holding its lock afterward;
// callers must treat the result as read-only.
func (r *Registry) Get(key models.ID) (*Instance, error) {
	s, ok := r.slots.Load(key.String())
	if !ok || s.inst == nil {
		return nil, errors.Wrapf(ErrOrphanEvent, "no saga registered for %s", key)
	}
	return s.inst, nil
}

// Remove evicts a terminal instance. Removing a live instance is an
// invariant violation.
func (r *Registry) Remove(key models.ID) error {
	s, ok := r.slots.Load(key.String())
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inst != nil && !s.inst.Terminal() {
		return errors.Wrapf(ErrInvariantViolation,
			"cannot remove saga %s at step %s", key, s.inst.Step)
	}
	s.inst = nil
	r.slots.Delete(key.String())
	return nil
}

// Len reports the number of registered instances
func (r *Registry) Len() int {
	return r.slots.Size()
}

// Range calls fn for each registered instance until fn returns false
func (r *Registry) Range(fn func(in *Instance) bool) {
	r.slots.Range(func(_ string, s *slot) bool {
		s.mu.Lock()
		in := s.inst
		s.mu.Unlock()
		if in == nil {
			return true
		}
		return fn(in)
	})
}
