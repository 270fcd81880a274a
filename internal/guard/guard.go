// Package guard implements WalnutDB's unique-value guard: an in-memory
// registry that serializes ownership of a unique index's value prefix among
// concurrent writers without ever holding a WAL lock.
//
// Built on sync.Map's CAS-style operations, since the registry's entire job
// is atomic try-reserve/release semantics per key — exactly what
// LoadOrStore/CompareAndDelete are for.
package guard

import "sync"

// key identifies one reservation slot.
type key struct {
	index  string
	prefix string // value prefix as a string so it can be a map key
}

// Registry is a concurrent (indexName, valuePrefix) -> owning primary key
// map. The zero value is ready to use.
type Registry struct {
	m sync.Map // key -> string (owning primary key)
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// TryReserve installs (index, prefix) -> pk if absent. Returns true if pk now
// owns (or already owned) the slot; false if a different primary key holds
// it.
func (r *Registry) TryReserve(index string, prefix []byte, pk string) bool {
	k := key{index: index, prefix: string(prefix)}
	actual, loaded := r.m.LoadOrStore(k, pk)
	if !loaded {
		return true
	}
	return actual.(string) == pk
}

// IsOwner reports whether pk currently owns (index, prefix).
func (r *Registry) IsOwner(index string, prefix []byte, pk string) bool {
	k := key{index: index, prefix: string(prefix)}
	v, ok := r.m.Load(k)
	return ok && v.(string) == pk
}

// Release removes the (index, prefix) mapping iff pk is its current owner.
// Releasing a slot owned by someone else, or a slot that doesn't exist, is a
// silent no-op.
func (r *Registry) Release(index string, prefix []byte, pk string) {
	k := key{index: index, prefix: string(prefix)}
	r.m.CompareAndDelete(k, pk)
}
