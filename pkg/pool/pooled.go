package pool

import (
	"fmt"
	"log"
	"sync"
	"weak"
)

// Pooled is a value borrowed from a Pool. While held it behaves like a
// *T (see Get); once the caller is done with it, it must call Release —
// Go has no destructors, so Release is the explicit stand-in for the
// drop-time reinsertion the design calls for. Releasing more than once,
// or never, is safe: the second and later calls are no-ops, and a Pooled
// that is never released simply never goes back to the pool (same
// outcome as if the underlying connection were closed).
type Pooled[T Poolable[T], K comparable] struct {
	mu       sync.Mutex
	value    *T
	released bool

	key      K
	isReused bool

	hasBackref bool
	backref    weak.Pointer[poolInner[T, K]]
}

// Get returns a pointer to the wrapped value. It panics if called after
// Release: a caller holding a Pooled past Release is a programming
// error, not a recoverable runtime condition.
func (p *Pooled[T, K]) Get() *T {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.value == nil {
		panic("pool: use of Pooled after Release")
	}
	return p.value
}

// IsReused reports whether this value was handed out from the idle list
// (or a waiter handoff) rather than freshly established.
func (p *Pooled[T, K]) IsReused() bool { return p.isReused }

// IsPoolEnabled reports whether this Pooled will attempt reinsertion into
// a live pool on Release. It is false for values from a disabled pool and
// for shareable values, which the pool already retains a copy of at
// insertion time.
func (p *Pooled[T, K]) IsPoolEnabled() bool { return p.hasBackref }

// String renders only the key, matching the deliberately narrow Debug
// implementation of the value this type mirrors: never the wrapped
// value's internals.
func (p *Pooled[T, K]) String() string {
	return fmt.Sprintf("Pooled{key: %v}", p.key)
}

// Release returns the value to its pool, unless it has already closed, in
// which case it is simply discarded. Safe to call from a defer
// immediately after acquiring; safe to call more than once.
func (p *Pooled[T, K]) Release() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pool] recovered from panic while releasing pooled value for %v: %v", p.key, r)
		}
	}()

	p.mu.Lock()
	if p.released || p.value == nil {
		p.mu.Unlock()
		return
	}
	p.released = true
	value := *p.value
	p.value = nil
	p.mu.Unlock()

	if !value.IsOpen() {
		return
	}

	if !p.hasBackref {
		return
	}
	inner := p.backref.Value()
	if inner == nil {
		return
	}

	inner.mu.Lock()
	inner.put(p.key, value, inner)
	inner.mu.Unlock()
}
