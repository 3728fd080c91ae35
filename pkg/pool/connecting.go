package pool

import (
	"weak"

	"go.uber.org/atomic"
)

// Connecting is held while establishing a connection. For multiplexable
// versions it is a single-flight token: only one Connecting for a given
// key exists at a time, and Closing it without a successful call to
// Pool.Pooled clears the key out of the in-flight set and tells any
// parked checkouts that nothing is coming from this attempt. For
// non-multiplexable versions it carries no back-reference and Close is a
// no-op — duplicate connection establishment for the same key is allowed.
type Connecting[T Poolable[T], K comparable] struct {
	key K

	hasBackref bool
	backref    weak.Pointer[poolInner[T, K]]

	closed atomic.Bool
}

// Key returns the key this connect attempt is for.
func (c *Connecting[T, K]) Key() K { return c.key }

// Close is the explicit stand-in for drop: call it when a connect attempt
// is abandoned without ever calling Pool.Pooled on it. Safe to call more
// than once.
func (c *Connecting[T, K]) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if !c.hasBackref {
		return
	}
	inner := c.backref.Value()
	if inner == nil {
		return
	}
	inner.mu.Lock()
	inner.connected(c.key)
	inner.mu.Unlock()
}

// neutralize prevents a later Close from repeating the in-flight cleanup.
// Used by Pool.Pooled when it has already performed that cleanup itself
// under the same lock acquisition, to avoid taking the lock twice.
func (c *Connecting[T, K]) neutralize() {
	c.hasBackref = false
}

// UpgradeShared upgrades a non-multiplexable Connecting to a
// multiplexable, single-flight one after learning — typically via ALPN —
// that the negotiated protocol can be shared. It consults the pool to
// perform the single-flight insertion; if another attempt is already in
// flight for this key, it returns ok=false and the caller must discard its
// own connection attempt rather than finish establishing a duplicate.
func (c *Connecting[T, K]) UpgradeShared(p *Pool[T, K]) (upgraded *Connecting[T, K], ok bool) {
	c.closed.Store(true) // this token is spent either way
	return p.Connecting(c.key, VerMultiplexed)
}
