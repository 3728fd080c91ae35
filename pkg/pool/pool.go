package pool

import "weak"

// Pool is a cheap, copyable handle to a pool of reusable connections
// keyed by K. The zero value and any copy produced by New with
// MaxIdlePerHost == 0 are the disabled pool: every operation on it is a
// no-op or a fast PoolDisabled error, and none of them touch any shared
// state.
//
// Pool is itself just a pointer wrapper, so passing it by value is the
// intended way to share it across goroutines; there is no separate
// Clone method to call.
type Pool[T Poolable[T], K comparable] struct {
	inner *poolInner[T, K]
}

// New constructs a Pool. If cfg.MaxIdlePerHost is zero, the returned Pool
// is disabled.
func New[T Poolable[T], K comparable](cfg Config, executor Executor, timer Timer) *Pool[T, K] {
	if !cfg.Enabled() {
		return &Pool[T, K]{}
	}
	return &Pool[T, K]{
		inner: &poolInner[T, K]{
			connecting:     make(map[K]struct{}),
			idle:           make(map[K][]idleEntry[T]),
			waiters:        make(map[K][]*waiter[T]),
			maxIdlePerHost: cfg.MaxIdlePerHost,
			idleTimeout:    cfg.IdleTimeout,
			executor:       executor,
			timer:          timer,
		},
	}
}

// Enabled reports whether this Pool was constructed with a positive
// MaxIdlePerHost.
func (p *Pool[T, K]) Enabled() bool { return p.inner != nil }

// Checkout returns a Checkout future for key. It never touches the lock
// itself; all the work happens in the returned Checkout's Poll/Wait.
func (p *Pool[T, K]) Checkout(key K) *Checkout[T, K] {
	return &Checkout[T, K]{key: key, pool: p}
}

// Connecting ensures at most one connection attempt is in flight per key
// for multiplexable versions. For any other version it returns a token
// with no single-flight behavior: duplicate establishment is allowed,
// since non-multiplexable connections are cheap to duplicate and the
// first to finish simply wins a slot in the idle list.
//
// ok is false only when ver is VerMultiplexed, the pool is enabled, and
// another Connecting for key is already in flight — the caller must not
// start a duplicate connection attempt in that case.
func (p *Pool[T, K]) Connecting(key K, ver Ver) (c *Connecting[T, K], ok bool) {
	if ver == VerMultiplexed && p.inner != nil {
		in := p.inner
		in.mu.Lock()
		_, exists := in.connecting[key]
		if !exists {
			in.connecting[key] = struct{}{}
		}
		in.mu.Unlock()

		if exists {
			return nil, false
		}
		return &Connecting[T, K]{key: key, hasBackref: true, backref: weak.Make(in)}, true
	}

	return &Connecting[T, K]{key: key}, true
}

// Pooled consumes a Connecting token and a freshly established value,
// yielding a Pooled handle for it. For a shareable value, the retained
// half is inserted into the pool directly and the single-flight slot for
// the key is cleared under the same lock acquisition — no separate
// Connecting.Close call is needed or wanted, so the token is neutralized.
// For a unique value, the returned Pooled carries its own back-reference
// so releasing it later reinserts it.
func (p *Pool[T, K]) Pooled(c *Connecting[T, K], value T) *Pooled[T, K] {
	if p.inner == nil {
		v := value
		return &Pooled[T, K]{key: c.key, value: &v}
	}

	res := value.Reserve()
	if res.IsShared() {
		in := p.inner
		in.mu.Lock()
		in.put(c.key, res.Keep(), in)
		in.connected(c.key)
		in.mu.Unlock()

		c.neutralize()

		give := res.Give()
		return &Pooled[T, K]{key: c.key, value: &give}
	}

	// The established value turned out non-shareable even though c may
	// hold a multiplexed single-flight slot (e.g. negotiation fell back to
	// a protocol that can't multiplex) — clear that slot now. Go has no
	// Drop to do this implicitly when c goes out of scope, so it must be
	// closed explicitly before returning.
	c.Close()

	give := res.Give()
	return &Pooled[T, K]{
		key:        c.key,
		value:      &give,
		hasBackref: true,
		backref:    weak.Make(p.inner),
	}
}

// reuse wraps an already-reserved value taken from the idle list or a
// waiter handoff as a reused Pooled. Shareable values get no
// back-reference: they're already represented in the idle list, so the
// Pooled handle doesn't need to reinsert on Release.
func (p *Pool[T, K]) reuse(key K, value T) *Pooled[T, K] {
	pooled := &Pooled[T, K]{key: key, isReused: true, value: &value}
	if !value.CanShare() && p.inner != nil {
		pooled.hasBackref = true
		pooled.backref = weak.Make(p.inner)
	}
	return pooled
}

// Close tells this pool's background eviction loop, if one was ever
// spawned, to stop waiting on the timer and terminate. Go has no
// destructor to trigger this implicitly when the last handle goes out of
// scope, so Close makes it explicit; calling it is optional — an idle
// task whose pool has otherwise become
// unreachable will also terminate on its own the next time it wakes and
// fails to upgrade its weak back-reference — but calling it is the faster,
// deterministic path and costs nothing on a pool that never spawned a
// loop. Safe to call more than once, and safe on a disabled pool.
func (p *Pool[T, K]) Close() {
	if p.inner == nil {
		return
	}
	p.inner.mu.Lock()
	beacon := p.inner.beacon
	p.inner.mu.Unlock()
	if beacon == nil {
		return
	}
	p.inner.beaconClose.Do(func() { close(beacon) })
}

// disableIdleTask is a test seam: it pre-fills the beacon slot so that
// spawnIdleInterval's idempotency check short-circuits, letting tests
// exercise checkout-time expiration against a pool configured with a real
// IdleTimeout but without an actually-ticking background goroutine.
func (p *Pool[T, K]) disableIdleTask() {
	p.inner.mu.Lock()
	defer p.inner.mu.Unlock()
	if p.inner.beacon != nil {
		panic("pool: idle task already spawned")
	}
	p.inner.beacon = make(chan struct{})
}
