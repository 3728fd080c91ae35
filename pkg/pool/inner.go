package pool

import (
	"sync"
	"time"
	"weak"
)

// minCheckInterval is a lower bound on how often the background eviction
// loop wakes up, regardless of how small IdleTimeout is. Waking up faster
// than this buys nothing: checkout-time expiration already catches
// anything the loop would have found sooner.
const minCheckInterval = 90 * time.Millisecond

// poolInner is the single locked structure backing an enabled Pool. All
// mutation happens under mu; critical sections are short list/map
// manipulation with no I/O and no calls out to caller code other than the
// three Poolable observations, which must themselves be non-blocking.
type poolInner[T Poolable[T], K comparable] struct {
	mu sync.Mutex

	// connecting holds the keys with a single-flight connect in progress.
	connecting map[K]struct{}

	// idle holds reusable values, newest at the tail of each list.
	idle map[K][]idleEntry[T]

	// waiters holds parked checkouts in FIFO arrival order per key.
	waiters map[K][]*waiter[T]

	maxIdlePerHost int
	idleTimeout    *time.Duration

	executor Executor
	timer    Timer

	// beacon is the drop-beacon channel for the eviction loop: nil until
	// the loop is first spawned, never sent on, closed by Pool.Close to
	// tell the loop to stop waiting on the timer.
	beacon      chan struct{}
	beaconClose sync.Once
}

// put is called whenever a value becomes available to the pool: a Pooled
// being released while still open, or a freshly established connection
// being deposited via Pool.Pooled.
//
// Must be called with the lock held.
func (in *poolInner[T, K]) put(key K, value T, self *poolInner[T, K]) {
	if value.CanShare() {
		if _, exists := in.idle[key]; exists {
			// There can be only one shared entry per key; the existing
			// one is assumed equally usable.
			return
		}
	}

	current := value
	haveValue := true

	if ws, ok := in.waiters[key]; ok {
		for len(ws) > 0 && haveValue {
			w := ws[0]
			ws = ws[1:]
			if w.isClaimed() {
				continue
			}

			res := current.Reserve()
			var toSend T
			if res.IsShared() {
				toSend = res.Give()
				current = res.Keep()
			} else {
				toSend = res.Give()
				haveValue = false
			}

			if !w.fulfill(toSend) {
				// Lost the race against cancellation between the
				// isClaimed check and the send: recover the value and
				// try the next waiter in the queue.
				current = toSend
				haveValue = true
			}
		}
		if len(ws) == 0 {
			delete(in.waiters, key)
		} else {
			in.waiters[key] = ws
		}
	}

	if !haveValue {
		return
	}

	list := in.idle[key]
	if len(list) >= in.maxIdlePerHost {
		return
	}
	in.idle[key] = append(list, idleEntry[T]{value: current, idleAt: time.Now()})

	in.spawnIdleInterval(self)
}

// connected marks a single-flight connect attempt for key as finished, one
// way or another. Any checkouts still parked for key are told no value is
// coming via this attempt, since a Connecting that drops without a
// successful Pooled(...) call means nothing will ever be delivered to
// them.
//
// Must be called with the lock held.
func (in *poolInner[T, K]) connected(key K) {
	delete(in.connecting, key)
	ws := in.waiters[key]
	delete(in.waiters, key)
	for _, w := range ws {
		w.abandon()
	}
}

// cleanWaiters drops already-claimed waiters from key's queue, removing
// the queue entirely once it is empty. Called when a Checkout gives up on
// its own parked waiter.
//
// Must be called with the lock held.
func (in *poolInner[T, K]) cleanWaiters(key K) {
	ws, ok := in.waiters[key]
	if !ok {
		return
	}
	kept := ws[:0]
	for _, w := range ws {
		if !w.isClaimed() {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		delete(in.waiters, key)
	} else {
		in.waiters[key] = kept
	}
}

// clearExpired discards every closed or over-age idle entry across all
// keys. It is only ever called by the IdleTask.
//
// Must be called with the lock held.
func (in *poolInner[T, K]) clearExpired() {
	if in.idleTimeout == nil {
		return
	}
	dur := *in.idleTimeout

	for key, list := range in.idle {
		kept := list[:0]
		for _, e := range list {
			if !e.value.IsOpen() {
				continue
			}
			elapsed := time.Since(e.idleAt)
			if elapsed < 0 {
				elapsed = 0
			}
			if elapsed > dur {
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(in.idle, key)
		} else {
			in.idle[key] = kept
		}
	}
}

// spawnIdleInterval lazily starts the background eviction loop the first
// time a value is pooled. It is idempotent, and a no-op unless both a
// positive idle timeout and a timer capability are configured.
//
// Must be called with the lock held.
func (in *poolInner[T, K]) spawnIdleInterval(self *poolInner[T, K]) {
	if in.beacon != nil {
		return
	}
	if in.idleTimeout == nil {
		return
	}
	dur := *in.idleTimeout
	if dur == 0 {
		return
	}
	if in.timer == nil {
		return
	}
	if dur < minCheckInterval {
		dur = minCheckInterval
	}

	in.beacon = make(chan struct{})

	task := &idleTask[T, K]{
		timer:    in.timer,
		duration: dur,
		backref:  weak.Make(self),
		beacon:   in.beacon,
	}
	in.executor.Execute(task.run)
}
