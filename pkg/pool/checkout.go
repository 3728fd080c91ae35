package pool

import "context"

// Checkout is an in-progress acquisition for a key. Poll tries to resolve
// it without blocking; Wait blocks until it resolves or ctx is done.
// Whichever is used, Close (called automatically at the end of Wait)
// must be called if you stop polling a Checkout before it resolves, so
// any registered waiter is removed from the key's queue.
type Checkout[T Poolable[T], K comparable] struct {
	key    K
	pool   *Pool[T, K]
	waiter *waiter[T]
}

// Key returns the key this checkout is acquiring a value for.
func (c *Checkout[T, K]) Key() K { return c.key }

// Poll makes one non-blocking attempt to resolve the checkout. ready is
// true iff the checkout is now settled — successfully (pooled non-nil,
// err nil) or with an error. ready is false iff the caller must wait
// longer; in that case a waiter has been registered (unless one already
// was) and will be woken by a concurrent Release, Pool.Pooled, or
// Connecting.Close for this key.
//
// Poll drains the waiter path first: a pending waiter is checked before
// any new idle-probe is attempted, so a late handoff from a concurrent
// release is observed ahead of racing a fresh probe. Waiters for a given
// key are served in FIFO order; there is no ordering guarantee across
// keys.
func (c *Checkout[T, K]) Poll() (pooled *Pooled[T, K], ready bool, err error) {
	if c.waiter != nil {
		select {
		case res := <-c.waiter.ch:
			c.waiter = nil
			if !res.ok {
				return nil, true, ErrCheckoutNoLongerWanted
			}
			if !res.value.IsOpen() {
				return nil, true, ErrCheckedOutClosedValue
			}
			return c.pool.reuse(c.key, res.value), true, nil
		default:
			// Still pending; fall through to the synchronous idle-probe.
		}
	}

	in := c.pool.inner
	if in == nil {
		return nil, true, ErrPoolDisabled
	}

	in.mu.Lock()
	value, found := in.popIdle(c.key)
	var registered *waiter[T]
	if !found && c.waiter == nil {
		registered = newWaiter[T]()
		in.waiters[c.key] = append(in.waiters[c.key], registered)
	}
	in.mu.Unlock()

	if found {
		if c.waiter != nil {
			// A value arrived via the idle list while a waiter was still
			// parked for this key; nothing will ever read that waiter's
			// channel again, so give it up now instead of waiting for
			// Close to notice.
			c.waiter.cancel()
			c.waiter = nil
		}
		return c.pool.reuse(c.key, value), true, nil
	}

	if registered != nil {
		c.waiter = registered
	}
	return nil, false, nil
}

// Wait blocks until the checkout resolves or ctx is done, cleaning up any
// registered waiter on the way out either way.
func (c *Checkout[T, K]) Wait(ctx context.Context) (*Pooled[T, K], error) {
	defer c.Close()

	pooled, ready, err := c.Poll()
	if ready {
		return pooled, err
	}

	select {
	case res := <-c.waiter.ch:
		c.waiter = nil
		if !res.ok {
			return nil, ErrCheckoutNoLongerWanted
		}
		if !res.value.IsOpen() {
			return nil, ErrCheckedOutClosedValue
		}
		return c.pool.reuse(c.key, res.value), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases any waiter this checkout has registered without having
// resolved it. Safe to call on an already-resolved or already-closed
// checkout.
func (c *Checkout[T, K]) Close() {
	if c.waiter == nil {
		return
	}
	c.waiter.cancel()
	c.waiter = nil

	in := c.pool.inner
	if in == nil {
		return
	}
	in.mu.Lock()
	in.cleanWaiters(c.key)
	in.mu.Unlock()
}
