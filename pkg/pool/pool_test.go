package pool_test

import (
	"context"
	"testing"
	"time"

	"github.com/joaobrasildev/connpool-proxy/pkg/pool"
)

// uniq is a non-shareable test value whose Reserve always returns a
// Unique reservation.
type uniq struct {
	n      int
	closed bool
}

func (u uniq) IsOpen() bool                        { return !u.closed }
func (u uniq) CanShare() bool                       { return false }
func (u uniq) Reserve() pool.Reservation[uniq]      { return pool.Unique(u) }

// shareable is a multiplexable test value: every reservation keeps a copy
// in the pool and hands out another.
type shareable struct {
	n      int
	closed bool
}

func (s shareable) IsOpen() bool                          { return !s.closed }
func (s shareable) CanShare() bool                         { return true }
func (s shareable) Reserve() pool.Reservation[shareable]   { return pool.Shared(s, s) }

// fragile is a non-shareable test value whose closed state is shared by
// every copy, so a test can close it after it has been handed off.
type fragile struct {
	closed *bool
}

func (f fragile) IsOpen() bool                        { return !*f.closed }
func (f fragile) CanShare() bool                      { return false }
func (f fragile) Reserve() pool.Reservation[fragile] { return pool.Unique(f) }

func noTimerPool[T pool.Poolable[T]](t *testing.T, idleTimeout time.Duration, maxIdle int) *pool.Pool[T, string] {
	t.Helper()
	if maxIdle == 0 {
		maxIdle = int(^uint(0) >> 1) // effectively unbounded
	}
	p := pool.New[T, string](pool.Config{
		IdleTimeout:    &idleTimeout,
		MaxIdlePerHost: maxIdle,
	}, pool.GoExecutor{}, nil)
	return p
}

func connectingFor[T pool.Poolable[T]](t *testing.T, p *pool.Pool[T, string], key string) *pool.Connecting[T, string] {
	t.Helper()
	c, ok := p.Connecting(key, pool.VerAuto)
	if !ok {
		t.Fatalf("expected a connecting token for %q", key)
	}
	return c
}

func TestCheckoutSmoke(t *testing.T) {
	p := noTimerPool[uniq](t, 100*time.Millisecond, 0)
	pooled := p.Pooled(connectingFor(t, p, "foo"), uniq{n: 41})
	pooled.Release()

	got, err := p.Checkout("foo").Wait(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if got.Get().n != 41 {
		t.Fatalf("got %+v, want n=41", got.Get())
	}
	if !got.IsReused() {
		t.Fatalf("expected a reused value")
	}
}

func TestCheckoutExpiredOnCheckout(t *testing.T) {
	p := noTimerPool[uniq](t, 50*time.Millisecond, 0)
	pooled := p.Pooled(connectingFor(t, p, "foo"), uniq{n: 41})
	pooled.Release()

	time.Sleep(60 * time.Millisecond)

	_, ready, _ := p.Checkout("foo").Poll()
	if ready {
		t.Fatalf("expected checkout to still be pending after the idle entry expired")
	}
}

func TestCheckoutExpiredBulkDiscard(t *testing.T) {
	p := noTimerPool[uniq](t, 50*time.Millisecond, 0)
	for _, n := range []int{41, 5, 99} {
		p.Pooled(connectingFor(t, p, "foo"), uniq{n: n}).Release()
	}

	time.Sleep(60 * time.Millisecond)

	co := p.Checkout("foo")
	co.Poll()
	co.Close()

	// A second checkout must see nothing left to reuse; the prior poll
	// drained and discarded every expired entry for the key.
	_, ready, err := p.Checkout("foo").Poll()
	if ready {
		t.Fatalf("expected no idle entries left, got ready=%v err=%v", ready, err)
	}
}

func TestCheckoutMaxIdlePerHost(t *testing.T) {
	p := noTimerPool[uniq](t, time.Hour, 2)
	for _, n := range []int{41, 5, 99} {
		p.Pooled(connectingFor(t, p, "foo"), uniq{n: n}).Release()
	}

	got := drainIdle(t, p, "foo")
	if len(got) != 2 {
		t.Fatalf("max_idle_per_host=2, got %d idle entries: %v", len(got), got)
	}
}

// drainIdle repeatedly polls (without blocking) until the checkout stops
// resolving immediately, collecting every value handed back.
func drainIdle(t *testing.T, p *pool.Pool[uniq, string], key string) []int {
	t.Helper()
	var out []int
	for {
		co := p.Checkout(key)
		pooled, ready, err := co.Poll()
		if !ready || err != nil {
			co.Close()
			break
		}
		out = append(out, pooled.Get().n)
	}
	return out
}

func TestWaiterHandoff(t *testing.T) {
	p := noTimerPool[uniq](t, time.Hour, 0)

	co := p.Checkout("foo")
	_, ready, _ := co.Poll()
	if ready {
		t.Fatalf("expected the first poll with nothing idle to register a waiter, not resolve")
	}

	pooled := p.Pooled(connectingFor(t, p, "foo"), uniq{n: 41})
	done := make(chan struct{})
	go func() {
		pooled.Release()
		close(done)
	}()
	<-done

	got, err := co.Wait(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if got.Get().n != 41 {
		t.Fatalf("got %+v, want n=41", got.Get())
	}
}

func TestWaiterCleanupOnClose(t *testing.T) {
	p := noTimerPool[uniq](t, time.Hour, 0)

	co1 := p.Checkout("foo")
	co2 := p.Checkout("foo")
	co1.Poll()
	co2.Poll()

	co1.Close()
	co2.Close()

	// Both waiters are gone; a subsequent release should simply idle.
	p.Pooled(connectingFor(t, p, "foo"), uniq{n: 7}).Release()
	out := drainIdle(t, p, "foo")
	if len(out) != 1 || out[0] != 7 {
		t.Fatalf("expected exactly the one idle entry left over, got %v", out)
	}
}

func TestClosedValueNotReinserted(t *testing.T) {
	p := noTimerPool[uniq](t, time.Hour, 0)
	p.Pooled(connectingFor(t, p, "foo"), uniq{n: 57, closed: true}).Release()

	_, ready, _ := p.Checkout("foo").Poll()
	if ready {
		t.Fatalf("a closed value must never be reinserted into idle")
	}
}

func TestCheckoutReceivesClosedValueFromWaiter(t *testing.T) {
	p := noTimerPool[fragile](t, time.Hour, 0)

	co := p.Checkout("foo")
	co.Poll()

	// Release discards values that are already closed, so the value is
	// open when handed to the waiter and closes before the waiter reads it.
	closed := false
	p.Pooled(connectingFor(t, p, "foo"), fragile{closed: &closed}).Release()
	closed = true

	_, err := co.Wait(context.Background())
	if err != pool.ErrCheckedOutClosedValue {
		t.Fatalf("got err=%v, want ErrCheckedOutClosedValue", err)
	}
}

func TestDisabledPool(t *testing.T) {
	p := pool.New[uniq, string](pool.Config{}, pool.GoExecutor{}, pool.StdTimer{})
	if p.Enabled() {
		t.Fatalf("MaxIdlePerHost=0 must disable the pool")
	}

	_, ready, err := p.Checkout("foo").Poll()
	if !ready || err != pool.ErrPoolDisabled {
		t.Fatalf("got ready=%v err=%v, want ErrPoolDisabled immediately", ready, err)
	}
}

func TestSharedReservationSingleIdleEntry(t *testing.T) {
	p := noTimerPool[shareable](t, time.Hour, 0)

	p.Pooled(connectingFor(t, p, "foo"), shareable{n: 1}).Release()
	p.Pooled(connectingFor(t, p, "foo"), shareable{n: 2}).Release()

	// Checking out a shareable entry keeps it in the idle list, so the list
	// cannot be drained. Reuse pops the newest entry first, so getting the
	// first value back shows the second one was never added.
	got, ready, err := p.Checkout("foo").Poll()
	if !ready || err != nil || got.Get().n != 1 {
		t.Fatalf("a shareable key must keep at most one idle entry (the first inserted), got ready=%v err=%v", ready, err)
	}
}

func drainIdle2(t *testing.T, p *pool.Pool[shareable, string], key string) []int {
	t.Helper()
	var out []int
	for {
		co := p.Checkout(key)
		pooled, ready, err := co.Poll()
		if !ready || err != nil {
			co.Close()
			break
		}
		out = append(out, pooled.Get().n)
	}
	return out
}

func TestConnectingSingleFlight(t *testing.T) {
	p := noTimerPool[shareable](t, time.Hour, 0)

	first, ok := p.Connecting("foo", pool.VerMultiplexed)
	if !ok {
		t.Fatalf("expected the first multiplexed Connecting to win")
	}
	if _, ok := p.Connecting("foo", pool.VerMultiplexed); ok {
		t.Fatalf("a second concurrent multiplexed Connecting for the same key must be refused")
	}

	first.Close()

	if _, ok := p.Connecting("foo", pool.VerMultiplexed); !ok {
		t.Fatalf("closing the in-flight Connecting must free the key for a new attempt")
	}
}

func TestPooledClearsMultiplexedSlotOnUniqueFallback(t *testing.T) {
	p := noTimerPool[uniq](t, time.Hour, 0)

	c, ok := p.Connecting("foo", pool.VerMultiplexed)
	if !ok {
		t.Fatalf("expected the first multiplexed Connecting to win")
	}

	// The negotiated value turned out non-shareable (uniq.Reserve always
	// returns Unique), even though c was handed out as a multiplexed
	// single-flight token.
	pooled := p.Pooled(c, uniq{n: 1})
	pooled.Release()

	if _, ok := p.Connecting("foo", pool.VerMultiplexed); !ok {
		t.Fatalf("a Unique reservation from a multiplexed Connecting must still clear the single-flight slot")
	}
}

func TestConnectingCloseAbandonsWaiters(t *testing.T) {
	p := noTimerPool[shareable](t, time.Hour, 0)

	connecting, ok := p.Connecting("foo", pool.VerMultiplexed)
	if !ok {
		t.Fatalf("expected a connecting token")
	}

	co := p.Checkout("foo")
	co.Poll()

	connecting.Close()

	_, err := co.Wait(context.Background())
	if err != pool.ErrCheckoutNoLongerWanted {
		t.Fatalf("got err=%v, want ErrCheckoutNoLongerWanted", err)
	}
}

func TestTimerEvictsWithMinimumInterval(t *testing.T) {
	idleTimeout := 10 * time.Millisecond
	p := pool.New[uniq, string](pool.Config{
		IdleTimeout:    &idleTimeout,
		MaxIdlePerHost: int(^uint(0) >> 1),
	}, pool.GoExecutor{}, pool.StdTimer{})

	for _, n := range []int{41, 5, 99} {
		p.Pooled(connectingFor(t, p, "foo"), uniq{n: n}).Release()
	}

	time.Sleep(30 * time.Millisecond)
	if n := countIdleWithoutConsuming(t, p, "foo"); n != 3 {
		t.Fatalf("expected all 3 still present before the minimum check interval elapses, got %d", n)
	}

	time.Sleep(70 * time.Millisecond)
	if n := countIdleWithoutConsuming(t, p, "foo"); n != 0 {
		t.Fatalf("expected the background sweep to have evicted everything, got %d", n)
	}
}

// countIdleWithoutConsuming polls once and, if it gets a value back,
// releases it immediately so repeated checks don't themselves drain the
// list under test.
func countIdleWithoutConsuming(t *testing.T, p *pool.Pool[uniq, string], key string) int {
	t.Helper()
	n := 0
	var got []*pool.Pooled[uniq, string]
	for {
		co := p.Checkout(key)
		pooled, ready, err := co.Poll()
		if !ready || err != nil {
			co.Close()
			break
		}
		n++
		got = append(got, pooled)
	}
	for _, g := range got {
		g.Release()
	}
	return n
}
