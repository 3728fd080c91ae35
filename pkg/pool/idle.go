package pool

import "time"

// idleEntry is a value currently held by the pool, not in use.
type idleEntry[T any] struct {
	value  T
	idleAt time.Time
}

// expiration is the staleness predicate: "has this entry been idle longer
// than the configured timeout". A nil duration never expires anything.
type expiration struct {
	dur *time.Duration
}

func newExpiration(dur *time.Duration) expiration {
	return expiration{dur: dur}
}

func (e expiration) expired(idleAt time.Time) bool {
	if e.dur == nil {
		return false
	}
	elapsed := time.Since(idleAt)
	if elapsed < 0 {
		// Saturating subtraction: a clock regression must never make an
		// entry look younger than it is, let alone panic.
		elapsed = 0
	}
	return elapsed > *e.dur
}

// popIdle pops the most-recently-inserted open, unexpired entry for key,
// reserving it. Insertion is always tail-appended, so popping from the
// tail reuses the most recently freed connection first (LIFO), and
// whatever remains at the head is the oldest. Every closed or expired
// entry encountered on the way is discarded. The key's list (and the key
// itself, if it empties) is left consistent with the invariant that an
// empty idle list is never retained in the map.
//
// Must be called with the pool's lock held.
func (in *poolInner[T, K]) popIdle(key K) (T, bool) {
	list := in.idle[key]
	exp := newExpiration(in.idleTimeout)

	for len(list) > 0 {
		n := len(list) - 1
		entry := list[n]
		list = list[:n]

		if !entry.value.IsOpen() {
			continue
		}
		if exp.expired(entry.idleAt) {
			continue
		}

		res := entry.value.Reserve()
		var out T
		if res.IsShared() {
			list = append(list, idleEntry[T]{value: res.Keep(), idleAt: time.Now()})
			out = res.Give()
		} else {
			out = res.Give()
		}

		if len(list) == 0 {
			delete(in.idle, key)
		} else {
			in.idle[key] = list
		}
		return out, true
	}

	delete(in.idle, key)
	var zero T
	return zero, false
}
