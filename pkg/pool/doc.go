// Package pool implements a generic, bounded pool of reusable transport
// connections keyed by a caller-chosen identity (scheme+authority, a
// target name, whatever the caller considers "the same place").
//
// It dispatches checkouts to idle connections when one is available,
// races a fresh connect against waiting for an idle one to free up, gives
// multiplexable connections (HTTP/2-style) single-flight connect
// semantics, and evicts connections that have sat idle too long or that
// have closed underneath it.
//
// The pool itself never dials, never frames a protocol, and never knows
// about TLS or DNS. Callers plug that in through the Poolable capability
// a stored value must satisfy, and through the Executor/Timer
// capabilities the pool uses to run its background eviction loop.
package pool
