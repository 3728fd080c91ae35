// Package pool wires the generic pool core in pkg/pool to backend SQL
// Server connections (internal/transport), instantiating one keyed pool
// per configured target and pre-warming it to each target's min_idle.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/joaobrasildev/connpool-proxy/internal/config"
	"github.com/joaobrasildev/connpool-proxy/internal/metrics"
	"github.com/joaobrasildev/connpool-proxy/internal/transport"
	genericpool "github.com/joaobrasildev/connpool-proxy/pkg/pool"
	"github.com/joaobrasildev/connpool-proxy/pkg/target"
)

// Pooled is the handle a session holds while using a checked-out backend
// connection. It is a thin alias so call sites don't need to spell out
// the generic instantiation.
type Pooled = genericpool.Pooled[*transport.Conn, string]

// Checkout is an in-progress acquisition of a backend connection.
type Checkout = genericpool.Checkout[*transport.Conn, string]

// Stat reports sizing for one target's pool, for the startup log and
// future admin endpoints. Active is the live count; Idle and Max are the
// target's configured min_idle and max_connections.
type Stat struct {
	TargetID string
	Idle     int
	Active   int
	Max      int
}

// targetPool bundles one target's generic pool with the target config
// it was built from, since pkg/pool.Pool itself doesn't retain it.
type targetPool struct {
	target *target.Target
	pool   *genericpool.Pool[*transport.Conn, string]

	mu     sync.Mutex
	active int
}

// Manager owns one keyed connection pool per configured target.
type Manager struct {
	pools map[string]*targetPool
}

// NewManager builds a Manager with one pool per target in cfg, and
// pre-warms each to its configured min_idle.
func NewManager(ctx context.Context, cfg *config.Config) (*Manager, error) {
	m := &Manager{pools: make(map[string]*targetPool, len(cfg.Targets))}

	for i := range cfg.Targets {
		t := &cfg.Targets[i]

		idleTimeout := t.MaxIdleTime
		maxIdle := t.MinIdle
		if maxIdle <= 0 {
			maxIdle = 1
		}

		tp := &targetPool{
			target: t,
			pool: genericpool.New[*transport.Conn, string](genericpool.Config{
				IdleTimeout:    &idleTimeout,
				MaxIdlePerHost: maxIdle,
			}, genericpool.GoExecutor{}, genericpool.StdTimer{}),
		}
		m.pools[t.ID] = tp
		metrics.ConnectionsMax.WithLabelValues(t.ID).Set(float64(t.MaxConnections))

		warmed := 0
		for n := 0; n < t.MinIdle; n++ {
			conn, err := transport.Dial(ctx, t)
			if err != nil {
				log.Printf("[pool] warming target %s: dial %d/%d failed: %v", t.ID, n+1, t.MinIdle, err)
				break
			}
			connecting, _ := tp.pool.Connecting(t.ID, genericpool.VerAuto)
			tp.pool.Pooled(connecting, conn).Release()
			warmed++
		}
		log.Printf("[pool] target %s warmed with %d idle connections (max=%d)", t.ID, warmed, t.MaxConnections)
	}

	return m, nil
}

// Checkout begins acquiring a connection for targetID. Call Wait (or
// Poll) on the result, and Release or Discard on whatever Wait returns.
func (m *Manager) Checkout(targetID string) (*Checkout, error) {
	tp, ok := m.pools[targetID]
	if !ok {
		return nil, fmt.Errorf("pool: unknown target %q", targetID)
	}
	return tp.pool.Checkout(targetID), nil
}

// Wait blocks on co until a connection is ready, a context deadline
// passes, or the wait is abandoned. A waiter that was handed an idle
// entry that had already gone stale between release and handoff is
// counted as an eviction rather than surfaced as an opaque error.
func (m *Manager) Wait(ctx context.Context, targetID string, co *Checkout) (*Pooled, error) {
	pooled, err := co.Wait(ctx)
	if errors.Is(err, genericpool.ErrCheckedOutClosedValue) {
		metrics.PoolEvictions.WithLabelValues(targetID, "closed_on_handoff").Inc()
	}
	if err == nil {
		if tp, ok := m.pools[targetID]; ok {
			tp.markActive(1)
		}
	}
	return pooled, err
}

// Dial establishes a brand new connection for targetID and wraps it as a
// Connecting-backed Pooled, for when Wait reports no idle connection was
// available in time and the caller chooses to dial fresh instead of
// continuing to wait.
func (m *Manager) Dial(ctx context.Context, targetID string) (*Pooled, error) {
	tp, ok := m.pools[targetID]
	if !ok {
		return nil, fmt.Errorf("pool: unknown target %q", targetID)
	}
	conn, err := transport.Dial(ctx, tp.target)
	if err != nil {
		metrics.ConnectionErrors.WithLabelValues(targetID, "dial_failed").Inc()
		return nil, err
	}
	connecting, _ := tp.pool.Connecting(targetID, genericpool.VerAuto)
	pooled := tp.pool.Pooled(connecting, conn)
	tp.markActive(1)
	metrics.ConnectionsTotal.WithLabelValues(targetID, "dialed").Inc()
	return pooled, nil
}

// Release returns a connection to its pool, unless it is pinned, in
// which case the caller should have called Discard instead.
func (m *Manager) Release(targetID string, p *Pooled) {
	if tp, ok := m.pools[targetID]; ok {
		tp.markActive(-1)
	}
	p.Release()
	metrics.ConnectionsTotal.WithLabelValues(targetID, "released").Inc()
}

// Discard closes and drops a connection instead of returning it —
// used for pinned connections and connections that errored.
func (m *Manager) Discard(targetID string, p *Pooled) {
	if tp, ok := m.pools[targetID]; ok {
		tp.markActive(-1)
	}
	p.Get().Discard()
	p.Release() // the value is now closed, so Release just drops it
	metrics.ConnectionsTotal.WithLabelValues(targetID, "discarded").Inc()
}

func (tp *targetPool) markActive(delta int) {
	tp.mu.Lock()
	tp.active += delta
	active := tp.active
	tp.mu.Unlock()
	metrics.ConnectionsActive.WithLabelValues(tp.target.ID).Set(float64(active))
}

// Stats reports current sizing for every target's pool.
func (m *Manager) Stats() []Stat {
	stats := make([]Stat, 0, len(m.pools))
	for id, tp := range m.pools {
		tp.mu.Lock()
		active := tp.active
		tp.mu.Unlock()
		stats = append(stats, Stat{
			TargetID: id,
			Idle:     tp.target.MinIdle,
			Active:   active,
			Max:      tp.target.MaxConnections,
		})
	}
	return stats
}

// Close tears down every target's pool eviction loop.
func (m *Manager) Close() error {
	for _, tp := range m.pools {
		tp.pool.Close()
	}
	return nil
}
