// Package transport implements pool.Poolable for backend SQL Server
// connections, so the generic pool core in pkg/pool can warm, reuse, and
// evict them without knowing anything about go-mssqldb or TDS.
package transport

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/joaobrasildev/connpool-proxy/pkg/pool"
	"github.com/joaobrasildev/connpool-proxy/pkg/target"
)

// PinReason describes why a Conn has been taken out of ordinary
// checkout/release circulation — the TDS layer pins a connection to a
// single client session for as long as it holds an open transaction,
// a server-side cursor, or a temp table the client may reference again.
type PinReason string

const (
	PinNone        PinReason = ""
	PinTransaction PinReason = "transaction"
	PinPrepared    PinReason = "prepared"
	PinBulkLoad    PinReason = "bulk_load"
)

// Conn is a single backend SQL Server session, established once and
// reused across client sessions via the pool. It is not multiplexable —
// SQL Server sessions hold ambient state (@@SPID, temp tables, isolation
// level) that must not leak between clients — so its Reserve always
// yields a Unique reservation.
type Conn struct {
	mu sync.Mutex

	db       *sql.DB
	targetID string

	closed bool

	pinReason  PinReason
	pinnedAt   time.Time
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   uint64
}

// Dial establishes a fresh backend connection for t and wraps it as a
// Conn. The returned value has exactly one underlying database/sql
// connection (SetMaxOpenConns(1)): pooling happens at the pkg/pool layer,
// one Conn per session, not inside database/sql's own pool.
func Dial(ctx context.Context, t *target.Target) (*Conn, error) {
	db, err := sql.Open("sqlserver", t.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening connection to target %s: %w", t.ID, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	dialCtx := ctx
	if t.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.ConnectionTimeout)
		defer cancel()
	}
	if err := db.PingContext(dialCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to target %s (%s): %w", t.ID, t.Addr(), err)
	}

	now := time.Now()
	return &Conn{
		db:         db,
		targetID:   t.ID,
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

// DB returns the underlying *sql.DB for executing queries.
func (c *Conn) DB() *sql.DB { return c.db }

// TargetID returns the ID of the target this connection belongs to.
func (c *Conn) TargetID() string { return c.targetID }

// Pin marks the connection as pinned for reason r, recording when the pin
// started if it was not already pinned. The manager's Release and Discard
// do not consult it.
func (c *Conn) Pin(r PinReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinReason == PinNone {
		c.pinnedAt = time.Now()
	}
	c.pinReason = r
}

// Unpin clears the pin reason and returns how long the connection was
// pinned.
func (c *Conn) Unpin() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var dur time.Duration
	if c.pinReason != PinNone {
		dur = time.Since(c.pinnedAt)
	}
	c.pinReason = PinNone
	c.pinnedAt = time.Time{}
	return dur
}

// IsPinned reports whether the connection currently carries a pin.
func (c *Conn) IsPinned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinReason != PinNone
}

// MarkUsed bumps the use counter and last-used timestamp; called by the
// proxy session once the pool has handed it a Conn.
func (c *Conn) MarkUsed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsedAt = time.Now()
	c.useCount++
}

// Discard closes the underlying database connection and marks it
// permanently unusable. Idempotent.
func (c *Conn) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.db.Close()
}

// IsOpen implements pool.Poolable. It must be cheap and non-blocking —
// it reports the last-known liveness, not a fresh ping; go-mssqldb
// surfaces a dead backend connection on the next query anyway, at which
// point the caller should call Discard explicitly instead of releasing.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// CanShare implements pool.Poolable. SQL Server sessions are never
// multiplexable.
func (c *Conn) CanShare() bool { return false }

// Reserve implements pool.Poolable.
func (c *Conn) Reserve() pool.Reservation[*Conn] { return pool.Unique(c) }
