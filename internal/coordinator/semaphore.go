package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joaobrasildev/connpool-proxy/internal/metrics"
)

// ── Distributed Semaphore ───────────────────────────────────────────────
//
// The semaphore provides a distributed waiting mechanism for connection
// acquisition. When the global pool for a target is full, callers wait
// on the semaphore until a connection is released by any proxy instance.
//
// It combines:
//   - Redis Pub/Sub for instant cross-instance notifications
//   - Polling fallback to handle missed Pub/Sub messages
//   - Timeout to prevent indefinite waiting

// Semaphore provides distributed waiting for connection availability.
type Semaphore struct {
	coordinator *RedisCoordinator
}

// NewSemaphore creates a new distributed semaphore.
func NewSemaphore(rc *RedisCoordinator) *Semaphore {
	return &Semaphore{coordinator: rc}
}

// Wait blocks until a connection slot becomes available for the given target,
// then atomically acquires it. Returns an error if the context expires or
// the wait times out.
func (s *Semaphore) Wait(ctx context.Context, targetID string, timeout time.Duration) error {
	// Fast path: try immediate acquire.
	if err := s.coordinator.Acquire(ctx, targetID); err == nil {
		return nil
	}

	start := time.Now()
	log.Printf("[semaphore] Waiting for connection slot on target %s (timeout=%s)", targetID, timeout)

	// Subscribe to release notifications for this target.
	notifyCh, err := s.coordinator.Subscribe(ctx, targetID)
	if err != nil {
		// Can't subscribe — fall back to polling.
		return s.waitPolling(ctx, targetID, timeout)
	}

	// Set up timeout.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Also poll periodically as a safety net (in case Pub/Sub messages are lost).
	pollTicker := time.NewTicker(500 * time.Millisecond)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.ConnectionsTotal.WithLabelValues(targetID, "semaphore_cancelled").Inc()
			return ctx.Err()

		case <-timer.C:
			metrics.ConnectionsTotal.WithLabelValues(targetID, "semaphore_timeout").Inc()
			return fmt.Errorf("semaphore timeout (%v) for target %s", timeout, targetID)

		case _, ok := <-notifyCh:
			if !ok {
				// Channel closed, switch to polling.
				return s.waitPolling(ctx, targetID, timeout-time.Since(start))
			}
			// A connection was released — try to acquire.
			if err := s.coordinator.Acquire(ctx, targetID); err == nil {
				dur := time.Since(start)
				metrics.QueueWaitDuration.WithLabelValues(targetID).Observe(dur.Seconds())
				log.Printf("[semaphore] Acquired slot on target %s after %v", targetID, dur)
				return nil
			}
			// Someone else got it first — keep waiting.

		case <-pollTicker.C:
			// Periodic retry in case we missed a notification.
			if err := s.coordinator.Acquire(ctx, targetID); err == nil {
				dur := time.Since(start)
				metrics.QueueWaitDuration.WithLabelValues(targetID).Observe(dur.Seconds())
				log.Printf("[semaphore] Acquired slot on target %s after %v (poll)", targetID, dur)
				return nil
			}
		}
	}
}

// waitPolling is a fallback that polls Redis for slot availability.
func (s *Semaphore) waitPolling(ctx context.Context, targetID string, remaining time.Duration) error {
	if remaining <= 0 {
		return fmt.Errorf("semaphore timeout for target %s", targetID)
	}

	start := time.Now()
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			metrics.ConnectionsTotal.WithLabelValues(targetID, "semaphore_timeout").Inc()
			return fmt.Errorf("semaphore timeout (%v) for target %s", remaining, targetID)
		case <-ticker.C:
			if err := s.coordinator.Acquire(ctx, targetID); err == nil {
				dur := time.Since(start)
				metrics.QueueWaitDuration.WithLabelValues(targetID).Observe(dur.Seconds())
				return nil
			}
		}
	}
}

// TryAcquire attempts a single non-blocking acquire.
func (s *Semaphore) TryAcquire(ctx context.Context, targetID string) error {
	err := s.coordinator.Acquire(ctx, targetID)
	if err != nil {
		metrics.RedisOperations.WithLabelValues("try_acquire", "rejected").Inc()
	} else {
		metrics.RedisOperations.WithLabelValues("try_acquire", "ok").Inc()
	}
	return err
}
