// Package idle tracks the number of connected, hello-registered replicas
// and the time of last activity, so a node with zero consumers can shut
// itself down after a configured quiet period.
package idle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Tracker is safe for concurrent use by many streaming sessions.
type Tracker struct {
	replicas     atomic.Int64
	lastActivity atomic.Int64 // unix nanos
	logger       *slog.Logger
}

func NewTracker(logger *slog.Logger) *Tracker {
	t := &Tracker{logger: logger}
	t.Touch()
	return t
}

// ConnectedReplicas returns the current count of live streaming sessions.
func (t *Tracker) ConnectedReplicas() int64 {
	return t.replicas.Load()
}

// LastActivity returns the time of the most recent tracked activity.
func (t *Tracker) LastActivity() time.Time {
	return time.Unix(0, t.lastActivity.Load())
}

// Touch records activity, resetting the idle clock.
func (t *Tracker) Touch() {
	t.lastActivity.Store(time.Now().UnixNano())
}

// Guard represents one streaming session's hold on the tracker. Release
// is safe to call from any exit path; only the first call decrements.
type Guard struct {
	once    sync.Once
	tracker *Tracker
}

// Acquire increments the connected-replica count and returns the guard
// whose Release undoes it exactly once.
func (t *Tracker) Acquire() *Guard {
	t.replicas.Add(1)
	t.Touch()
	return &Guard{tracker: t}
}

// Release decrements the count. Subsequent calls are no-ops.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.tracker.replicas.Add(-1)
		g.tracker.Touch()
	})
}

// Watch blocks until the node has had zero connected replicas and no
// activity for at least timeout, then invokes shutdown once. A zero
// timeout disables idle shutdown and Watch returns immediately.
func (t *Tracker) Watch(ctx context.Context, timeout time.Duration, shutdown func()) {
	if timeout <= 0 {
		return
	}
	interval := timeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.ConnectedReplicas() > 0 {
				continue
			}
			idleFor := time.Since(t.LastActivity())
			if idleFor >= timeout {
				t.logger.Info("Idle timeout reached, shutting down",
					"idle_for", idleFor.Round(time.Second), "timeout", timeout)
				shutdown()
				return
			}
		}
	}
}
