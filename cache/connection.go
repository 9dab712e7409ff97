package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
)

// Connection tracks whether the store is reachable and when the next
// reconnection attempt is allowed. It never dials on its own: the request
// that finds the backoff window closed performs the handshake. A handle
// left unused for longer than the idle timeout counts as Disconnected, so
// the next operation re-handshakes before trusting it.
type Connection struct {
	mu               sync.Mutex
	state            atomic.Int32
	failures         int
	retryAt          time.Time
	unavailableSince atomic.Int64
	lastUsed         atomic.Int64
	base             time.Duration
	ceiling          time.Duration
	idleTimeout      time.Duration
	now              func() time.Time
	logger           types.Logger
	target           string
}

// NewConnection starts Disconnected so the first operation performs the
// initial handshake.
func NewConnection(base, ceiling, idleTimeout time.Duration, target string, logger types.Logger) *Connection {
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	c := &Connection{
		base:        base,
		ceiling:     ceiling,
		idleTimeout: idleTimeout,
		now:         time.Now,
		logger:      logger,
		target:      target,
	}
	c.state.Store(int32(types.StateDisconnected))

	return c
}

func (c *Connection) State() types.ConnectionState {
	state := types.ConnectionState(c.state.Load())
	if state != types.StateConnected || !c.idle() {
		return state
	}

	if c.state.CompareAndSwap(int32(types.StateConnected), int32(types.StateDisconnected)) {
		c.logger.Debug("Cache connection idle, next use re-handshakes",
			zap.String("target", c.target),
			zap.Duration("idle_timeout", c.idleTimeout))
	}
	return types.ConnectionState(c.state.Load())
}

func (c *Connection) idle() bool {
	if c.idleTimeout <= 0 {
		return false
	}
	last := c.lastUsed.Load()
	return last != 0 && c.now().Sub(time.Unix(0, last)) > c.idleTimeout
}

func (c *Connection) UnavailableSince() time.Time {
	since := c.unavailableSince.Load()
	if since == 0 {
		return time.Time{}
	}
	return time.Unix(0, since)
}

// acquire decides whether an operation may reach the backend. handshake is
// true for the single caller chosen to re-establish the connection; the
// others get ok=false with the reason to report.
func (c *Connection) acquire() (handshake bool, reason string, ok bool) {
	if c.State() == types.StateConnected {
		return false, "", true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case types.StateConnected:
		return false, "", true
	case types.StateReconnecting:
		return false, types.ReasonReconnecting, false
	}

	if c.now().Before(c.retryAt) {
		return false, types.ReasonBackoff, false
	}

	c.state.Store(int32(types.StateReconnecting))
	return true, "", true
}

func (c *Connection) success() {
	c.lastUsed.Store(c.now().UnixNano())

	if c.State() == types.StateConnected {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	previous := c.State()
	if previous == types.StateConnected {
		return
	}

	c.failures = 0
	c.retryAt = time.Time{}
	c.state.Store(int32(types.StateConnected))

	var downtime time.Duration
	if since := c.unavailableSince.Swap(0); since != 0 {
		downtime = c.now().Sub(time.Unix(0, since))
	}

	c.logger.Info("Cache connection established",
		zap.String("target", c.target),
		zap.Duration("unavailable_for", downtime))
}

// failure drops the connection and opens the next backoff window:
// base·2^(n-1), capped at the keepalive interval.
func (c *Connection) failure(reason string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	wasConnected := c.State() == types.StateConnected

	c.failures++
	wait := c.backoff(c.failures)
	c.retryAt = now.Add(wait)
	c.state.Store(int32(types.StateDisconnected))
	c.unavailableSince.CompareAndSwap(0, now.UnixNano())

	fields := []zap.Field{
		zap.String("target", c.target),
		zap.String("reason", reason),
		zap.Int("attempt", c.failures),
		zap.Duration("retry_in", wait),
		zap.Error(err),
	}

	if wasConnected || c.failures == 1 {
		c.logger.Warn("Cache connection lost", fields...)
	} else {
		c.logger.Debug("Cache reconnect failed", fields...)
	}
}

// release hands back a handshake slot without judging the store, used when
// the caller went away before the attempt finished.
func (c *Connection) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == types.StateReconnecting {
		c.state.Store(int32(types.StateDisconnected))
	}
}

func (c *Connection) backoff(attempt int) time.Duration {
	wait := c.base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if c.ceiling > 0 && wait >= c.ceiling {
			return c.ceiling
		}
		// overflow guard for very long outages without a ceiling
		if wait <= 0 || wait > time.Hour {
			return time.Hour
		}
	}

	if c.ceiling > 0 && wait > c.ceiling {
		return c.ceiling
	}
	return wait
}
