package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Client is the worker's handle on the shared store. Every operation is
// bounded by the response timeout and store trouble never surfaces as a
// panic or an unbounded wait: Get folds it into Unavailable, Set into
// ErrCacheUnavailable.
type Client struct {
	ctx     context.Context
	cancel  context.CancelFunc
	config  *types.CacheConfig
	backend types.CacheBackend
	codec   *Codec
	conn    *Connection
	logger  types.Logger
	state   atomic.Value
}

func NewClient(ctx context.Context, config *types.CacheConfig, backend types.CacheBackend, logger types.Logger) *Client {
	clientCtx, cancel := context.WithCancel(ctx)

	c := &Client{
		ctx:     clientCtx,
		cancel:  cancel,
		config:  config,
		backend: backend,
		codec:   NewCodec(config.Compression),
		conn:    NewConnection(config.BackoffBase, config.KeepAlive, config.IdleTimeout, fmt.Sprint(backend), logger),
		logger:  logger,
	}
	c.state.Store(StateStopped)

	return c
}

func (c *Client) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	c.setState(StateRunning)

	// The store may come up after us; a failed first handshake only opens
	// the first backoff window.
	if err := c.Ping(c.ctx); err != nil {
		c.logger.Warn("Cache store not reachable at startup, continuing without cache",
			zap.String("target", c.conn.target), zap.Error(err))
	}

	return nil
}

func (c *Client) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer c.setState(StateStopped)

	c.cancel()

	if err := c.backend.Close(); err != nil {
		c.logger.Error("Failed to close cache backend", zap.Error(err))
		return types.WrapError(err, "failed to close cache backend")
	}

	c.logger.Info("Cache client stopped gracefully")
	return nil
}

func (c *Client) IsRunning() bool {
	return c.getState() == StateRunning
}

func (c *Client) State() types.ConnectionState {
	return c.conn.State()
}

func (c *Client) UnavailableSince() time.Time {
	return c.conn.UnavailableSince()
}

func (c *Client) Get(ctx context.Context, key string) types.CacheResult {
	if key == "" {
		return types.Unavailable(types.ReasonInvalidKey)
	}

	opCtx, handshake, cancel, reason := c.begin(ctx)
	if reason != "" {
		return types.Unavailable(reason)
	}
	defer cancel()

	if handshake {
		if err := c.backend.Ping(opCtx); err != nil {
			return types.Unavailable(c.fail(ctx, handshake, err))
		}
	}

	raw, found, err := c.backend.Get(opCtx, c.fullKey(key))
	if err != nil {
		return types.Unavailable(c.fail(ctx, handshake, err))
	}
	c.conn.success()

	if !found {
		return types.Miss()
	}

	value, err := c.codec.Decode(raw)
	if err != nil {
		c.logger.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		c.dropEntry(key)
		return types.CacheResult{Outcome: types.CacheMiss, Reason: types.ReasonCodec}
	}

	return types.Hit(value)
}

// Set is best effort. A store refusing the write for lack of memory is
// not an error from the caller's point of view.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	encoded, err := c.codec.Encode(value)
	if err != nil {
		return types.Errorf(types.ErrCacheUnavailable, "%s: %v", types.ReasonCodec, err)
	}

	opCtx, handshake, cancel, reason := c.begin(ctx)
	if reason != "" {
		return types.Errorf(types.ErrCacheUnavailable, "%s", reason)
	}
	defer cancel()

	if handshake {
		if err := c.backend.Ping(opCtx); err != nil {
			return types.Errorf(types.ErrCacheUnavailable, "%s", c.fail(ctx, handshake, err))
		}
	}

	err = c.backend.Set(opCtx, c.fullKey(key), encoded, ttl)
	switch {
	case err == nil:
		c.conn.success()
		return nil
	case errors.Is(err, types.ErrCacheCapacityExceeded):
		c.conn.success()
		c.logger.Debug("Cache store refused entry", zap.String("key", key), zap.Int("size", len(encoded)))
		return nil
	default:
		return types.Errorf(types.ErrCacheUnavailable, "%s", c.fail(ctx, handshake, err))
	}
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.fullKey(k)
	}

	return c.run(ctx, func(opCtx context.Context) error {
		return c.backend.Delete(opCtx, full...)
	})
}

func (c *Client) DeletePrefix(ctx context.Context, prefix string) error {
	return c.run(ctx, func(opCtx context.Context) error {
		return c.backend.DeletePrefix(opCtx, c.fullKey(prefix))
	})
}

func (c *Client) Ping(ctx context.Context) error {
	return c.run(ctx, c.backend.Ping)
}

func (c *Client) run(ctx context.Context, op func(ctx context.Context) error) error {
	opCtx, handshake, cancel, reason := c.begin(ctx)
	if reason != "" {
		return types.Errorf(types.ErrCacheUnavailable, "%s", reason)
	}
	defer cancel()

	if err := op(opCtx); err != nil {
		return types.Errorf(types.ErrCacheUnavailable, "%s: %v", c.fail(ctx, handshake, err), err)
	}

	c.conn.success()
	return nil
}

// begin checks the lifecycle and the connection and returns the bounded
// context for one operation. A non-empty reason means the backend must not
// be touched.
func (c *Client) begin(ctx context.Context) (context.Context, bool, context.CancelFunc, string) {
	if !c.IsRunning() {
		return nil, false, nil, types.ReasonStopped
	}

	handshake, reason, ok := c.conn.acquire()
	if !ok {
		return nil, false, nil, reason
	}

	opCtx, cancel := context.WithTimeout(ctx, c.config.ResponseTimeout)
	return opCtx, handshake, cancel, ""
}

// fail classifies err and updates the connection. Errors where the store
// did answer (error replies) leave the connection up.
func (c *Client) fail(ctx context.Context, handshake bool, err error) string {
	reason, drop := classify(err)

	switch {
	case ctx.Err() != nil:
		// The caller left; the store was not at fault.
		if handshake {
			c.conn.release()
		}
	case reason == types.ReasonStopped:
		if handshake {
			c.conn.release()
		}
	case drop:
		c.conn.failure(reason, err)
	default:
		c.conn.success()
	}

	return reason
}

func (c *Client) dropEntry(key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.config.ResponseTimeout)
	go func() {
		defer cancel()
		if err := c.backend.Delete(ctx, c.fullKey(key)); err != nil {
			c.logger.Debug("Failed to delete undecodable cache entry", zap.String("key", key), zap.Error(err))
		}
	}()
}

func (c *Client) fullKey(key string) string {
	return c.config.KeyPrefix + key
}

func classify(err error) (reason string, drop bool) {
	var (
		replyErr redis.Error
		netErr   net.Error
		errno    syscall.Errno
	)

	switch {
	case errors.Is(err, redis.ErrClosed), errors.Is(err, types.ErrStoreClosed):
		return types.ReasonStopped, false
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return types.ReasonTimeout, true
	case errors.As(err, &netErr) && netErr.Timeout():
		return types.ReasonTimeout, true
	case errors.As(err, &replyErr):
		return types.ReasonProtocol, false
	case errors.As(err, &netErr), errors.As(err, &errno),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return types.ReasonNetwork, true
	default:
		// Unparseable replies leave the connection in an unknown state.
		return types.ReasonProtocol, true
	}
}

func (c *Client) getState() State {
	return c.state.Load().(State)
}

func (c *Client) setState(newState State) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *Client) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}
