package types

import (
	"context"
	"time"
)

// CacheOutcome is the result class of a cache lookup.
type CacheOutcome int

const (
	CacheMiss CacheOutcome = iota
	CacheHit
	CacheUnavailable
)

func (o CacheOutcome) String() string {
	switch o {
	case CacheHit:
		return "hit"
	case CacheMiss:
		return "miss"
	default:
		return "unavailable"
	}
}

// Reasons attached to an Unavailable result. They are metadata for logs
// and metrics; callers branch on the outcome only.
const (
	ReasonTimeout      = "timeout"
	ReasonNetwork      = "network"
	ReasonProtocol     = "protocol"
	ReasonBackoff      = "backoff"
	ReasonReconnecting = "reconnecting"
	ReasonStopped      = "stopped"
	ReasonInvalidKey   = "invalid_key"
	ReasonCodec        = "codec"
	ReasonDisabled     = "disabled"
)

type CacheResult struct {
	Outcome CacheOutcome
	Value   []byte
	Reason  string
}

func Hit(value []byte) CacheResult { return CacheResult{Outcome: CacheHit, Value: value} }

func Miss() CacheResult { return CacheResult{Outcome: CacheMiss} }

func Unavailable(reason string) CacheResult {
	return CacheResult{Outcome: CacheUnavailable, Reason: reason}
}

type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// CacheClient is the per-process view of the shared cache store. It never
// returns store failures as errors from Get: an unreachable store is an
// Unavailable result.
type CacheClient interface {
	LifecycleManager
	Get(ctx context.Context, key string) CacheResult
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error
	State() ConnectionState
	UnavailableSince() time.Time
}

// CacheBackend is the raw transport a CacheClient drives. Backends report
// a miss as (nil, false, nil) and leave timeouts and retries to the client.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error
	Close() error
}

type CacheBackendCreator func(config *CacheConfig) (CacheBackend, error)
