package types

import (
	"context"
	"fmt"
	"time"
)

const RequestContextKey = "request_context"

// RequestContext lives from request arrival until the response is written.
type RequestContext struct {
	Key       string
	Outcome   CacheOutcome
	StartedAt time.Time
	Computed  bool
}

// Response is what a computation produces and what the cache stores.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

type ComputeFunc func(ctx context.Context) (*Response, error)

// ComputationError carries a failed computation back to the caller.
// Its payload is served as-is and is never written to the cache.
type ComputationError struct {
	Status  int
	Payload []byte
	Err     error
}

func (e *ComputationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", ErrComputationFailed, e.Err)
	}
	return fmt.Sprintf("%s: status %d", ErrComputationFailed, e.Status)
}

func (e *ComputationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrComputationFailed, e.Err}
	}
	return []error{ErrComputationFailed}
}

type Worker interface {
	Serve(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (*Response, CacheOutcome, error)
}

type MemoryGuard interface {
	LifecycleManager
	AllowPopulate() bool
	Usage() MemoryUsage
}

type MemoryUsage struct {
	HeapInUse     uint64  `json:"heap_in_use"`
	TotalRuntime  uint64  `json:"total_runtime"`
	SoftLimit     uint64  `json:"soft_limit"`
	HardLimit     uint64  `json:"hard_limit"`
	HighWatermark uint64  `json:"high_watermark"`
	Ratio         float64 `json:"ratio"`
	OverSoft      bool    `json:"over_soft"`
	Pressure      bool    `json:"pressure"`
}
