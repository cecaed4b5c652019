// Package constants holds tunables shared across the engine's internal packages.
package constants

import "time"

// Default configuration constants, per SPEC_FULL.md §6 ("Configuration keys").
const (
	// DefaultWorkersPerCtx is the default number of posting+polling worker
	// goroutines per RDMA context.
	DefaultWorkersPerCtx = 4

	// DefaultNumQPPerEndpoint is the default number of queue pairs allocated
	// per RDMA endpoint.
	DefaultNumQPPerEndpoint = 2

	// DefaultMaxSGEPerWR is the default max scatter-gather entries per
	// work request.
	DefaultMaxSGEPerWR = 4

	// DefaultMaxWRDepth is the default maximum in-flight work requests per QP.
	DefaultMaxWRDepth = 256

	// DefaultMaxInlineBytes is the default inline-send threshold in bytes.
	DefaultMaxInlineBytes = 64

	// DefaultSliceSize is the default maximum slice size in bytes (64 KiB).
	DefaultSliceSize = 64 * 1024

	// DefaultEndpointCacheCapacity is the default endpoint store capacity.
	DefaultEndpointCacheCapacity = 256

	// DefaultMaxRetryCount is the default number of retries before a slice
	// is marked permanently failed.
	DefaultMaxRetryCount = 8

	// ShardCount is the fixed number of submission shards per worker pool.
	// Not configurable: the sharding formula in SPEC_FULL.md §4.6 is defined
	// modulo this constant.
	ShardCount = 8

	// PollCountPerCQ is the maximum completions drained per CQ per poll call.
	PollCountPerCQ = 64

	// AutoAssignSegmentID indicates the engine should assign the next
	// sequential segment ID.
	AutoAssignSegmentID = -1

	// LocalSegmentID is the sentinel segment ID meaning "this process";
	// slices addressed to it are fulfilled by memcpy (SPEC_FULL.md §3).
	LocalSegmentID = 0
)

// Timing constants for the worker pool's idle/suspend cycle.
//
// A worker that observes submitted_slice_count_ == processed_slice_count_
// (SPEC_FULL.md §4.6) for longer than IdleThreshold suspends on a condition
// variable bounded by IdleWaitTimeout; a new submission or async event wakes
// it early.
const (
	// IdleThreshold is how long a worker waits with no progress before
	// suspending on its condition variable.
	IdleThreshold = 100 * time.Millisecond

	// IdleWaitTimeout bounds how long a suspended worker sleeps before
	// re-checking for work even with no explicit wakeup.
	IdleWaitTimeout = 1 * time.Second
)

// RDMA wire parameters of the original Mooncake transport's
// rdma_endpoint.cpp, tuned for RoCEv2 on modern NICs. The simulated QPs take
// no such attributes, so no code path applies these values.
const (
	MaxHopLimit  = 16
	QPTimeout    = 14
	QPRetryCount = 7
	RNRRetry     = 7
	MaxRdAtomic  = 16
	MinRNRTimer  = 12
	PathMTU4096  = 4096
)
