// Package slicepool pools the []verbsq.WorkRequest scratch slices built on
// every performPostSend call, grounded directly on the teacher's
// internal/queue/pool.go: size-bucketed sync.Pool instances holding a
// pointer to the slice (the *[]T pattern, avoiding the extra allocation a
// sync.Pool of interface-boxed plain slices would cost), returned to their
// bucket by capacity rather than by the caller naming which pool it came
// from. The teacher buckets byte buffers by I/O size (128KB..1MB); this
// package buckets work-request batches by queue-pair depth (8..256, the
// default max_wr_depth from SPEC_FULL.md §6), since that is the dimension
// performPostSend actually varies along.
package slicepool

import (
	"sync"

	"github.com/mooncakelabs/transfer-engine/internal/verbsq"
)

// Work-request batch size thresholds, the same power-of-ish-4 spacing the
// teacher uses for its byte buckets, scaled down to the depths SPEC_FULL.md
// §6 configures (max_wr_depth default 256).
const (
	depth8   = 8
	depth32  = 32
	depth64  = 64
	depth256 = 256
)

var globalPool = struct {
	pool8   sync.Pool
	pool32  sync.Pool
	pool64  sync.Pool
	pool256 sync.Pool
}{
	pool8:   sync.Pool{New: func() any { b := make([]verbsq.WorkRequest, depth8); return &b }},
	pool32:  sync.Pool{New: func() any { b := make([]verbsq.WorkRequest, depth32); return &b }},
	pool64:  sync.Pool{New: func() any { b := make([]verbsq.WorkRequest, depth64); return &b }},
	pool256: sync.Pool{New: func() any { b := make([]verbsq.WorkRequest, depth256); return &b }},
}

// GetWorkRequests returns a slice of length n drawn from the smallest
// bucket that fits it. Callers must return the slice via PutWorkRequests
// once the batch has been posted. n above depth256 is not pooled at all:
// max_wr_depth is rarely configured that high, and a one-off allocation is
// cheaper than growing the largest bucket for a corner case.
func GetWorkRequests(n int) []verbsq.WorkRequest {
	switch {
	case n <= depth8:
		return (*globalPool.pool8.Get().(*[]verbsq.WorkRequest))[:n]
	case n <= depth32:
		return (*globalPool.pool32.Get().(*[]verbsq.WorkRequest))[:n]
	case n <= depth64:
		return (*globalPool.pool64.Get().(*[]verbsq.WorkRequest))[:n]
	case n <= depth256:
		return (*globalPool.pool256.Get().(*[]verbsq.WorkRequest))[:n]
	default:
		return make([]verbsq.WorkRequest, n)
	}
}

// PutWorkRequests returns wr to its bucket, determined by capacity. A slice
// with a non-standard capacity (the n > depth256 case, or a sub-slice of a
// larger buffer) is silently dropped rather than pooled.
func PutWorkRequests(wr []verbsq.WorkRequest) {
	c := cap(wr)
	wr = wr[:c]
	switch c {
	case depth8:
		globalPool.pool8.Put(&wr)
	case depth32:
		globalPool.pool32.Put(&wr)
	case depth64:
		globalPool.pool64.Put(&wr)
	case depth256:
		globalPool.pool256.Put(&wr)
	}
}
