package mooncake

import "github.com/mooncakelabs/transfer-engine/internal/constants"

// Re-export tunable defaults for the public API.
const (
	DefaultWorkersPerCtx         = constants.DefaultWorkersPerCtx
	DefaultNumQPPerEndpoint      = constants.DefaultNumQPPerEndpoint
	DefaultMaxSGEPerWR           = constants.DefaultMaxSGEPerWR
	DefaultMaxWRDepth            = constants.DefaultMaxWRDepth
	DefaultMaxInlineBytes        = constants.DefaultMaxInlineBytes
	DefaultSliceSize             = constants.DefaultSliceSize
	DefaultEndpointCacheCapacity = constants.DefaultEndpointCacheCapacity
	DefaultMaxRetryCount         = constants.DefaultMaxRetryCount
	LocalSegmentID               = constants.LocalSegmentID
	InvalidBatchID               = ^uint64(0)
)
