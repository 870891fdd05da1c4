package types

import (
	"context"
	"time"

	"github.com/vaultfs/vaultfs/internal/blockid"
)

// BlockStore is the §4.1 L0 contract. L1 (encryption), L2 (integrity) and L3
// (cache) each wrap the layer below and expose this same shape, so a
// filesystem can be built against any depth of the stack without caring
// which layer it's actually holding.
type BlockStore interface {
	// TryCreate stores bytes under id only if id does not already exist.
	// reports created=false without error if it did.
	TryCreate(ctx context.Context, id blockid.ID, data []byte) (created bool, err error)
	// Load returns the bytes stored under id, or a NotFound error.
	Load(ctx context.Context, id blockid.ID) ([]byte, error)
	// Store writes data under id, creating or overwriting it.
	Store(ctx context.Context, id blockid.ID, data []byte) error
	// Remove deletes id. Removing an absent id is a NotFound error.
	Remove(ctx context.Context, id blockid.ID) error
	// ForEachID calls fn once per block-id currently in the store. Iteration
	// stops and returns fn's error if it returns one.
	ForEachID(ctx context.Context, fn func(blockid.ID) error) error
	// NumBlocks returns the number of blocks currently stored.
	NumBlocks(ctx context.Context) (uint64, error)
	// BlockSize returns the fixed physical size every block in this store
	// occupies on disk, set at format time.
	BlockSize() int
}

// MetricsCollector records operation counters and latencies across the
// block, cache, blob and filesystem layers for the Prometheus collector in
// internal/metrics.
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(blockID string)
	RecordCacheMiss(blockID string)
	RecordIntegrityViolation(blockID string, reason string)
	RecordError(operation string, err error)
}
