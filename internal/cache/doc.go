// Package cache implements the §4.4 Cache Block Store (L3): a bounded,
// write-back cache wrapping the integrity block store (L2) that guarantees
// at most one live Handle per block-id across the whole process (§3's
// cache invariant, §9's "scoped acquisition of cache handles").
//
// Higher layers never lock at block granularity themselves — Acquire and
// CreateAndAcquire are the sole serialization point the blob and
// filesystem layers rely on (§4.4's rationale, §5's deadlock-avoidance
// note).
package cache
