package integrity

import (
	"context"
	"sync"

	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/pkg/errors"
	"github.com/vaultfs/vaultfs/pkg/health"
	"github.com/vaultfs/vaultfs/pkg/types"
)

// Options configures the two §4.3 mode switches.
type Options struct {
	// AllowIntegrityViolations, when true, confines a violation to the
	// operation that hit it (§4.3 "Two modes"); when false, the store
	// poisons itself on the first violation and fails every later call.
	AllowIntegrityViolations bool
	// MissingBlockIsIntegrityViolation governs V5: whether a NotFound for
	// a block-id the DB believes existed is reported as an
	// IntegrityViolation (true) or as a plain NotFound (false).
	MissingBlockIsIntegrityViolation bool
}

// Store implements the §4.2-shaped L2 Integrity Block Store, wrapping an
// underlying types.BlockStore (normally internal/crypto's L1) with the
// known-versions checks of §4.3.
type Store struct {
	underlying types.BlockStore
	db         *DB
	client     blockid.ClientID
	opts       Options
	metrics    types.MetricsCollector

	mu       sync.Mutex
	poisoned error
}

// New wraps underlying with integrity checking. client is this mount's
// client-id (§3), used to stamp every block this process writes. metrics
// may be nil.
func New(underlying types.BlockStore, db *DB, client blockid.ClientID, opts Options, metrics types.MetricsCollector) *Store {
	return &Store{underlying: underlying, db: db, client: client, opts: opts, metrics: metrics}
}

// BlockSize implements types.BlockStore: the logical payload visible to L3
// is the L1 payload minus the integrity header (§3).
func (s *Store) BlockSize() int { return s.underlying.BlockSize() - headerSize }

// DB exposes the known-versions database backing this store, for the mount
// daemon to persist on shutdown.
func (s *Store) DB() *DB { return s.db }

func (s *Store) checkPoisoned() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poisoned
}

// Health implements health.Reporter: Poisoned once a strict-mode integrity
// violation has latched, Healthy otherwise.
func (s *Store) Health() health.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned != nil {
		return health.Poisoned
	}
	return health.Healthy
}

func (s *Store) poison(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned == nil {
		s.poisoned = err
	}
}

func (s *Store) violation(id blockid.ID, message string) error {
	err := errors.New(errors.CodeIntegrityViolation, message).WithComponent("integrity").WithPath(id.String())
	if s.metrics != nil {
		s.metrics.RecordIntegrityViolation(id.String(), message)
	}
	if !s.opts.AllowIntegrityViolations {
		s.poison(err)
	}
	return err
}

// TryCreate implements types.BlockStore.
func (s *Store) TryCreate(ctx context.Context, id blockid.ID, data []byte) (bool, error) {
	if err := s.checkPoisoned(); err != nil {
		return false, err
	}
	version := s.db.HighestVersionAnyClient(id) + 1
	framed := encodeHeader(s.client, version, data)
	created, err := s.underlying.TryCreate(ctx, id, framed)
	if err != nil {
		return false, err
	}
	if created {
		s.db.Record(s.client, id, version)
	}
	return created, nil
}

// Load implements types.BlockStore, enforcing V1-V5 of §4.3.
func (s *Store) Load(ctx context.Context, id blockid.ID) ([]byte, error) {
	if err := s.checkPoisoned(); err != nil {
		return nil, err
	}
	framed, err := s.underlying.Load(ctx, id)
	if err != nil {
		if errors.Code(err) == errors.CodeNotFound {
			if s.opts.MissingBlockIsIntegrityViolation && s.db.EverExisted(id) {
				return nil, s.violation(id, "block expected to exist is missing from the store")
			}
			return nil, err
		}
		return nil, err
	}
	client, version, payload, err := decodeHeader(framed)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, s.violation(id, "version must be greater than zero")
	}
	if tomb, ok := s.db.TombstoneVersion(id); ok && version <= tomb {
		return nil, s.violation(id, "tombstoned block resurfaced at or below its removal version")
	}
	// V2/V4 are checked against the highest version this DB has ever
	// recorded for id under *any* client, not just the decoded client's own
	// history: a foreign client-id presenting a version at or below that
	// high-water mark is a rollback even if this DB has never seen that
	// particular client write id before (§1 Non-goals: one writer-of-record
	// per block, so a second client's "first" version for an already-known
	// block is never legitimately trust-on-first-use).
	if highest, writer, ok := s.db.HighestVersion(id); ok {
		switch {
		case version < highest:
			return nil, s.violation(id, "version rollback detected")
		case version == highest && client != writer:
			return nil, s.violation(id, "foreign client presented an already-seen version")
		}
	}
	s.db.Record(client, id, version)
	// V2's "payload bytes must match" for an equal version from the same
	// client is already enforced transitively: L1's AEAD tag authenticates
	// (id, payload) together, so a forged block claiming the same version
	// with different bytes only reaches here if it also forged a valid tag.
	return payload, nil
}

// Store implements types.BlockStore: assigns this client's next version
// (§4.3 "Write") and forwards the framed block to L1.
func (s *Store) Store(ctx context.Context, id blockid.ID, data []byte) error {
	if err := s.checkPoisoned(); err != nil {
		return err
	}
	ownLast, _ := s.db.LastVersion(s.client, id)
	anyLast := s.db.HighestVersionAnyClient(id)
	next := ownLast
	if anyLast > next {
		next = anyLast
	}
	next++
	framed := encodeHeader(s.client, next, data)
	if err := s.underlying.Store(ctx, id, framed); err != nil {
		return err
	}
	s.db.Record(s.client, id, next)
	return nil
}

// Remove implements types.BlockStore, stamping a tombstone (§4.3 "Remove")
// so a later resurrection at or below this version is detected.
func (s *Store) Remove(ctx context.Context, id blockid.ID) error {
	if err := s.checkPoisoned(); err != nil {
		return err
	}
	next := s.db.HighestVersionAnyClient(id) + 1
	if err := s.underlying.Remove(ctx, id); err != nil && errors.Code(err) != errors.CodeNotFound {
		return err
	}
	// A NotFound here means the block never made it past the cache layer
	// (§4.4's "need not touch L2 at all" create semantics) — the tombstone
	// still must be recorded so a later write can't resurrect it below
	// this version.
	s.db.Tombstone(id, next)
	return nil
}

// ForEachID implements types.BlockStore.
func (s *Store) ForEachID(ctx context.Context, fn func(blockid.ID) error) error {
	if err := s.checkPoisoned(); err != nil {
		return err
	}
	return s.underlying.ForEachID(ctx, fn)
}

// NumBlocks implements types.BlockStore.
func (s *Store) NumBlocks(ctx context.Context) (uint64, error) {
	if err := s.checkPoisoned(); err != nil {
		return 0, err
	}
	return s.underlying.NumBlocks(ctx)
}
