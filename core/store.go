package core

// Store (C3): an abstract, typed-keyspace mapping with batch-commit
// semantics (spec.md §4.2). The interface does not order commits across
// batches — callers that need ordering (white-flag milestone application)
// serialize themselves, one milestone at a time.
//
// BoltStore is the durable implementation, one bbolt bucket per keyspace,
// following the same db.Update/db.View/bucket-per-collection shape
// Prysm's beacon-chain/db/kv package uses over the same library.

import (
	"errors"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// Health is the store's externally observable status, persisted so a
// crash leaves an honest record behind for the next startup.
type Health uint8

const (
	HealthIdle Health = iota
	HealthHealthy
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthIdle:
		return "idle"
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ErrVersionMismatch is returned by Open when the store's on-disk version
// does not equal the version the caller expects (spec.md exit code 2).
var ErrVersionMismatch = errors.New("store: version mismatch")

// ErrNotFound is returned by Fetch for an absent key.
var ErrNotFound = errors.New("store: not found")

// Keyspace names one of the Store's typed collections. spec.md §6
// enumerates the full persisted keyspace list; each maps to one bucket.
type Keyspace string

const (
	KeyspaceBlocks            Keyspace = "blocks"
	KeyspaceBlockMetadata     Keyspace = "block_metadata"
	KeyspaceChildren          Keyspace = "children"
	KeyspaceCreatedOutputs    Keyspace = "created_outputs"
	KeyspaceConsumedOutputs   Keyspace = "consumed_outputs"
	KeyspaceUnspent           Keyspace = "unspent"
	KeyspaceBalances          Keyspace = "balances"
	KeyspaceMilestones        Keyspace = "milestones"
	KeyspaceOutputDiffs       Keyspace = "output_diffs"
	KeyspaceSolidEntryPoints  Keyspace = "solid_entry_points"
	KeyspaceLedgerIndex       Keyspace = "ledger_index"
	KeyspaceSnapshotInfo      Keyspace = "snapshot_info"
	KeyspaceUnreferenced      Keyspace = "unreferenced_blocks"
	keyspaceMeta              Keyspace = "meta" // health, version
)

var allKeyspaces = []Keyspace{
	KeyspaceBlocks, KeyspaceBlockMetadata, KeyspaceChildren,
	KeyspaceCreatedOutputs, KeyspaceConsumedOutputs, KeyspaceUnspent,
	KeyspaceBalances, KeyspaceMilestones, KeyspaceOutputDiffs,
	KeyspaceSolidEntryPoints, KeyspaceLedgerIndex, KeyspaceSnapshotInfo,
	KeyspaceUnreferenced, keyspaceMeta,
}

var (
	metaKeyHealth  = []byte("health")
	metaKeyVersion = []byte("version")
)

// Store is the abstract persistence contract every C5-C8 component writes
// through. A single Store instance is shared; callers coordinate batch
// ordering themselves.
type Store interface {
	Insert(ks Keyspace, key, value []byte) error
	Fetch(ks Keyspace, key []byte) ([]byte, error)
	Exists(ks Keyspace, key []byte) (bool, error)
	Delete(ks Keyspace, key []byte) error
	Iter(ks Keyspace, fn func(key, value []byte) error) error
	BatchBegin() Batch
	Health() Health
	SetHealth(Health) error
	Version() (uint32, error)
	Close() error
}

// Batch accumulates writes across one or more keyspaces for a single
// atomic commit. Readers see either all of a batch's writes or none.
type Batch interface {
	Insert(ks Keyspace, key, value []byte)
	Delete(ks Keyspace, key []byte)
	Commit(durable bool) error
}

// BoltStore is the bbolt-backed Store implementation used outside tests.
type BoltStore struct {
	db *bolt.DB

	mu     sync.RWMutex
	health Health
}

// OpenBoltStore opens (creating if absent) a bbolt file at path, verifies
// its recorded schema version against expectedVersion, and returns a
// ready Store. A fresh file is stamped with expectedVersion and Health
// Idle.
func OpenBoltStore(path string, expectedVersion uint32) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &BoltStore{db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, ks := range allKeyspaces {
			if _, err := tx.CreateBucketIfNotExists([]byte(ks)); err != nil {
				return err
			}
		}
		meta := tx.Bucket([]byte(keyspaceMeta))
		raw := meta.Get(metaKeyVersion)
		if raw == nil {
			return putU32(meta, metaKeyVersion, expectedVersion)
		}
		if decodeU32(raw) != expectedVersion {
			return ErrVersionMismatch
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	h, err := s.loadHealth()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.health = h
	return s, nil
}

func putU32(b *bolt.Bucket, key []byte, v uint32) error {
	buf := make([]byte, 4)
	buf[0], buf[1], buf[2], buf[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return b.Put(key, buf)
}

func decodeU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (s *BoltStore) loadHealth() (Health, error) {
	var h Health
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(keyspaceMeta)).Get(metaKeyHealth)
		if raw == nil {
			h = HealthIdle
			return nil
		}
		h = Health(raw[0])
		return nil
	})
	return h, err
}

func (s *BoltStore) Insert(ks Keyspace, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ks)).Put(key, value)
	})
}

func (s *BoltStore) Fetch(ks Keyspace, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(ks)).Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Exists(ks Keyspace, key []byte) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket([]byte(ks)).Get(key) != nil
		return nil
	})
	return ok, err
}

func (s *BoltStore) Delete(ks Keyspace, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ks)).Delete(key)
	})
}

// Iter walks ks in bbolt's native key order, which spec.md §4.2 leaves
// unspecified; fn returning an error aborts the walk.
func (s *BoltStore) Iter(ks Keyspace, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ks)).ForEach(fn)
	})
}

type writeOp struct {
	ks     Keyspace
	key    []byte
	value  []byte // nil means delete
}

type boltBatch struct {
	store *BoltStore
	ops   []writeOp
}

func (s *BoltStore) BatchBegin() Batch { return &boltBatch{store: s} }

func (b *boltBatch) Insert(ks Keyspace, key, value []byte) {
	b.ops = append(b.ops, writeOp{ks: ks, key: key, value: value})
}

func (b *boltBatch) Delete(ks Keyspace, key []byte) {
	b.ops = append(b.ops, writeOp{ks: ks, key: key, value: nil})
}

// Commit applies every accumulated op inside one bbolt transaction: all or
// nothing, matching the store's no-partial-visibility guarantee. durable
// forces an fsync via NoSync=false, bbolt's default for Update transactions.
func (b *boltBatch) Commit(durable bool) error {
	noSync := b.store.db.NoSync
	if durable {
		b.store.db.NoSync = false
	}
	defer func() { b.store.db.NoSync = noSync }()

	return b.store.db.Update(func(tx *bolt.Tx) error {
		for _, op := range b.ops {
			bucket := tx.Bucket([]byte(op.ks))
			if op.value == nil {
				if err := bucket.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

func (s *BoltStore) SetHealth(h Health) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keyspaceMeta)).Put(metaKeyHealth, []byte{byte(h)})
	})
	if err != nil {
		return err
	}
	s.health = h
	return nil
}

func (s *BoltStore) Version() (uint32, error) {
	var v uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(keyspaceMeta)).Get(metaKeyVersion)
		v = decodeU32(raw)
		return nil
	})
	return v, err
}

func (s *BoltStore) Close() error { return s.db.Close() }
