// Package storage persists the commitment tree leaves and the indexer cursor
// so the relayer can resume after a restart without rescanning the chain.
// The key-value implementation uses the following prefixes:
//   - 'l/' for leaves, keyed by their big-endian uint64 index
//   - 'm/' for metadata (depth, leaf count and cursor)
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vocdoni/arbo/memdb"
	"github.com/vocdoni/stx-mixer-relayer/log"
	"github.com/vocdoni/stx-mixer-relayer/tree"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"
	"go.vocdoni.io/dvote/db/prefixeddb"
)

var (
	leafPrefix     = []byte("l/")
	metadataPrefix = []byte("m/")

	stateKey = []byte("state")
)

// Supported key-value drivers.
const (
	DriverPebble = "pebble"
	DriverMemory = "memory"
)

var (
	// ErrNotFound is returned by Load when nothing was persisted yet.
	ErrNotFound = errors.New("not found")
	// ErrOutOfOrder is returned by Append when the first leaf index does not
	// follow the persisted leaf count.
	ErrOutOfOrder = errors.New("leaves appended out of order")
)

// Cursor marks the last contract event processed by the indexer.
type Cursor struct {
	LastTxID        string `json:"lastTxId" cbor:"0,keyasint,omitempty"`
	LastEventIndex  uint64 `json:"lastEventIndex" cbor:"1,keyasint"`
	LastBlockHeight uint64 `json:"lastBlockHeight" cbor:"2,keyasint"`
	// Processed counts the contract events seen so far, of any kind.
	Processed uint64 `json:"processed" cbor:"3,keyasint"`
}

// IsZero reports whether no event was processed yet.
func (c Cursor) IsZero() bool {
	return c.LastTxID == "" && c.Processed == 0
}

// LeafStore persists an append-only leaf list together with the cursor.
type LeafStore interface {
	// Load returns the persisted snapshot and cursor, or ErrNotFound.
	Load(ctx context.Context) (*tree.Snapshot, *Cursor, error)
	// Save replaces the persisted state.
	Save(ctx context.Context, snapshot *tree.Snapshot, cursor *Cursor) error
	// Append atomically stores leaves at indexes from, from+1... and the
	// cursor. The cursor can be stored alone by passing no leaves.
	Append(ctx context.Context, depth int, leaves []string, from uint64, cursor *Cursor) error
	Close() error
}

type state struct {
	Depth  int     `cbor:"0,keyasint"`
	Count  uint64  `cbor:"1,keyasint"`
	Cursor *Cursor `cbor:"2,keyasint,omitempty"`
}

// Storage is the LeafStore over a dvote key-value database.
type Storage struct {
	db db.Database
	mu sync.Mutex
}

var _ LeafStore = (*Storage)(nil)

// New creates a new Storage instance.
func New(database db.Database) *Storage {
	return &Storage{db: database}
}

// Open opens a key-value database of the given driver. The directory is
// ignored by the memory driver.
func Open(driver, dir string) (*Storage, error) {
	switch driver {
	case DriverMemory:
		return New(memdb.New()), nil
	case DriverPebble, "":
		database, err := metadb.New(db.TypePebble, dir)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return New(database), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// Close closes the storage.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) state() (*state, error) {
	rd := prefixeddb.NewPrefixedReader(s.db, metadataPrefix)
	data, err := rd.Get(stateKey)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st := &state{}
	if err := decodeArtifact(data, st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

// Load implements LeafStore.
func (s *Storage) Load(_ context.Context) (*tree.Snapshot, *Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state()
	if err != nil {
		return nil, nil, err
	}
	leaves := make([]string, st.Count)
	found := uint64(0)
	rd := prefixeddb.NewPrefixedReader(s.db, leafPrefix)
	var iterErr error
	if err := rd.Iterate(nil, func(k, v []byte) bool {
		idx, err := decodeIndex(k)
		if err != nil {
			iterErr = err
			return false
		}
		// leaves beyond the count belong to a write that never committed
		// its state
		if idx < st.Count && leaves[idx] == "" {
			leaves[idx] = encodeLeaf(v)
			found++
		}
		return true
	}); err != nil {
		return nil, nil, fmt.Errorf("iterate leaves: %w", err)
	}
	if iterErr != nil {
		return nil, nil, iterErr
	}
	if found != st.Count {
		return nil, nil, fmt.Errorf("state has %d leaves, found %d", st.Count, found)
	}
	cursor := st.Cursor
	if cursor == nil {
		cursor = &Cursor{}
	}
	return &tree.Snapshot{Depth: st.Depth, Leaves: leaves}, cursor, nil
}

// Save implements LeafStore.
func (s *Storage) Save(_ context.Context, snapshot *tree.Snapshot, cursor *Cursor) error {
	if snapshot == nil {
		return fmt.Errorf("nil snapshot")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(snapshot.Depth, snapshot.Leaves, 0, cursor)
}

// Append implements LeafStore.
func (s *Storage) Append(_ context.Context, depth int, leaves []string, from uint64, cursor *Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state()
	switch {
	case errors.Is(err, ErrNotFound):
		st = &state{Depth: depth}
	case err != nil:
		return err
	}
	if st.Depth != depth {
		return fmt.Errorf("%w: stored %d, got %d", tree.ErrDepthMismatch, st.Depth, depth)
	}
	if st.Count != from {
		return fmt.Errorf("%w: stored %d leaves, appending at %d", ErrOutOfOrder, st.Count, from)
	}
	return s.write(depth, leaves, from, cursor)
}

// write stores leaves from index from and sets the state in one transaction.
func (s *Storage) write(depth int, leaves []string, from uint64, cursor *Cursor) error {
	wTx := s.db.WriteTx()
	leafTx := prefixeddb.NewPrefixedWriteTx(wTx, leafPrefix)
	for i, leaf := range leaves {
		b, err := decodeLeaf(leaf)
		if err != nil {
			wTx.Discard()
			return fmt.Errorf("leaf %d: %w", from+uint64(i), err)
		}
		if err := leafTx.Set(encodeIndex(from+uint64(i)), b); err != nil {
			wTx.Discard()
			return err
		}
	}
	data, err := encodeArtifact(&state{Depth: depth, Count: from + uint64(len(leaves)), Cursor: cursor})
	if err != nil {
		wTx.Discard()
		return fmt.Errorf("encode state: %w", err)
	}
	metaTx := prefixeddb.NewPrefixedWriteTx(wTx, metadataPrefix)
	if err := metaTx.Set(stateKey, data); err != nil {
		wTx.Discard()
		return err
	}
	if err := wTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	log.Debugw("leaves persisted", "from", from, "count", len(leaves))
	return nil
}
