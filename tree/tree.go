// Package tree implements the append-only commitment tree of the pool. The
// tree has a fixed depth and hashes pairs with Poseidon, padding incomplete
// subtrees with the zero values of each level, so its roots and inclusion
// proofs are the ones the withdrawal circuit expects.
package tree

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/vocdoni/stx-mixer-relayer/crypto"
	"github.com/vocdoni/stx-mixer-relayer/crypto/hash/poseidon"
)

var (
	// ErrCommitmentNotFound is returned when a proof is requested for a
	// commitment that is not a leaf of the tree.
	ErrCommitmentNotFound = errors.New("commitment not found")
	// ErrInvalidCommitment is returned when a commitment is not a fixed
	// width canonical field element.
	ErrInvalidCommitment = errors.New("invalid commitment")
	// ErrDuplicateCommitment is returned when appending a commitment that
	// is already a leaf.
	ErrDuplicateCommitment = errors.New("duplicate commitment")
	// ErrTreeFull is returned when the tree has 2^depth leaves.
	ErrTreeFull = errors.New("tree is full")
	// ErrDepthMismatch is returned when importing a snapshot taken from a
	// tree of a different depth.
	ErrDepthMismatch = errors.New("depth mismatch")
)

// emptyRoot is the value returned as root of a tree without leaves.
var emptyRoot = crypto.FieldToHex(big.NewInt(0))

// Tree is a fixed depth append-only Merkle tree of commitments. It is safe
// for concurrent use: appends take the write lock and exclude every reader.
type Tree struct {
	engine *poseidon.Engine
	depth  int

	mu     sync.RWMutex
	leaves []*big.Int
	keys   []string
	index  map[string]uint64

	// layers[i] holds the nodes of level i+1 for the first cached leaves.
	// They are a pure function of the leaves and are rebuilt on demand.
	cacheMu sync.Mutex
	layers  [][]*big.Int
	cached  int
}

// New returns an empty tree. The engine must have been built for the same
// depth, and must be ready before the tree is used.
func New(engine *poseidon.Engine, depth int) (*Tree, error) {
	if engine == nil {
		return nil, fmt.Errorf("nil hash engine")
	}
	if depth <= 0 || depth > 32 {
		return nil, fmt.Errorf("invalid depth %d", depth)
	}
	if engine.Depth() != depth {
		return nil, fmt.Errorf("%w: engine %d, tree %d", ErrDepthMismatch, engine.Depth(), depth)
	}
	return &Tree{
		engine: engine,
		depth:  depth,
		index:  make(map[string]uint64),
	}, nil
}

// Depth returns the number of levels of the tree.
func (t *Tree) Depth() int {
	return t.depth
}

// Capacity returns the maximum number of leaves.
func (t *Tree) Capacity() uint64 {
	return uint64(1) << t.depth
}

// ParseCommitment validates a commitment and returns its canonical form and
// value.
func ParseCommitment(commitment string) (string, *big.Int, error) {
	v, err := crypto.ParseFieldHex(commitment)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidCommitment, err)
	}
	return crypto.FieldToHex(v), v, nil
}

// AddLeaf appends a commitment and returns its leaf index.
func (t *Tree) AddLeaf(commitment string) (uint64, error) {
	key, v, err := ParseCommitment(commitment)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index[key]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateCommitment, key)
	}
	if uint64(len(t.leaves)) >= t.Capacity() {
		return 0, ErrTreeFull
	}
	return t.append(key, v), nil
}

// AddLeaves appends a batch of commitments in order. The batch is validated
// as a whole before any leaf is appended, so on error the tree is unchanged.
// It returns the index of the first appended leaf.
func (t *Tree) AddLeaves(commitments []string) (uint64, error) {
	keys := make([]string, len(commitments))
	values := make([]*big.Int, len(commitments))
	seen := make(map[string]struct{}, len(commitments))
	for i, cm := range commitments {
		key, v, err := ParseCommitment(cm)
		if err != nil {
			return 0, fmt.Errorf("leaf %d: %w", i, err)
		}
		if _, ok := seen[key]; ok {
			return 0, fmt.Errorf("leaf %d: %w: %s", i, ErrDuplicateCommitment, key)
		}
		seen[key] = struct{}{}
		keys[i], values[i] = key, v
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	first := uint64(len(t.leaves))
	if first+uint64(len(keys)) > t.Capacity() {
		return 0, ErrTreeFull
	}
	for i, key := range keys {
		if _, ok := t.index[key]; ok {
			return 0, fmt.Errorf("leaf %d: %w: %s", i, ErrDuplicateCommitment, key)
		}
	}
	for i := range keys {
		t.append(keys[i], values[i])
	}
	return first, nil
}

// append must be called with the write lock held.
func (t *Tree) append(key string, v *big.Int) uint64 {
	idx := uint64(len(t.leaves))
	t.leaves = append(t.leaves, v)
	t.keys = append(t.keys, key)
	t.index[key] = idx
	return idx
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.leaves))
}

// Contains reports whether the commitment is a leaf. Malformed commitments
// are never contained.
func (t *Tree) Contains(commitment string) bool {
	_, ok := t.IndexOf(commitment)
	return ok
}

// IndexOf returns the leaf index of the commitment using exact matching.
func (t *Tree) IndexOf(commitment string) (uint64, bool) {
	key, _, err := ParseCommitment(commitment)
	if err != nil {
		return 0, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.index[key]
	return idx, ok
}

// Leaves returns a copy of the leaves in insertion order, canonical hex.
func (t *Tree) Leaves() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.keys...)
}

// Root returns the current root as 64 hex chars. It is recomputed from the
// leaves and the zero cache. A tree without leaves has the all zero root.
func (t *Tree) Root() (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, err := t.root()
	if err != nil {
		return "", err
	}
	return crypto.FieldToHex(r), nil
}

// RootAndCount returns the root and the number of leaves it commits to,
// read atomically.
func (t *Tree) RootAndCount() (string, uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, err := t.root()
	if err != nil {
		return "", 0, err
	}
	return crypto.FieldToHex(r), uint64(len(t.leaves)), nil
}

// root must be called with the read lock held.
func (t *Tree) root() (*big.Int, error) {
	if len(t.leaves) == 0 {
		return big.NewInt(0), nil
	}
	layers, err := t.buildLayers()
	if err != nil {
		return nil, err
	}
	return layers[t.depth-1][0], nil
}

// Proof returns the inclusion proof of the commitment against the current
// root. The commitment must match a leaf exactly.
func (t *Tree) Proof(commitment string) (*MerkleProof, error) {
	key, _, err := ParseCommitment(commitment)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.index[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCommitmentNotFound, key)
	}
	layers, err := t.buildLayers()
	if err != nil {
		return nil, err
	}
	zeros, err := t.engine.Zeros()
	if err != nil {
		return nil, err
	}

	proof := &MerkleProof{
		Leaf:         key,
		LeafIndex:    idx,
		Root:         crypto.FieldToHex(layers[t.depth-1][0]),
		PathElements: make([]string, t.depth),
		PathIndices:  make([]int, t.depth),
	}
	nodes := t.leaves
	pos := idx
	for level := 0; level < t.depth; level++ {
		sibling := zeros[level]
		if s := pos ^ 1; s < uint64(len(nodes)) {
			sibling = nodes[s]
		}
		proof.PathElements[level] = crypto.FieldToHex(sibling)
		proof.PathIndices[level] = int(pos & 1)
		nodes = layers[level]
		pos >>= 1
	}
	return proof, nil
}

// buildLayers extends the cached levels to cover every leaf and returns
// them. Only the nodes on the right edge affected by new leaves are hashed.
// It must be called with the read lock held.
func (t *Tree) buildLayers() ([][]*big.Int, error) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	n := len(t.leaves)
	if t.layers != nil && t.cached == n {
		return t.layers, nil
	}
	if t.layers == nil || t.cached > n {
		t.layers = make([][]*big.Int, t.depth)
		t.cached = 0
	}
	zeros, err := t.engine.Zeros()
	if err != nil {
		return nil, err
	}
	cur := t.leaves
	start := t.cached
	for level := 0; level < t.depth; level++ {
		parentStart := start / 2
		size := (len(cur) + 1) / 2
		next := t.layers[level]
		if len(next) > parentStart {
			next = next[:parentStart]
		}
		for p := parentStart; p < size; p++ {
			right := zeros[level]
			if 2*p+1 < len(cur) {
				right = cur[2*p+1]
			}
			h, err := t.engine.HashPair(cur[2*p], right)
			if err != nil {
				t.layers, t.cached = nil, 0
				return nil, fmt.Errorf("hash level %d node %d: %w", level+1, p, err)
			}
			next = append(next, h)
		}
		t.layers[level] = next
		cur = next
		start = parentStart
	}
	t.cached = n
	return t.layers, nil
}

// Snapshot is the persisted state of a tree. The root is never persisted,
// it is recomputed after Import.
type Snapshot struct {
	Depth  int      `json:"depth" cbor:"0,keyasint"`
	Leaves []string `json:"leaves" cbor:"1,keyasint"`
}

// Export returns a snapshot of the tree.
func (t *Tree) Export() *Snapshot {
	return &Snapshot{Depth: t.depth, Leaves: t.Leaves()}
}

// Import replaces the tree state with the snapshot. The snapshot is fully
// validated first, on error the tree is unchanged.
func (t *Tree) Import(s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("nil snapshot")
	}
	if s.Depth != t.depth {
		return fmt.Errorf("%w: snapshot %d, tree %d", ErrDepthMismatch, s.Depth, t.depth)
	}
	if uint64(len(s.Leaves)) > t.Capacity() {
		return ErrTreeFull
	}
	keys := make([]string, len(s.Leaves))
	values := make([]*big.Int, len(s.Leaves))
	index := make(map[string]uint64, len(s.Leaves))
	for i, leaf := range s.Leaves {
		key, v, err := ParseCommitment(leaf)
		if err != nil {
			return fmt.Errorf("leaf %d: %w", i, err)
		}
		if _, ok := index[key]; ok {
			return fmt.Errorf("leaf %d: %w: %s", i, ErrDuplicateCommitment, key)
		}
		keys[i], values[i], index[key] = key, v, uint64(i)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaves, t.keys, t.index = values, keys, index
	t.cacheMu.Lock()
	t.layers, t.cached = nil, 0
	t.cacheMu.Unlock()
	return nil
}

// EmptyRoot returns the root reported for a tree without leaves.
func EmptyRoot() string {
	return emptyRoot
}

// SameRoot compares two roots given in any accepted field representation.
func SameRoot(a, b string) bool {
	av, err := crypto.ParseField(strings.TrimSpace(a))
	if err != nil {
		return false
	}
	bv, err := crypto.ParseField(strings.TrimSpace(b))
	if err != nil {
		return false
	}
	return av.Cmp(bv) == 0
}
