package tree

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/stx-mixer-relayer/crypto"
	"github.com/vocdoni/stx-mixer-relayer/crypto/hash/poseidon"
	"github.com/vocdoni/stx-mixer-relayer/types"
)

func newTestTree(c *qt.C, depth int) (*Tree, *poseidon.Engine) {
	e := poseidon.NewEngine(depth)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.Assert(e.Wait(ctx), qt.IsNil)
	t, err := New(e, depth)
	c.Assert(err, qt.IsNil)
	return t, e
}

// commitment derives a deterministic commitment H(secret, amount, nonce).
func commitment(c *qt.C, i int) string {
	h, err := poseidon.NoteCommitment(big.NewInt(int64(1000+i)), big.NewInt(1_000_000), big.NewInt(int64(i)))
	c.Assert(err, qt.IsNil)
	return crypto.FieldToHex(h)
}

// naiveRoot recomputes the root level by level without any caching.
func naiveRoot(c *qt.C, e *poseidon.Engine, leaves []string) string {
	if len(leaves) == 0 {
		return EmptyRoot()
	}
	zeros, err := e.Zeros()
	c.Assert(err, qt.IsNil)
	nodes := make([]*big.Int, len(leaves))
	for i, l := range leaves {
		nodes[i], err = crypto.ParseFieldHex(l)
		c.Assert(err, qt.IsNil)
	}
	for level := 0; level < e.Depth(); level++ {
		var next []*big.Int
		for j := 0; j < len(nodes); j += 2 {
			right := zeros[level]
			if j+1 < len(nodes) {
				right = nodes[j+1]
			}
			h, err := e.HashPair(nodes[j], right)
			c.Assert(err, qt.IsNil)
			next = append(next, h)
		}
		nodes = next
	}
	return crypto.FieldToHex(nodes[0])
}

func TestEmptyTreeRoot(t *testing.T) {
	c := qt.New(t)
	tr, _ := newTestTree(c, types.TreeDepth)
	root, err := tr.Root()
	c.Assert(err, qt.IsNil)
	c.Assert(root, qt.Equals, strings.Repeat("0", 64))
	c.Assert(tr.LeafCount(), qt.Equals, uint64(0))
}

func TestSingleLeafProofUsesZeroCache(t *testing.T) {
	c := qt.New(t)
	tr, e := newTestTree(c, types.TreeDepth)
	leaf := commitment(c, 0)
	idx, err := tr.AddLeaf(leaf)
	c.Assert(err, qt.IsNil)
	c.Assert(idx, qt.Equals, uint64(0))

	zeros, err := e.Zeros()
	c.Assert(err, qt.IsNil)
	proof, err := tr.Proof(leaf)
	c.Assert(err, qt.IsNil)
	c.Assert(proof.PathElements, qt.HasLen, types.TreeDepth)
	c.Assert(proof.PathIndices, qt.HasLen, types.TreeDepth)
	for i := 0; i < types.TreeDepth; i++ {
		c.Assert(proof.PathElements[i], qt.Equals, crypto.FieldToHex(zeros[i]), qt.Commentf("level %d", i))
		c.Assert(proof.PathIndices[i], qt.Equals, 0)
	}
	root, err := tr.Root()
	c.Assert(err, qt.IsNil)
	c.Assert(proof.Root, qt.Equals, root)
	c.Assert(root, qt.Not(qt.Equals), EmptyRoot())
}

func TestRootMatchesLevelByLevelRecomputation(t *testing.T) {
	c := qt.New(t)
	tr, e := newTestTree(c, types.TreeDepth)
	var leaves []string
	for i := 0; i < 11; i++ {
		leaves = append(leaves, commitment(c, i))
		_, err := tr.AddLeaf(leaves[i])
		c.Assert(err, qt.IsNil)
		root, err := tr.Root()
		c.Assert(err, qt.IsNil)
		c.Assert(root, qt.Equals, naiveRoot(c, e, leaves), qt.Commentf("%d leaves", i+1))
	}
}

func TestRootDeterminism(t *testing.T) {
	c := qt.New(t)
	a, _ := newTestTree(c, types.TreeDepth)
	b, _ := newTestTree(c, types.TreeDepth)
	var leaves []string
	for i := 0; i < 7; i++ {
		leaves = append(leaves, commitment(c, i))
	}
	// one by one, reading the root in between
	for _, l := range leaves {
		_, err := a.AddLeaf(l)
		c.Assert(err, qt.IsNil)
		_, err = a.Root()
		c.Assert(err, qt.IsNil)
	}
	// as a single batch
	first, err := b.AddLeaves(leaves)
	c.Assert(err, qt.IsNil)
	c.Assert(first, qt.Equals, uint64(0))

	ra, err := a.Root()
	c.Assert(err, qt.IsNil)
	rb, err := b.Root()
	c.Assert(err, qt.IsNil)
	c.Assert(ra, qt.Equals, rb)
	ra2, err := a.Root()
	c.Assert(err, qt.IsNil)
	c.Assert(ra2, qt.Equals, ra)
}

func TestProofRoundTrip(t *testing.T) {
	c := qt.New(t)
	tr, e := newTestTree(c, types.TreeDepth)
	var leaves []string
	for i := 0; i < 9; i++ {
		leaves = append(leaves, commitment(c, i))
	}
	_, err := tr.AddLeaves(leaves)
	c.Assert(err, qt.IsNil)
	root, err := tr.Root()
	c.Assert(err, qt.IsNil)

	for i, l := range leaves {
		proof, err := tr.Proof(l)
		c.Assert(err, qt.IsNil)
		c.Assert(proof.LeafIndex, qt.Equals, uint64(i))
		c.Assert(LeafIndexFromPath(proof.PathIndices), qt.Equals, uint64(i))
		c.Assert(proof.PathElements, qt.HasLen, types.TreeDepth)
		computed, err := ComputeRoot(e, l, proof.PathElements, proof.PathIndices)
		c.Assert(err, qt.IsNil)
		c.Assert(computed, qt.Equals, root)
		ok, err := proof.Verify(e)
		c.Assert(err, qt.IsNil)
		c.Assert(ok, qt.IsTrue)
	}

	// a proof taken before an append still verifies against its own root
	// but not against the new one
	proof, err := tr.Proof(leaves[8])
	c.Assert(err, qt.IsNil)
	_, err = tr.AddLeaf(commitment(c, 100))
	c.Assert(err, qt.IsNil)
	newRoot, err := tr.Root()
	c.Assert(err, qt.IsNil)
	c.Assert(newRoot, qt.Not(qt.Equals), root)
	ok, err := proof.Verify(e)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(SameRoot(proof.Root, newRoot), qt.IsFalse)

	// tampered sibling
	proof.PathElements[3] = crypto.FieldToHex(big.NewInt(1))
	ok, err = proof.Verify(e)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)
}

func TestDuplicateLeaf(t *testing.T) {
	c := qt.New(t)
	tr, _ := newTestTree(c, types.TreeDepth)
	leaf := commitment(c, 1)
	_, err := tr.AddLeaf(leaf)
	c.Assert(err, qt.IsNil)
	_, err = tr.AddLeaf("0x" + strings.ToUpper(leaf))
	c.Assert(err, qt.ErrorIs, ErrDuplicateCommitment)
	c.Assert(tr.LeafCount(), qt.Equals, uint64(1))

	// a batch with a duplicate is rejected as a whole
	_, err = tr.AddLeaves([]string{commitment(c, 2), leaf})
	c.Assert(err, qt.ErrorIs, ErrDuplicateCommitment)
	_, err = tr.AddLeaves([]string{commitment(c, 3), commitment(c, 3)})
	c.Assert(err, qt.ErrorIs, ErrDuplicateCommitment)
	c.Assert(tr.LeafCount(), qt.Equals, uint64(1))
}

func TestStrictLookup(t *testing.T) {
	c := qt.New(t)
	tr, _ := newTestTree(c, types.TreeDepth)
	leaf := commitment(c, 1)
	_, err := tr.AddLeaf(leaf)
	c.Assert(err, qt.IsNil)

	_, err = tr.Proof(leaf[:20])
	c.Assert(err, qt.ErrorIs, ErrInvalidCommitment)
	_, err = tr.Proof(commitment(c, 2))
	c.Assert(err, qt.ErrorIs, ErrCommitmentNotFound)
	c.Assert(tr.Contains(leaf[:63]), qt.IsFalse)
	c.Assert(tr.Contains("0x"+leaf), qt.IsTrue)

	_, err = tr.AddLeaf("1234")
	c.Assert(err, qt.ErrorIs, ErrInvalidCommitment)
	_, err = tr.AddLeaf(crypto.FieldToHex(crypto.FieldModulus()))
	c.Assert(err, qt.ErrorIs, ErrInvalidCommitment)
}

func TestTreeFull(t *testing.T) {
	c := qt.New(t)
	tr, _ := newTestTree(c, 2)
	_, err := tr.AddLeaves([]string{commitment(c, 0), commitment(c, 1), commitment(c, 2)})
	c.Assert(err, qt.IsNil)
	_, err = tr.AddLeaves([]string{commitment(c, 3), commitment(c, 4)})
	c.Assert(err, qt.ErrorIs, ErrTreeFull)
	_, err = tr.AddLeaf(commitment(c, 3))
	c.Assert(err, qt.IsNil)
	_, err = tr.AddLeaf(commitment(c, 4))
	c.Assert(err, qt.ErrorIs, ErrTreeFull)
}

func TestExportImport(t *testing.T) {
	c := qt.New(t)
	tr, e := newTestTree(c, types.TreeDepth)
	for i := 0; i < 5; i++ {
		_, err := tr.AddLeaf(commitment(c, i))
		c.Assert(err, qt.IsNil)
	}
	root, err := tr.Root()
	c.Assert(err, qt.IsNil)

	snap := tr.Export()
	c.Assert(snap.Depth, qt.Equals, types.TreeDepth)
	c.Assert(snap.Leaves, qt.HasLen, 5)

	restored, err := New(e, types.TreeDepth)
	c.Assert(err, qt.IsNil)
	c.Assert(restored.Import(snap), qt.IsNil)
	r2, err := restored.Root()
	c.Assert(err, qt.IsNil)
	c.Assert(r2, qt.Equals, root)
	c.Assert(restored.Leaves(), qt.DeepEquals, tr.Leaves())

	c.Assert(restored.Import(&Snapshot{Depth: 16, Leaves: snap.Leaves}), qt.ErrorIs, ErrDepthMismatch)
	bad := &Snapshot{Depth: types.TreeDepth, Leaves: []string{snap.Leaves[0], snap.Leaves[0]}}
	c.Assert(restored.Import(bad), qt.ErrorIs, ErrDuplicateCommitment)
	// failed imports keep the previous state
	c.Assert(restored.LeafCount(), qt.Equals, uint64(5))
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	c := qt.New(t)
	tr, e := newTestTree(c, types.TreeDepth)
	first := commitment(c, 0)
	_, err := tr.AddLeaf(first)
	c.Assert(err, qt.IsNil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i < 30; i++ {
			_, err := tr.AddLeaf(commitment(c, i))
			c.Check(err, qt.IsNil)
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				proof, err := tr.Proof(first)
				if !c.Check(err, qt.IsNil) {
					return
				}
				ok, err := proof.Verify(e)
				c.Check(err, qt.IsNil)
				c.Check(ok, qt.IsTrue, qt.Commentf("proof %s", fmt.Sprint(proof.Root)))
			}
		}()
	}
	wg.Wait()
	c.Assert(tr.LeafCount(), qt.Equals, uint64(30))
	root, err := tr.Root()
	c.Assert(err, qt.IsNil)
	c.Assert(root, qt.Equals, naiveRoot(c, e, tr.Leaves()))
}
