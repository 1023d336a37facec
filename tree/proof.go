package tree

import (
	"fmt"
	"math/big"

	"github.com/vocdoni/stx-mixer-relayer/crypto"
	"github.com/vocdoni/stx-mixer-relayer/crypto/hash/poseidon"
)

// MerkleProof is the inclusion proof of a leaf. PathElements holds one
// sibling per level, from the leaves to the root. PathIndices holds the
// position of the node at each level: 0 when the sibling is on the right, 1
// when the sibling is on the left.
type MerkleProof struct {
	Leaf         string   `json:"leaf"`
	LeafIndex    uint64   `json:"leafIndex"`
	Root         string   `json:"root"`
	PathElements []string `json:"pathElements"`
	PathIndices  []int    `json:"pathIndices"`
}

// ComputeRoot folds the proof path over the leaf and returns the resulting
// root as canonical hex.
func ComputeRoot(engine *poseidon.Engine, leaf string, pathElements []string, pathIndices []int) (string, error) {
	if len(pathElements) != len(pathIndices) {
		return "", fmt.Errorf("path length mismatch: %d elements, %d indices", len(pathElements), len(pathIndices))
	}
	node, err := crypto.ParseFieldHex(leaf)
	if err != nil {
		return "", err
	}
	for i := range pathElements {
		sibling, err := crypto.ParseFieldHex(pathElements[i])
		if err != nil {
			return "", fmt.Errorf("path element %d: %w", i, err)
		}
		var left, right *big.Int
		switch pathIndices[i] {
		case 0:
			left, right = node, sibling
		case 1:
			left, right = sibling, node
		default:
			return "", fmt.Errorf("path index %d: invalid direction %d", i, pathIndices[i])
		}
		if node, err = engine.HashPair(left, right); err != nil {
			return "", err
		}
	}
	return crypto.FieldToHex(node), nil
}

// Verify recomputes the root from the proof and compares it with the root
// the proof was issued for.
func (p *MerkleProof) Verify(engine *poseidon.Engine) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("nil proof")
	}
	if len(p.PathElements) != engine.Depth() {
		return false, fmt.Errorf("expected %d path elements, got %d", engine.Depth(), len(p.PathElements))
	}
	root, err := ComputeRoot(engine, p.Leaf, p.PathElements, p.PathIndices)
	if err != nil {
		return false, err
	}
	return SameRoot(root, p.Root), nil
}

// LeafIndexFromPath rebuilds the leaf index encoded by the direction bits.
func LeafIndexFromPath(pathIndices []int) uint64 {
	var idx uint64
	for i := len(pathIndices) - 1; i >= 0; i-- {
		idx = idx<<1 | uint64(pathIndices[i]&1)
	}
	return idx
}
