package indexer

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrSequenceGap is returned when the first new deposit does not follow
	// the last leaf, or the new deposits are not contiguous. The cycle is
	// aborted and retried.
	ErrSequenceGap = errors.New("deposit sequence gap")
	// ErrSequenceConflict is returned when the contract assigned an already
	// used leaf index to a commitment that is not that leaf.
	ErrSequenceConflict = errors.New("deposit sequence conflict")
)

// leafSet is the view of the tree needed to reconcile deposits.
type leafSet interface {
	Contains(commitment string) bool
	LeafCount() uint64
}

// reconcile drops the deposits already in the tree or repeated in the batch
// and returns the rest in the order the contract assigned them. deposits must
// be in chronological order. It also returns the number of duplicates.
func reconcile(leaves leafSet, deposits []*DepositEvent) ([]*DepositEvent, int, error) {
	seen := make(map[string]struct{}, len(deposits))
	fresh := make([]*DepositEvent, 0, len(deposits))
	txOrder := make(map[string]int)
	sequenced := true
	dups := 0
	for _, d := range deposits {
		if _, ok := txOrder[d.TxID]; !ok {
			txOrder[d.TxID] = len(txOrder)
		}
		if leaves.Contains(d.Commitment) {
			dups++
			continue
		}
		if _, ok := seen[d.Commitment]; ok {
			dups++
			continue
		}
		seen[d.Commitment] = struct{}{}
		if d.Sequence == nil {
			sequenced = false
		}
		fresh = append(fresh, d)
	}
	if len(fresh) == 0 {
		return nil, dups, nil
	}

	if !sequenced {
		sort.SliceStable(fresh, func(i, j int) bool {
			a, b := fresh[i], fresh[j]
			if a.BlockHeight != b.BlockHeight {
				return a.BlockHeight < b.BlockHeight
			}
			if txOrder[a.TxID] != txOrder[b.TxID] {
				return txOrder[a.TxID] < txOrder[b.TxID]
			}
			return a.EventIndex < b.EventIndex
		})
		return fresh, dups, nil
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		return *fresh[i].Sequence < *fresh[j].Sequence
	})
	expected := leaves.LeafCount()
	for _, d := range fresh {
		switch {
		case *d.Sequence < expected:
			return nil, dups, fmt.Errorf("%w: leaf %d is not %s", ErrSequenceConflict, *d.Sequence, d.Commitment)
		case *d.Sequence > expected:
			return nil, dups, fmt.Errorf("%w: expected leaf %d, got %d", ErrSequenceGap, expected, *d.Sequence)
		}
		expected++
	}
	return fresh, dups, nil
}
