package poseidon

import (
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
)

// NoteCommitment returns H(secret, amount, nonce), the tree leaf a deposit
// of the note adds. It needs no engine since no zero hashes are involved.
func NoteCommitment(secret, amount, nonce *big.Int) (*big.Int, error) {
	h, err := poseidon.Hash([]*big.Int{secret, amount, nonce})
	if err != nil {
		return nil, fmt.Errorf("note commitment: %w", err)
	}
	return h, nil
}

// NullifierHash returns H(secret, nonce), revealed when the note is spent.
func NullifierHash(secret, nonce *big.Int) (*big.Int, error) {
	h, err := poseidon.Hash([]*big.Int{secret, nonce})
	if err != nil {
		return nil, fmt.Errorf("nullifier hash: %w", err)
	}
	return h, nil
}
