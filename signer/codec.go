// Package signer builds the withdrawal authorization checked by the mixer
// contract: the consensus encoded withdrawal message and the relayer's
// recoverable secp256k1 signature over its SHA-256 digest.
package signer

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/vocdoni/stx-mixer-relayer/crypto"
	"github.com/vocdoni/stx-mixer-relayer/stacks"
)

// ErrEncoding is returned when a withdrawal value cannot be canonically
// serialized.
var ErrEncoding = errors.New("withdrawal encoding")

// EncodeWithdrawal returns the message the contract rebuilds on withdraw:
//
//	nullifier(32) || root(32) || serialize(recipient) || serialize(u amount)
//
// Both serialized values keep their Clarity type prefix.
func EncodeWithdrawal(nullifier, root [32]byte, recipient stacks.Principal, amount uint64) ([]byte, error) {
	principal, err := stacks.Serialize(stacks.PrincipalValue{Principal: recipient})
	if err != nil {
		return nil, fmt.Errorf("%w: recipient: %v", ErrEncoding, err)
	}
	value, err := stacks.Serialize(stacks.NewUInt(amount))
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", ErrEncoding, err)
	}
	msg := make([]byte, 0, 64+len(principal)+len(value))
	msg = append(msg, nullifier[:]...)
	msg = append(msg, root[:]...)
	msg = append(msg, principal...)
	msg = append(msg, value...)
	return msg, nil
}

// RecipientField returns the field element a withdrawal proof commits to for
// recipient: SHA-256 of the consensus serialized principal, as a big-endian
// integer reduced modulo the BN254 scalar field. The type prefix and the
// address version are part of the hash, so a proof for a mainnet address
// does not match its testnet twin.
func RecipientField(recipient stacks.Principal) (*big.Int, error) {
	principal, err := stacks.Serialize(stacks.PrincipalValue{Principal: recipient})
	if err != nil {
		return nil, fmt.Errorf("%w: recipient: %v", ErrEncoding, err)
	}
	sum := sha256.Sum256(principal)
	return crypto.BigToFF(new(big.Int).SetBytes(sum[:])), nil
}

// NormalizeField converts a field element given as a decimal string (as
// found in the proof public signals) or as hex into the 64 hex chars form
// used in the withdrawal message.
func NormalizeField(s string) (string, error) {
	h, err := crypto.NormalizeFieldHex(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return h, nil
}

// FieldBytes parses a fixed width (64 hex chars) field element into its 32
// byte big-endian form.
func FieldBytes(s string) ([32]byte, error) {
	var out [32]byte
	v, err := crypto.ParseFieldHex(s)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	copy(out[:], crypto.FieldToBytes(v))
	return out, nil
}
