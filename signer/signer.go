package signer

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/vocdoni/stx-mixer-relayer/log"
	"github.com/vocdoni/stx-mixer-relayer/stacks"
	"github.com/vocdoni/stx-mixer-relayer/types"
)

// compressedKeySuffix marks Stacks private keys whose public key is used in
// compressed form. It is accepted and ignored.
const compressedKeySuffix = 0x01

// SignedMessage is the result of signing a withdrawal. It is never cached.
type SignedMessage struct {
	Message     types.HexBytes `json:"message"`
	MessageHash types.HexBytes `json:"messageHash"`
	// Signature is r || s || v, v in {0, 1}.
	Signature types.HexBytes `json:"signature"`
}

// Signer holds the relayer secp256k1 key.
type Signer struct {
	key *ecdsa.PrivateKey
	pub []byte
}

// New returns a signer for a hex encoded private key. Keys of 33 bytes with
// the trailing compression flag used by Stacks wallets are accepted.
func New(hexKey string) (*Signer, error) {
	b := ethcommon.FromHex(strings.TrimSpace(hexKey))
	if len(b) == 33 && b[32] == compressedKeySuffix {
		b = b[:32]
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("invalid private key length %d", len(b))
	}
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewFromKey(key), nil
}

// NewFromKey returns a signer for key.
func NewFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, pub: ethcrypto.CompressPubkey(&key.PublicKey)}
}

// PrivateKey returns the key, used to sign the chain transactions.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

// PublicKey returns the compressed public key.
func (s *Signer) PublicKey() types.HexBytes {
	return append(types.HexBytes(nil), s.pub...)
}

// Address returns the Stacks address of the key for the address version.
func (s *Signer) Address(version byte) stacks.Address {
	return stacks.AddressFromPublicKey(version, s.pub)
}

// SignWithdrawal encodes and signs a withdrawal authorization. The nullifier
// and root must be 64 hex chars field elements and recipient a Stacks
// principal.
func (s *Signer) SignWithdrawal(nullifier, recipient string, amount uint64, root string) (*SignedMessage, error) {
	n, err := FieldBytes(nullifier)
	if err != nil {
		return nil, fmt.Errorf("nullifier: %w", err)
	}
	r, err := FieldBytes(root)
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	p, err := stacks.ParsePrincipal(recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	msg, err := EncodeWithdrawal(n, r, p, amount)
	if err != nil {
		return nil, err
	}
	return s.Sign(msg)
}

// Sign signs the SHA-256 digest of msg.
func (s *Signer) Sign(msg []byte) (*SignedMessage, error) {
	hash := sha256.Sum256(msg)
	sig, err := ethcrypto.Sign(hash[:], s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	log.Debugw("withdrawal message signed",
		"hash", types.HexBytes(hash[:]).String(),
		"size", len(msg))
	return &SignedMessage{
		Message:     msg,
		MessageHash: hash[:],
		Signature:   sig,
	}, nil
}

// Recover returns the compressed public key that produced sig over hash.
func Recover(hash, sig []byte) (types.HexBytes, error) {
	if len(sig) != types.SignatureSize {
		return nil, fmt.Errorf("invalid signature length %d", len(sig))
	}
	pub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return nil, err
	}
	return ethcrypto.CompressPubkey(pub), nil
}

// Verify reports whether the signed message was produced by this signer.
func (s *Signer) Verify(m *SignedMessage) bool {
	hash := sha256.Sum256(m.Message)
	if !bytes.Equal(hash[:], m.MessageHash) {
		return false
	}
	pub, err := Recover(m.MessageHash, m.Signature)
	return err == nil && bytes.Equal(pub, s.pub)
}
