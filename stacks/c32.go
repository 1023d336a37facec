package stacks

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/ripemd160"
)

const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// Address versions of single and multi signature accounts.
const (
	AddressVersionMainnetSingleSig byte = 22
	AddressVersionMainnetMultiSig  byte = 20
	AddressVersionTestnetSingleSig byte = 26
	AddressVersionTestnetMultiSig  byte = 21
)

// ErrInvalidAddress is returned when a string is not a valid c32check
// encoded address.
var ErrInvalidAddress = errors.New("invalid stacks address")

// Address is a Stacks account address: a version byte and the hash160 of the
// account public key (or redeem script).
type Address struct {
	Version byte
	Hash160 [20]byte
}

// String returns the c32check encoding of the address.
func (a Address) String() string {
	payload := make([]byte, 0, 24)
	payload = append(payload, a.Hash160[:]...)
	payload = append(payload, c32Checksum(a.Version, a.Hash160[:])...)
	return "S" + string(c32Alphabet[a.Version&0x1f]) + c32Encode(payload)
}

// IsMainnet reports whether the address version belongs to mainnet.
func (a Address) IsMainnet() bool {
	return a.Version == AddressVersionMainnetSingleSig || a.Version == AddressVersionMainnetMultiSig
}

// ParseAddress decodes a c32check address and verifies its checksum.
func ParseAddress(s string) (Address, error) {
	s = c32Normalize(strings.TrimSpace(s))
	if len(s) < 3 || s[0] != 'S' {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	version := strings.IndexByte(c32Alphabet, s[1])
	if version < 0 {
		return Address{}, fmt.Errorf("%w: bad version char %q", ErrInvalidAddress, s[1])
	}
	payload, err := c32Decode(s[2:])
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(payload) != 24 {
		return Address{}, fmt.Errorf("%w: payload length %d", ErrInvalidAddress, len(payload))
	}
	var a Address
	a.Version = byte(version)
	copy(a.Hash160[:], payload[:20])
	if !bytes.Equal(c32Checksum(a.Version, a.Hash160[:]), payload[20:]) {
		return Address{}, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	return a, nil
}

// Hash160 returns RIPEMD160(SHA256(data)).
func Hash160(data []byte) [20]byte {
	sha := sha256.Sum256(data)
	h := ripemd160.New()
	h.Write(sha[:])
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// AddressFromPublicKey returns the single signature address of a compressed
// public key.
func AddressFromPublicKey(version byte, compressedPubKey []byte) Address {
	return Address{Version: version, Hash160: Hash160(compressedPubKey)}
}

func c32Checksum(version byte, data []byte) []byte {
	first := sha256.Sum256(append([]byte{version}, data...))
	second := sha256.Sum256(first[:])
	return second[:4]
}

// c32Encode encodes data as a big endian base 32 number with the Crockford
// alphabet, keeping one '0' per leading zero byte.
func c32Encode(data []byte) string {
	n := new(big.Int).SetBytes(data)
	base := big.NewInt(32)
	mod := new(big.Int)
	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		out = append(out, c32Alphabet[mod.Int64()])
	}
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, '0')
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func c32Decode(s string) ([]byte, error) {
	zeros := 0
	for zeros < len(s) && s[zeros] == '0' {
		zeros++
	}
	n := new(big.Int)
	base := big.NewInt(32)
	for i := zeros; i < len(s); i++ {
		d := strings.IndexByte(c32Alphabet, s[i])
		if d < 0 {
			return nil, fmt.Errorf("invalid c32 char %q", s[i])
		}
		n.Mul(n, base)
		n.Add(n, big.NewInt(int64(d)))
	}
	return append(make([]byte, zeros), n.Bytes()...), nil
}

func c32Normalize(s string) string {
	s = strings.ToUpper(s)
	return strings.NewReplacer("O", "0", "L", "1", "I", "1").Replace(s)
}
