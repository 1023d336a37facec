package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/vocdoni/stx-mixer-relayer/types"
	"github.com/vocdoni/stx-mixer-relayer/util"
)

// SerializedFieldSize is the size of a field element serialized as bytes.
const SerializedFieldSize = types.FieldElementSize

// ErrInvalidFieldElement is returned when a value cannot be parsed as a
// canonical field element.
var ErrInvalidFieldElement = errors.New("invalid field element")

// FieldModulus returns the BN254 scalar field modulus used by the circuits.
func FieldModulus() *big.Int {
	return fr.Modulus()
}

// BigToFF function returns the finite field representation of the big.Int
// provided. It uses Euclidean Modulus and the BN254 scalar field.
func BigToFF(iv *big.Int) *big.Int {
	z := big.NewInt(0)
	mod := fr.Modulus()
	if c := iv.Cmp(mod); c == 0 {
		return z
	} else if c != 1 && iv.Sign() != -1 {
		return new(big.Int).Set(iv)
	}
	return z.Mod(iv, mod)
}

// IsCanonical reports whether v is in the range [0, r).
func IsCanonical(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(fr.Modulus()) < 0
}

// ParseFieldHex parses a fixed width field element: exactly 64 hex chars,
// with or without 0x prefix, holding a value lower than the field modulus.
func ParseFieldHex(s string) (*big.Int, error) {
	h := util.TrimHex(strings.TrimSpace(s))
	if len(h) != types.FieldElementHexLen {
		return nil, fmt.Errorf("%w: expected %d hex chars, got %d", ErrInvalidFieldElement, types.FieldElementHexLen, len(h))
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFieldElement, err)
	}
	v := new(big.Int).SetBytes(b)
	if !IsCanonical(v) {
		return nil, fmt.Errorf("%w: value exceeds field modulus", ErrInvalidFieldElement)
	}
	return v, nil
}

// ParseField parses a field element from any of the representations used by
// clients and provers: 0x prefixed hex of any width up to 32 bytes, 64 chars
// unprefixed hex or a decimal string. An unprefixed string of exactly 64
// chars is read as hex, unless only its decimal reading is canonical. See
// DecimalReading for the other reading. The value must be canonical.
func ParseField(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidFieldElement)
	}
	var (
		v  *big.Int
		ok bool
	)
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		if len(s) == 2 || len(s) > 2+types.FieldElementHexLen {
			return nil, fmt.Errorf("%w: bad hex length", ErrInvalidFieldElement)
		}
		v, ok = new(big.Int).SetString(s[2:], 16)
	case len(s) == types.FieldElementHexLen:
		v, ok = new(big.Int).SetString(s, 16)
		if ok && !IsCanonical(v) {
			if d, isDec := DecimalReading(s); isDec {
				v = d
			}
		}
	case isDecimal(s):
		v, ok = new(big.Int).SetString(s, 10)
	}
	if !ok {
		return nil, fmt.Errorf("%w: cannot parse %q", ErrInvalidFieldElement, s)
	}
	if !IsCanonical(v) {
		return nil, fmt.Errorf("%w: value exceeds field modulus", ErrInvalidFieldElement)
	}
	return v, nil
}

// DecimalReading returns the decimal value of an unprefixed 64 digit string,
// which ParseField reads as hex. ok is false for any other input or when the
// decimal value is not canonical.
func DecimalReading(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if len(s) != types.FieldElementHexLen || !isDecimal(s) {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || !IsCanonical(v) {
		return nil, false
	}
	return v, true
}

// ParseSignal parses a proof public signal. Provers write them as decimal
// strings, so unlike ParseField an unprefixed value is always decimal. A 0x
// prefix selects hex.
func ParseSignal(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return ParseField(s)
	}
	if s == "" || !isDecimal(s) {
		return nil, fmt.Errorf("%w: cannot parse signal %q", ErrInvalidFieldElement, s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || !IsCanonical(v) {
		return nil, fmt.Errorf("%w: signal out of range", ErrInvalidFieldElement)
	}
	return v, nil
}

// FieldToBytes returns the 32 byte big-endian representation of v.
func FieldToBytes(v *big.Int) []byte {
	out := make([]byte, SerializedFieldSize)
	return v.FillBytes(out)
}

// FieldToHex returns the canonical representation of a field element: 64
// lowercase hex characters without prefix.
func FieldToHex(v *big.Int) string {
	return hex.EncodeToString(FieldToBytes(v))
}

// NormalizeFieldHex parses a field element in any accepted representation and
// returns its canonical 64 hex chars form.
func NormalizeFieldHex(s string) (string, error) {
	v, err := ParseField(s)
	if err != nil {
		return "", err
	}
	return FieldToHex(v), nil
}

func isDecimal(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
