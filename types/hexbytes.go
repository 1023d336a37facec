package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexBytes is a []byte which encodes as hexadecimal in json, as opposed to
// the base64 default.
type HexBytes []byte

func (b HexBytes) String() string {
	return hex.EncodeToString(b)
}

// Hex returns the 0x prefixed hexadecimal representation.
func (b HexBytes) Hex() string {
	return "0x" + hex.EncodeToString(b)
}

// LeftPad returns a copy of b padded with leading zeros up to n bytes. If b is
// longer than n, it is returned unchanged.
func (b HexBytes) LeftPad(n int) HexBytes {
	if len(b) >= n {
		return b
	}
	out := make(HexBytes, n)
	copy(out[n-len(b):], b)
	return out
}

func (b HexBytes) MarshalJSON() ([]byte, error) {
	enc := make([]byte, hex.EncodedLen(len(b))+4)
	enc[0] = '"'
	enc[1] = '0'
	enc[2] = 'x'
	hex.Encode(enc[3:], b)
	enc[len(enc)-1] = '"'
	return enc, nil
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid JSON string: %q", data)
	}
	decoded, err := HexStringToHexBytes(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// HexStringToHexBytes decodes a hex string, with or without the 0x prefix.
func HexStringToHexBytes(s string) (HexBytes, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return b, nil
}

// HexStringToHexBytesMustUnmarshal is like HexStringToHexBytes but panics on
// error. Only for constants and tests.
func HexStringToHexBytesMustUnmarshal(s string) HexBytes {
	b, err := HexStringToHexBytes(s)
	if err != nil {
		panic(err)
	}
	return b
}
