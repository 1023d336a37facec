package storage

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vocdoni/stx-mixer-relayer/types"
	"github.com/vocdoni/stx-mixer-relayer/util"
)

// Artifact encoding/decoding
func encodeArtifact(a any) ([]byte, error) {
	encOpts := cbor.CoreDetEncOptions()
	em, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return em.Marshal(a)
}

func decodeArtifact(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}

func encodeIndex(i uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, i)
}

func decodeIndex(k []byte) (uint64, error) {
	if len(k) != 8 {
		return 0, fmt.Errorf("invalid leaf key %x", k)
	}
	return binary.BigEndian.Uint64(k), nil
}

// decodeLeaf converts a canonical commitment to its 32 bytes form.
func decodeLeaf(leaf string) ([]byte, error) {
	b, err := hex.DecodeString(util.TrimHex(leaf))
	if err != nil {
		return nil, err
	}
	if len(b) != types.FieldElementSize {
		return nil, fmt.Errorf("invalid commitment length %d", len(b))
	}
	return b, nil
}

func encodeLeaf(b []byte) string {
	return hex.EncodeToString(b)
}
