package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/stx-mixer-relayer/crypto"
	"github.com/vocdoni/stx-mixer-relayer/crypto/hash/poseidon"
	"github.com/vocdoni/stx-mixer-relayer/signer"
	"github.com/vocdoni/stx-mixer-relayer/tree"
	"github.com/vocdoni/stx-mixer-relayer/types"
)

const testKey = "0000000000000000000000000000000000000000000000000000000000000001"

func leavesFile(c *qt.C, n int) (string, []string) {
	var leaves []string
	var buf strings.Builder
	buf.WriteString("# deposits\n\n")
	for i := 1; i <= n; i++ {
		l := crypto.FieldToHex(big.NewInt(int64(i * 1000)))
		leaves = append(leaves, l)
		buf.WriteString(l + "\n")
	}
	path := filepath.Join(c.TempDir(), "leaves.txt")
	c.Assert(os.WriteFile(path, []byte(buf.String()), 0o600), qt.IsNil)
	return path, leaves
}

func TestRootAndProof(t *testing.T) {
	c := qt.New(t)
	path, leaves := leavesFile(c, 5)
	ctx := context.Background()

	var out bytes.Buffer
	c.Assert(run(ctx, []string{"root", "--leaves", path}, &out), qt.IsNil)
	res := struct {
		Root   string `json:"root"`
		Leaves uint64 `json:"leaves"`
	}{}
	c.Assert(json.Unmarshal(out.Bytes(), &res), qt.IsNil)
	c.Assert(res.Leaves, qt.Equals, uint64(5))
	c.Assert(res.Root, qt.Not(qt.Equals), tree.EmptyRoot())

	out.Reset()
	c.Assert(run(ctx, []string{"proof", "--leaves", path, "--commitment", leaves[3]}, &out), qt.IsNil)
	proof := &tree.MerkleProof{}
	c.Assert(json.Unmarshal(out.Bytes(), proof), qt.IsNil)
	c.Assert(proof.LeafIndex, qt.Equals, uint64(3))
	c.Assert(proof.Root, qt.Equals, res.Root)
	c.Assert(proof.PathElements, qt.HasLen, types.TreeDepth)

	err := run(ctx, []string{"proof", "--leaves", path, "--commitment", crypto.FieldToHex(big.NewInt(7))}, &out)
	c.Assert(err, qt.ErrorMatches, "commitment not found.*")
}

func TestSignAndAddress(t *testing.T) {
	c := qt.New(t)
	t.Setenv("RELAYER_TOOL_TEST_KEY", testKey)
	ctx := context.Background()

	var out bytes.Buffer
	c.Assert(run(ctx, []string{"address", "--key", "env:RELAYER_TOOL_TEST_KEY", "--network", "mainnet"}, &out), qt.IsNil)
	addr := map[string]string{}
	c.Assert(json.Unmarshal(out.Bytes(), &addr), qt.IsNil)
	c.Assert(strings.HasPrefix(addr["address"], "SP"), qt.IsTrue)
	c.Assert(addr["network"], qt.Equals, "mainnet")

	out.Reset()
	c.Assert(run(ctx, []string{"sign",
		"--key", testKey,
		"--nullifier", "0x0b4f2c1e5a9d6c3b8e7f00112233445566778899aabbccddeeff001122334455",
		"--root", "1c9a8d7b6e5f4a3b2c1d0e0f1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d",
		"--recipient", "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7",
		"--amount", "1000000",
	}, &out), qt.IsNil)
	signed := &signer.SignedMessage{}
	c.Assert(json.Unmarshal(out.Bytes(), signed), qt.IsNil)
	c.Assert(signed.MessageHash.String(), qt.Equals, "d44f0b9ae091a1dd878b6bff02da8fcfd025e8c5c74bbd091145e49869fdb68d")
	c.Assert(signed.Signature, qt.HasLen, types.SignatureSize)
}

func TestUnknownCommand(t *testing.T) {
	c := qt.New(t)
	c.Assert(run(context.Background(), nil, &bytes.Buffer{}), qt.ErrorMatches, "(?s)usage: .*")
	c.Assert(run(context.Background(), []string{"frobnicate"}, &bytes.Buffer{}), qt.ErrorMatches, `(?s)unknown command "frobnicate".*`)
}

func TestNote(t *testing.T) {
	c := qt.New(t)
	var out bytes.Buffer
	c.Assert(run(context.Background(), []string{"note", "--secret", "5", "--amount", "1000000", "--nonce", "3"}, &out), qt.IsNil)
	res := map[string]any{}
	c.Assert(json.Unmarshal(out.Bytes(), &res), qt.IsNil)

	cm, err := poseidon.NoteCommitment(big.NewInt(5), big.NewInt(1_000_000), big.NewInt(3))
	c.Assert(err, qt.IsNil)
	nh, err := poseidon.NullifierHash(big.NewInt(5), big.NewInt(3))
	c.Assert(err, qt.IsNil)
	c.Assert(res["commitment"], qt.Equals, crypto.FieldToHex(cm))
	c.Assert(res["nullifierHash"], qt.Equals, crypto.FieldToHex(nh))

	_, hasRecipient := res["recipientSignal"]
	c.Assert(hasRecipient, qt.IsFalse)

	out.Reset()
	c.Assert(run(context.Background(), []string{"note", "--secret", "5", "--recipient", "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"}, &out), qt.IsNil)
	res = map[string]any{}
	c.Assert(json.Unmarshal(out.Bytes(), &res), qt.IsNil)
	c.Assert(res["recipientSignal"], qt.Equals, "7324623534011896737163994619343952057734609738471216909021014791434015356862")

	c.Assert(run(context.Background(), []string{"note", "--secret", "0xzz"}, &out), qt.ErrorMatches, "secret: .*")
}
