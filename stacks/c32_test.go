package stacks

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"
)

func mustHash160(c *qt.C, s string) [20]byte {
	b, err := hex.DecodeString(s)
	c.Assert(err, qt.IsNil)
	c.Assert(b, qt.HasLen, 20)
	var h [20]byte
	copy(h[:], b)
	return h
}

func TestAddressVectors(t *testing.T) {
	c := qt.New(t)
	vectors := []struct {
		version byte
		hash    string
		address string
	}{
		{AddressVersionMainnetSingleSig, "a46ff88886c2ef9762d970b4d2c63678835bd39d", "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"},
		{AddressVersionTestnetSingleSig, "6d78de7b0625dfbfc16c3a8a5735f6dc3dc3f2ce", "ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM"},
		{AddressVersionMainnetSingleSig, "00a46ff88886c2ef9762d970b4d2c63678835bd3", "SP0A8VZRH23C5VWQCBCQ1D6JRRV7H0TVTE46V9CD"},
	}
	for _, v := range vectors {
		a := Address{Version: v.version, Hash160: mustHash160(c, v.hash)}
		c.Assert(a.String(), qt.Equals, v.address)

		parsed, err := ParseAddress(v.address)
		c.Assert(err, qt.IsNil)
		c.Assert(parsed, qt.Equals, a)
	}
}

func TestParseAddressErrors(t *testing.T) {
	c := qt.New(t)
	_, err := ParseAddress("SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ8")
	c.Assert(err, qt.ErrorIs, ErrInvalidAddress)
	_, err = ParseAddress("0x1234")
	c.Assert(err, qt.ErrorIs, ErrInvalidAddress)
	_, err = ParseAddress("SPU!")
	c.Assert(err, qt.ErrorIs, ErrInvalidAddress)
	_, err = ParseAddress("")
	c.Assert(err, qt.ErrorIs, ErrInvalidAddress)

	// lower case and crockford aliases are accepted
	a, err := ParseAddress("sp2j6zy48gv1ez5v2v5rb9mp66sw86pykknrv9ej7")
	c.Assert(err, qt.IsNil)
	c.Assert(a.String(), qt.Equals, "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7")
	c.Assert(a.IsMainnet(), qt.IsTrue)
}

func TestAddressFromPublicKey(t *testing.T) {
	c := qt.New(t)
	key, err := crypto.ToECDSA(common.LeftPadBytes([]byte{1}, 32))
	c.Assert(err, qt.IsNil)
	pub := crypto.CompressPubkey(&key.PublicKey)
	c.Assert(hex.EncodeToString(pub), qt.Equals,
		"0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")

	h := Hash160(pub)
	c.Assert(hex.EncodeToString(h[:]), qt.Equals, "751e76e8199196d454941c45d1b3a323f1433bd6")

	c.Assert(AddressFromPublicKey(AddressVersionMainnetSingleSig, pub).String(), qt.Equals,
		"SP1THWXQ8368SDN2MJGE4BMDKMCHZ2GSVTS1X0BPM")
	testnet := AddressFromPublicKey(AddressVersionTestnetSingleSig, pub)
	c.Assert(testnet.String(), qt.Equals, "ST1THWXQ8368SDN2MJGE4BMDKMCHZ2GSVTSQDA7QF")
	c.Assert(testnet.IsMainnet(), qt.IsFalse)
}

func TestParsePrincipal(t *testing.T) {
	c := qt.New(t)
	p, err := ParsePrincipal("SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7.mixer-vault")
	c.Assert(err, qt.IsNil)
	c.Assert(p.IsContract(), qt.IsTrue)
	c.Assert(p.ContractName, qt.Equals, "mixer-vault")
	c.Assert(p.String(), qt.Equals, "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7.mixer-vault")

	p, err = ParsePrincipal("SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7")
	c.Assert(err, qt.IsNil)
	c.Assert(p.IsContract(), qt.IsFalse)

	for _, bad := range []string{
		"SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7.",
		"SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7.1abc",
		"SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7.bad name",
		"not-a-principal",
	} {
		_, err := ParsePrincipal(bad)
		c.Assert(err, qt.ErrorIs, ErrInvalidPrincipal, qt.Commentf("%q", bad))
	}
	c.Assert(func() { MustParsePrincipal("nope") }, qt.PanicMatches, ".*invalid principal.*")
}
