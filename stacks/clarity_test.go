package stacks

import (
	"encoding/hex"
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
)

const testAddress = "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"

func TestSerializeVectors(t *testing.T) {
	c := qt.New(t)
	vectors := []struct {
		name  string
		value Value
		hex   string
	}{
		{"uint", NewUInt(1000000), "01000000000000000000000000000f4240"},
		{"int negative", NewInt(-1), "00ffffffffffffffffffffffffffffffff"},
		{"int positive", NewInt(1), "0000000000000000000000000000000001"},
		{"buffer", Buffer{0xde, 0xad}, "0200000002dead"},
		{"true", Bool(true), "03"},
		{"false", Bool(false), "04"},
		{
			"standard principal",
			PrincipalValue{MustParsePrincipal(testAddress)},
			"0516a46ff88886c2ef9762d970b4d2c63678835bd39d",
		},
		{
			"contract principal",
			PrincipalValue{MustParsePrincipal(testAddress + ".mixer-vault")},
			"0616a46ff88886c2ef9762d970b4d2c63678835bd39d0b6d697865722d7661756c74",
		},
		{"ok", Response{Ok: true, Value: Bool(true)}, "0703"},
		{"err", Response{Ok: false, Value: NewUInt(1)}, "080100000000000000000000000000000001"},
		{"none", Optional{}, "09"},
		{"some", Optional{Value: NewUInt(1)}, "0a0100000000000000000000000000000001"},
		{"list", List{Bool(true), Bool(false)}, "0b000000020304"},
		{"tuple sorted", Tuple{{Name: "b", Value: Bool(true)}, {Name: "a", Value: Bool(false)}}, "0c00000002016104016203"},
		{"string ascii", StringASCII("hi"), "0d000000026869"},
		{"string utf8", StringUTF8("hi"), "0e000000026869"},
	}
	for _, v := range vectors {
		b, err := Serialize(v.value)
		c.Assert(err, qt.IsNil, qt.Commentf("%s", v.name))
		c.Assert(hex.EncodeToString(b), qt.Equals, v.hex, qt.Commentf("%s", v.name))

		decoded, err := Deserialize(b)
		c.Assert(err, qt.IsNil, qt.Commentf("%s", v.name))
		again, err := Serialize(decoded)
		c.Assert(err, qt.IsNil)
		c.Assert(again, qt.DeepEquals, b, qt.Commentf("%s", v.name))
	}
}

func TestSerializeErrors(t *testing.T) {
	c := qt.New(t)
	_, err := Serialize(nil)
	c.Assert(err, qt.ErrorIs, ErrSerialization)

	tooBig := new(big.Int).Lsh(big.NewInt(1), 128)
	_, err = Serialize(UInt{V: tooBig})
	c.Assert(err, qt.ErrorIs, ErrSerialization)
	_, err = Serialize(UInt{V: big.NewInt(-1)})
	c.Assert(err, qt.ErrorIs, ErrSerialization)
	_, err = Serialize(Int{V: new(big.Int).Lsh(big.NewInt(1), 127)})
	c.Assert(err, qt.ErrorIs, ErrSerialization)

	_, err = Serialize(Tuple{{Name: "a", Value: Bool(true)}, {Name: "a", Value: Bool(false)}})
	c.Assert(err, qt.ErrorIs, ErrSerialization)
	_, err = Serialize(StringASCII("ñ"))
	c.Assert(err, qt.ErrorIs, ErrSerialization)
}

func TestDeserializeErrors(t *testing.T) {
	c := qt.New(t)
	for _, in := range []string{
		"",
		"01ff",           // truncated uint
		"0200000005dead", // short buffer
		"0303",           // trailing bytes
		"ff",             // unknown type
		"0e00000001ff",   // invalid utf8
		"zz",             // not hex
	} {
		_, err := DeserializeHex(in)
		c.Assert(err, qt.IsNotNil, qt.Commentf("%q", in))
	}
}

func TestDeserializeDepositEvent(t *testing.T) {
	c := qt.New(t)
	commitment := make([]byte, 32)
	commitment[31] = 0x2a
	event := Tuple{
		{Name: "event", Value: StringASCII("deposit")},
		{Name: "commitment", Value: Buffer(commitment)},
		{Name: "amount", Value: NewUInt(1000000)},
		{Name: "leaf-index", Value: NewUInt(7)},
	}
	b, err := Serialize(event)
	c.Assert(err, qt.IsNil)

	v, err := DeserializeHex("0x" + hex.EncodeToString(b))
	c.Assert(err, qt.IsNil)
	tuple, ok := v.(Tuple)
	c.Assert(ok, qt.IsTrue)
	got, ok := tuple.Get("commitment")
	c.Assert(ok, qt.IsTrue)
	c.Assert([]byte(got.(Buffer)), qt.DeepEquals, commitment)
	idx, ok := tuple.Get("leaf-index")
	c.Assert(ok, qt.IsTrue)
	c.Assert(idx.(UInt).V.Uint64(), qt.Equals, uint64(7))
	_, ok = tuple.Get("missing")
	c.Assert(ok, qt.IsFalse)
}

func TestUnwrapAndRepr(t *testing.T) {
	c := qt.New(t)
	v, err := Unwrap(Response{Ok: true, Value: Optional{Value: Buffer{1}}})
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, Value(Buffer{1}))

	_, err = Unwrap(Response{Ok: false, Value: NewUInt(3)})
	c.Assert(err, qt.ErrorMatches, ".*u3.*")
	_, err = Unwrap(Optional{})
	c.Assert(err, qt.IsNotNil)

	c.Assert(Repr(Tuple{{Name: "a", Value: NewUInt(1)}, {Name: "b", Value: NewInt(-2)}}),
		qt.Equals, "(tuple (a u1) (b -2))")
	c.Assert(Repr(PrincipalValue{MustParsePrincipal(testAddress)}), qt.Equals, "'"+testAddress)
}
