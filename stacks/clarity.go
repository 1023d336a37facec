package stacks

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
)

// ClarityType is the type prefix of a consensus serialized Clarity value.
type ClarityType byte

const (
	TypeInt               ClarityType = 0x00
	TypeUInt              ClarityType = 0x01
	TypeBuffer            ClarityType = 0x02
	TypeTrue              ClarityType = 0x03
	TypeFalse             ClarityType = 0x04
	TypeStandardPrincipal ClarityType = 0x05
	TypeContractPrincipal ClarityType = 0x06
	TypeResponseOk        ClarityType = 0x07
	TypeResponseErr       ClarityType = 0x08
	TypeOptionalNone      ClarityType = 0x09
	TypeOptionalSome      ClarityType = 0x0a
	TypeList              ClarityType = 0x0b
	TypeTuple             ClarityType = 0x0c
	TypeStringASCII       ClarityType = 0x0d
	TypeStringUTF8        ClarityType = 0x0e
)

const (
	maxClarityNameLen = 128
	maxValueSize      = 1 << 20
	maxValueDepth     = 32
)

// ErrSerialization is returned when a value cannot be consensus serialized
// or deserialized.
var ErrSerialization = errors.New("clarity serialization")

var (
	maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	minInt128  = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	maxInt128  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
)

// Value is a Clarity value that can be consensus serialized.
type Value interface {
	Type() ClarityType
	encode(w *bytes.Buffer) error
}

// Int is a signed 128 bit integer.
type Int struct{ V *big.Int }

// UInt is an unsigned 128 bit integer.
type UInt struct{ V *big.Int }

// Buffer is a byte buffer.
type Buffer []byte

// Bool is a boolean.
type Bool bool

// PrincipalValue wraps a principal.
type PrincipalValue struct{ Principal }

// Response is an (ok ...) or (err ...) value.
type Response struct {
	Ok    bool
	Value Value
}

// Optional is a (some ...) value, or none when Value is nil.
type Optional struct{ Value Value }

// List is a list of values.
type List []Value

// TupleEntry is a named field of a tuple.
type TupleEntry struct {
	Name  string
	Value Value
}

// Tuple is a set of named values. Entries are serialized sorted by name.
type Tuple []TupleEntry

// StringASCII is an ascii string.
type StringASCII string

// StringUTF8 is an utf8 string.
type StringUTF8 string

// NewUInt returns an UInt holding v.
func NewUInt(v uint64) UInt {
	return UInt{V: new(big.Int).SetUint64(v)}
}

// NewInt returns an Int holding v.
func NewInt(v int64) Int {
	return Int{V: big.NewInt(v)}
}

func (Int) Type() ClarityType         { return TypeInt }
func (UInt) Type() ClarityType        { return TypeUInt }
func (Buffer) Type() ClarityType      { return TypeBuffer }
func (StringASCII) Type() ClarityType { return TypeStringASCII }
func (StringUTF8) Type() ClarityType  { return TypeStringUTF8 }
func (List) Type() ClarityType        { return TypeList }
func (Tuple) Type() ClarityType       { return TypeTuple }
func (b Bool) Type() ClarityType {
	if b {
		return TypeTrue
	}
	return TypeFalse
}

func (p PrincipalValue) Type() ClarityType {
	if p.IsContract() {
		return TypeContractPrincipal
	}
	return TypeStandardPrincipal
}

func (r Response) Type() ClarityType {
	if r.Ok {
		return TypeResponseOk
	}
	return TypeResponseErr
}

func (o Optional) Type() ClarityType {
	if o.Value == nil {
		return TypeOptionalNone
	}
	return TypeOptionalSome
}

// Get returns the value of the named tuple entry.
func (t Tuple) Get(name string) (Value, bool) {
	for _, e := range t {
		if e.Name == name {
			return e.Value, true
		}
	}
	return nil, false
}

// Serialize returns the consensus serialization of v, type prefix included.
func Serialize(v Value) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil value", ErrSerialization)
	}
	w := &bytes.Buffer{}
	if err := v.encode(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func writeInt128(w *bytes.Buffer, v *big.Int) {
	var out [16]byte
	if v.Sign() >= 0 {
		v.FillBytes(out[:])
	} else {
		// two's complement
		t := new(big.Int).Add(v, new(big.Int).Lsh(big.NewInt(1), 128))
		t.FillBytes(out[:])
	}
	w.Write(out[:])
}

func writeU32(w *bytes.Buffer, n int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	w.Write(b[:])
}

func (i Int) encode(w *bytes.Buffer) error {
	if i.V == nil || i.V.Cmp(minInt128) < 0 || i.V.Cmp(maxInt128) > 0 {
		return fmt.Errorf("%w: int out of range", ErrSerialization)
	}
	w.WriteByte(byte(TypeInt))
	writeInt128(w, i.V)
	return nil
}

func (u UInt) encode(w *bytes.Buffer) error {
	if u.V == nil || u.V.Sign() < 0 || u.V.Cmp(maxUint128) > 0 {
		return fmt.Errorf("%w: uint out of range", ErrSerialization)
	}
	w.WriteByte(byte(TypeUInt))
	writeInt128(w, u.V)
	return nil
}

func (b Buffer) encode(w *bytes.Buffer) error {
	if len(b) > maxValueSize {
		return fmt.Errorf("%w: buffer too large", ErrSerialization)
	}
	w.WriteByte(byte(TypeBuffer))
	writeU32(w, len(b))
	w.Write(b)
	return nil
}

func (b Bool) encode(w *bytes.Buffer) error {
	w.WriteByte(byte(b.Type()))
	return nil
}

func (p PrincipalValue) encode(w *bytes.Buffer) error {
	if p.Version > 31 {
		return fmt.Errorf("%w: version %d", ErrInvalidPrincipal, p.Version)
	}
	w.WriteByte(byte(p.Type()))
	w.WriteByte(p.Version)
	w.Write(p.Hash160[:])
	if p.IsContract() {
		if err := validateContractName(p.ContractName); err != nil {
			return err
		}
		w.WriteByte(byte(len(p.ContractName)))
		w.WriteString(p.ContractName)
	}
	return nil
}

func (r Response) encode(w *bytes.Buffer) error {
	if r.Value == nil {
		return fmt.Errorf("%w: response without value", ErrSerialization)
	}
	w.WriteByte(byte(r.Type()))
	return r.Value.encode(w)
}

func (o Optional) encode(w *bytes.Buffer) error {
	w.WriteByte(byte(o.Type()))
	if o.Value == nil {
		return nil
	}
	return o.Value.encode(w)
}

func (l List) encode(w *bytes.Buffer) error {
	w.WriteByte(byte(TypeList))
	writeU32(w, len(l))
	for i, v := range l {
		if v == nil {
			return fmt.Errorf("%w: nil list item %d", ErrSerialization, i)
		}
		if err := v.encode(w); err != nil {
			return err
		}
	}
	return nil
}

func (t Tuple) encode(w *bytes.Buffer) error {
	entries := append(Tuple(nil), t...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	w.WriteByte(byte(TypeTuple))
	writeU32(w, len(entries))
	for i, e := range entries {
		if len(e.Name) == 0 || len(e.Name) > maxClarityNameLen {
			return fmt.Errorf("%w: bad tuple key %q", ErrSerialization, e.Name)
		}
		if i > 0 && entries[i-1].Name == e.Name {
			return fmt.Errorf("%w: duplicate tuple key %q", ErrSerialization, e.Name)
		}
		if e.Value == nil {
			return fmt.Errorf("%w: nil tuple value %q", ErrSerialization, e.Name)
		}
		w.WriteByte(byte(len(e.Name)))
		w.WriteString(e.Name)
		if err := e.Value.encode(w); err != nil {
			return err
		}
	}
	return nil
}

func (s StringASCII) encode(w *bytes.Buffer) error {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return fmt.Errorf("%w: non ascii string", ErrSerialization)
		}
	}
	w.WriteByte(byte(TypeStringASCII))
	writeU32(w, len(s))
	w.WriteString(string(s))
	return nil
}

func (s StringUTF8) encode(w *bytes.Buffer) error {
	w.WriteByte(byte(TypeStringUTF8))
	writeU32(w, len(s))
	w.WriteString(string(s))
	return nil
}
