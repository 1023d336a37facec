package stacks

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"
)

// Deserialize decodes a consensus serialized value. The whole input must be
// consumed.
func Deserialize(data []byte) (Value, error) {
	r := &reader{data: data}
	v, err := r.value(0)
	if err != nil {
		return nil, err
	}
	if r.pos != len(r.data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrSerialization, len(r.data)-r.pos)
	}
	return v, nil
}

// DeserializeHex decodes a 0x prefixed (or not) hex encoded value, as
// returned by the node API.
func DeserializeHex(s string) (Value, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return Deserialize(b)
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) next(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("%w: unexpected end of input", ErrSerialization)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u32() (int, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(b)
	if n > maxValueSize {
		return 0, fmt.Errorf("%w: length %d too large", ErrSerialization, n)
	}
	return int(n), nil
}

func (r *reader) shortString() (string, error) {
	n, err := r.byte()
	if err != nil {
		return "", err
	}
	b, err := r.next(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) principal(contract bool) (PrincipalValue, error) {
	version, err := r.byte()
	if err != nil {
		return PrincipalValue{}, err
	}
	h, err := r.next(20)
	if err != nil {
		return PrincipalValue{}, err
	}
	p := PrincipalValue{}
	p.Version = version
	copy(p.Hash160[:], h)
	if contract {
		name, err := r.shortString()
		if err != nil {
			return PrincipalValue{}, err
		}
		if err := validateContractName(name); err != nil {
			return PrincipalValue{}, err
		}
		p.ContractName = name
	}
	return p, nil
}

func (r *reader) value(depth int) (Value, error) {
	if depth > maxValueDepth {
		return nil, fmt.Errorf("%w: value nesting too deep", ErrSerialization)
	}
	t, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch ClarityType(t) {
	case TypeInt, TypeUInt:
		b, err := r.next(16)
		if err != nil {
			return nil, err
		}
		v := new(big.Int).SetBytes(b)
		if ClarityType(t) == TypeUInt {
			return UInt{V: v}, nil
		}
		if b[0]&0x80 != 0 {
			v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 128))
		}
		return Int{V: v}, nil
	case TypeBuffer:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		b, err := r.next(n)
		if err != nil {
			return nil, err
		}
		return Buffer(append([]byte(nil), b...)), nil
	case TypeTrue:
		return Bool(true), nil
	case TypeFalse:
		return Bool(false), nil
	case TypeStandardPrincipal:
		return r.principal(false)
	case TypeContractPrincipal:
		return r.principal(true)
	case TypeResponseOk, TypeResponseErr:
		inner, err := r.value(depth + 1)
		if err != nil {
			return nil, err
		}
		return Response{Ok: ClarityType(t) == TypeResponseOk, Value: inner}, nil
	case TypeOptionalNone:
		return Optional{}, nil
	case TypeOptionalSome:
		inner, err := r.value(depth + 1)
		if err != nil {
			return nil, err
		}
		return Optional{Value: inner}, nil
	case TypeList:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		l := make(List, 0, min(n, 64))
		for i := 0; i < n; i++ {
			v, err := r.value(depth + 1)
			if err != nil {
				return nil, err
			}
			l = append(l, v)
		}
		return l, nil
	case TypeTuple:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		tuple := make(Tuple, 0, min(n, 64))
		for i := 0; i < n; i++ {
			name, err := r.shortString()
			if err != nil {
				return nil, err
			}
			v, err := r.value(depth + 1)
			if err != nil {
				return nil, err
			}
			tuple = append(tuple, TupleEntry{Name: name, Value: v})
		}
		return tuple, nil
	case TypeStringASCII:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		b, err := r.next(n)
		if err != nil {
			return nil, err
		}
		return StringASCII(b), nil
	case TypeStringUTF8:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		b, err := r.next(n)
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(b) {
			return nil, fmt.Errorf("%w: invalid utf8 string", ErrSerialization)
		}
		return StringUTF8(b), nil
	default:
		return nil, fmt.Errorf("%w: unknown type prefix 0x%02x", ErrSerialization, t)
	}
}

// Unwrap strips (ok ...) and (some ...) wrappers. It returns an error for
// (err ...) responses and none.
func Unwrap(v Value) (Value, error) {
	for {
		switch t := v.(type) {
		case Response:
			if !t.Ok {
				return nil, fmt.Errorf("contract returned error: %s", Repr(t.Value))
			}
			v = t.Value
		case Optional:
			if t.Value == nil {
				return nil, fmt.Errorf("contract returned none")
			}
			v = t.Value
		default:
			return v, nil
		}
	}
}

// Repr returns a Clarity-like textual representation of v, for logging.
func Repr(v Value) string {
	switch t := v.(type) {
	case Int:
		return t.V.String()
	case UInt:
		return "u" + t.V.String()
	case Buffer:
		return "0x" + hex.EncodeToString(t)
	case Bool:
		if t {
			return "true"
		}
		return "false"
	case PrincipalValue:
		return "'" + t.String()
	case Response:
		if t.Ok {
			return "(ok " + Repr(t.Value) + ")"
		}
		return "(err " + Repr(t.Value) + ")"
	case Optional:
		if t.Value == nil {
			return "none"
		}
		return "(some " + Repr(t.Value) + ")"
	case List:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = Repr(item)
		}
		return "(list " + strings.Join(parts, " ") + ")"
	case Tuple:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = "(" + e.Name + " " + Repr(e.Value) + ")"
		}
		return "(tuple " + strings.Join(parts, " ") + ")"
	case StringASCII:
		return fmt.Sprintf("%q", string(t))
	case StringUTF8:
		return fmt.Sprintf("u%q", string(t))
	default:
		return fmt.Sprintf("%v", v)
	}
}
