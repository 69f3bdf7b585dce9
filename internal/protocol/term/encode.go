package term

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// Encode returns t as a versioned buffer.
func Encode(t Term) ([]byte, error) {
	return Append([]byte{Version}, t)
}

// Append appends the un-versioned encoding of t to dst.
func Append(dst []byte, t Term) ([]byte, error) {
	switch v := t.(type) {
	case Int:
		return appendInt(dst, v)
	case Atom:
		return appendAtom(dst, v)
	case Pid:
		return appendPid(dst, v)
	case Tuple:
		return appendTuple(dst, v)
	case List:
		return appendList(dst, v)
	case Binary:
		return appendBinary(dst, v)
	case nil:
		return nil, ErrNilTerm
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTag, t)
	}
}

func appendInt(dst []byte, v Int) ([]byte, error) {
	if v >= 0 && v <= math.MaxUint8 {
		return append(dst, tagSmallInteger, byte(v)), nil
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d", ErrIntegerOutOfRange, int64(v))
	}
	dst = append(dst, tagInteger)
	return binary.BigEndian.AppendUint32(dst, uint32(int32(v))), nil
}

func appendAtom(dst []byte, a Atom) ([]byte, error) {
	if !utf8.ValidString(string(a)) {
		return nil, ErrInvalidAtom
	}
	if n := utf8.RuneCountInString(string(a)); n > MaxAtomChars {
		return nil, fmt.Errorf("%w: %d characters", ErrAtomTooLong, n)
	}
	dst = append(dst, tagAtomUTF8)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(a)))
	return append(dst, a...), nil
}

func appendPid(dst []byte, p Pid) ([]byte, error) {
	dst = append(dst, tagNewPid)
	dst, err := appendAtom(dst, p.Node)
	if err != nil {
		return nil, err
	}
	dst = binary.BigEndian.AppendUint32(dst, p.ID)
	dst = binary.BigEndian.AppendUint32(dst, p.Serial)
	return binary.BigEndian.AppendUint32(dst, p.Creation), nil
}

func appendTuple(dst []byte, t Tuple) ([]byte, error) {
	switch {
	case len(t) <= math.MaxUint8:
		dst = append(dst, tagSmallTuple, byte(len(t)))
	case uint64(len(t)) <= math.MaxUint32:
		dst = append(dst, tagLargeTuple)
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(t)))
	default:
		return nil, fmt.Errorf("term: tuple arity %d too large", len(t))
	}
	return appendElements(dst, t)
}

func appendList(dst []byte, l List) ([]byte, error) {
	if len(l) == 0 {
		return append(dst, tagNil), nil
	}
	if uint64(len(l)) > math.MaxUint32 {
		return nil, fmt.Errorf("term: list length %d too large", len(l))
	}
	dst = append(dst, tagList)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(l)))
	dst, err := appendElements(dst, l)
	if err != nil {
		return nil, err
	}
	return append(dst, tagNil), nil
}

func appendBinary(dst []byte, b Binary) ([]byte, error) {
	if uint64(len(b)) > math.MaxUint32 {
		return nil, fmt.Errorf("term: binary length %d too large", len(b))
	}
	dst = append(dst, tagBinary)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...), nil
}

func appendElements(dst []byte, elems []Term) ([]byte, error) {
	var err error
	for i, e := range elems {
		dst, err = Append(dst, e)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return dst, nil
}
