package term

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Decode parses one versioned term that must span all of b.
func Decode(b []byte) (Term, error) {
	t, n, err := DecodePrefix(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, len(b)-n)
	}
	return t, nil
}

// DecodePrefix parses one versioned term from the front of b and returns the
// number of bytes consumed, including the version byte.
func DecodePrefix(b []byte) (Term, int, error) {
	if len(b) == 0 {
		return nil, 0, ErrUnexpectedEOF
	}
	if b[0] != Version {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[0])
	}
	d := decoder{buf: b, off: 1}
	t, err := d.term()
	if err != nil {
		return nil, 0, err
	}
	return t, d.off, nil
}

type decoder struct {
	buf   []byte
	off   int
	depth int
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) need(n int) error {
	if n < 0 || d.remaining() < n {
		return ErrUnexpectedEOF
	}
	return nil
}

func (d *decoder) u8() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

func (d *decoder) u16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	v := d.buf[d.off : d.off+n]
	d.off += n
	return v, nil
}

// count reads a 4-byte element count and bounds it by the remaining buffer:
// every element occupies at least one byte.
func (d *decoder) count() (int, error) {
	n, err := d.u32()
	if err != nil {
		return 0, err
	}
	if uint64(n) > uint64(d.remaining()) {
		return 0, ErrUnexpectedEOF
	}
	return int(n), nil
}

func (d *decoder) term() (Term, error) {
	tag, err := d.u8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagSmallInteger:
		v, err := d.u8()
		return Int(v), err
	case tagInteger:
		v, err := d.u32()
		return Int(int32(v)), err
	case tagAtom, tagSmallAtom, tagAtomUTF8, tagSmallAtomUTF:
		return d.atomBody(tag)
	case tagPid, tagNewPid:
		return d.pid(tag)
	case tagSmallTuple:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.tuple(int(n))
	case tagLargeTuple:
		n, err := d.count()
		if err != nil {
			return nil, err
		}
		return d.tuple(n)
	case tagNil:
		return List{}, nil
	case tagString:
		return d.stringList()
	case tagList:
		return d.list()
	case tagBinary:
		n, err := d.count()
		if err != nil {
			return nil, err
		}
		raw, err := d.bytes(n)
		if err != nil {
			return nil, err
		}
		out := make(Binary, n)
		copy(out, raw)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
}

func (d *decoder) atom() (Atom, error) {
	tag, err := d.u8()
	if err != nil {
		return "", err
	}
	switch tag {
	case tagAtom, tagSmallAtom, tagAtomUTF8, tagSmallAtomUTF:
		return d.atomBody(tag)
	default:
		return "", fmt.Errorf("%w: %d where atom expected", ErrUnknownTag, tag)
	}
}

func (d *decoder) atomBody(tag byte) (Atom, error) {
	var n int
	switch tag {
	case tagSmallAtom, tagSmallAtomUTF:
		v, err := d.u8()
		if err != nil {
			return "", err
		}
		n = int(v)
	default:
		v, err := d.u16()
		if err != nil {
			return "", err
		}
		n = int(v)
	}
	raw, err := d.bytes(n)
	if err != nil {
		return "", err
	}
	if tag == tagAtom || tag == tagSmallAtom {
		if n > MaxAtomChars {
			return "", ErrAtomTooLong
		}
		return latin1ToAtom(raw), nil
	}
	if !utf8.Valid(raw) {
		return "", ErrInvalidAtom
	}
	if utf8.RuneCount(raw) > MaxAtomChars {
		return "", ErrAtomTooLong
	}
	return Atom(raw), nil
}

func latin1ToAtom(raw []byte) Atom {
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return Atom(string(runes))
}

func (d *decoder) pid(tag byte) (Term, error) {
	node, err := d.atom()
	if err != nil {
		return nil, err
	}
	id, err := d.u32()
	if err != nil {
		return nil, err
	}
	serial, err := d.u32()
	if err != nil {
		return nil, err
	}
	var creation uint32
	if tag == tagPid {
		c, err := d.u8()
		if err != nil {
			return nil, err
		}
		creation = uint32(c)
	} else {
		creation, err = d.u32()
		if err != nil {
			return nil, err
		}
	}
	return Pid{Node: node, ID: id, Serial: serial, Creation: creation}, nil
}

func (d *decoder) enter() error {
	d.depth++
	if d.depth > MaxDepth {
		return ErrTooDeep
	}
	return nil
}

func (d *decoder) tuple(arity int) (Term, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()
	if arity > d.remaining() {
		return nil, ErrUnexpectedEOF
	}
	out := make(Tuple, 0, arity)
	for i := 0; i < arity; i++ {
		e, err := d.term()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (d *decoder) list() (Term, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()
	n, err := d.count()
	if err != nil {
		return nil, err
	}
	out := make(List, 0, n)
	for i := 0; i < n; i++ {
		e, err := d.term()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	tail, err := d.u8()
	if err != nil {
		return nil, err
	}
	if tail != tagNil {
		return nil, ErrImproperList
	}
	return out, nil
}

func (d *decoder) stringList() (Term, error) {
	n, err := d.u16()
	if err != nil {
		return nil, err
	}
	raw, err := d.bytes(int(n))
	if err != nil {
		return nil, err
	}
	out := make(List, n)
	for i, c := range raw {
		out[i] = Int(c)
	}
	return out, nil
}
