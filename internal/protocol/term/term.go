// Package term implements the external term format used as the payload of
// distribution messages.
//
// Ownership boundary:
// - term value types (int, atom, pid, tuple, list, binary)
// - versioned encode/decode with bounds-checked lengths
package term

import (
	"bytes"
	"fmt"
	"strings"
)

// Version is the leading byte of every versioned term buffer.
const Version byte = 131

// Wire tags.
const (
	tagNewPid       byte = 88
	tagSmallInteger byte = 97
	tagInteger      byte = 98
	tagAtom         byte = 100
	tagPid          byte = 103
	tagSmallTuple   byte = 104
	tagLargeTuple   byte = 105
	tagNil          byte = 106
	tagString       byte = 107
	tagList         byte = 108
	tagBinary       byte = 109
	tagSmallAtom    byte = 115
	tagAtomUTF8     byte = 118
	tagSmallAtomUTF byte = 119
)

const (
	// MaxAtomChars is the longest atom, counted in characters.
	MaxAtomChars = 255
	// MaxDepth bounds tuple/list nesting on decode.
	MaxDepth = 256
)

// Term is one decoded value. The set of implementations is closed.
type Term interface {
	isTerm()
	String() string
}

// Int is an integer term. Only the int32 range is encodable.
type Int int64

// Atom is a symbolic constant.
type Atom string

// Pid identifies a process on some node. It is data, not a handle.
type Pid struct {
	Node     Atom
	ID       uint32
	Serial   uint32
	Creation uint32
}

// Tuple is a fixed-arity ordered sequence.
type Tuple []Term

// List is a proper list. The empty list is List{} (or nil).
type List []Term

// Binary is a byte string.
type Binary []byte

func (Int) isTerm()    {}
func (Atom) isTerm()   {}
func (Pid) isTerm()    {}
func (Tuple) isTerm()  {}
func (List) isTerm()   {}
func (Binary) isTerm() {}

func (i Int) String() string { return fmt.Sprintf("%d", int64(i)) }

func (a Atom) String() string { return "'" + string(a) + "'" }

func (p Pid) String() string {
	return fmt.Sprintf("<%s.%d.%d.%d>", string(p.Node), p.ID, p.Serial, p.Creation)
}

func (t Tuple) String() string { return "{" + joinTerms(t) + "}" }

func (l List) String() string { return "[" + joinTerms(l) + "]" }

func (b Binary) String() string { return fmt.Sprintf("<<%d bytes>>", len(b)) }

func joinTerms(ts []Term) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		if t == nil {
			parts[i] = "nil"
			continue
		}
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

// Equal reports whether a and b are structurally identical. An empty List
// equals a nil List.
func Equal(a, b Term) bool {
	switch av := a.(type) {
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Atom:
		bv, ok := b.(Atom)
		return ok && av == bv
	case Pid:
		bv, ok := b.(Pid)
		return ok && av == bv
	case Binary:
		bv, ok := b.(Binary)
		return ok && bytes.Equal(av, bv)
	case Tuple:
		bv, ok := b.(Tuple)
		return ok && equalSeq(av, bv)
	case List:
		bv, ok := b.(List)
		return ok && equalSeq(av, bv)
	default:
		return a == nil && b == nil
	}
}

func equalSeq(a, b []Term) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
