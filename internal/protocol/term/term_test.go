package term

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/danmuck/cnode/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func samplePid() Pid {
	return Pid{Node: "c@127.0.0.1", ID: 7, Serial: 1, Creation: 3}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	cases := []Term{
		Int(0),
		Int(255),
		Int(256),
		Int(-1),
		Int(math.MaxInt32),
		Int(math.MinInt32),
		Atom(""),
		Atom("console"),
		Atom("héllo"),
		samplePid(),
		Tuple{},
		Tuple{Atom("ok"), Int(1)},
		List{},
		List{Int(1), Atom("a"), List{Int(2)}},
		Binary("payload"),
		Tuple{samplePid(), Tuple{Atom("nested"), List{Binary{}, Int(-9)}}},
	}
	for _, in := range cases {
		b, err := Encode(in)
		if err != nil {
			t.Fatalf("encode %v: %v", in, err)
		}
		out, err := Decode(b)
		if err != nil {
			t.Fatalf("decode %v: %v", in, err)
		}
		if diff := cmp.Diff(in, out, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("round-trip mismatch for %v (-want +got):\n%s", in, diff)
		}
		if !Equal(in, out) {
			t.Fatalf("Equal rejected round-trip of %v", in)
		}
	}
}

func TestHelloWorldTuple(t *testing.T) {
	testlog.Start(t)
	in := Tuple{samplePid(), Atom("Hello world")}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tup, ok := out.(Tuple)
	if !ok || len(tup) != 2 {
		t.Fatalf("expected 2-tuple, got %v", out)
	}
	if tup[0] != samplePid() {
		t.Fatalf("pid mismatch: %v", tup[0])
	}
	if a, ok := tup[1].(Atom); !ok || a != "Hello world" {
		t.Fatalf("atom mismatch: %v", tup[1])
	}
}

func TestEncodeWireBytes(t *testing.T) {
	testlog.Start(t)
	b, err := Encode(Tuple{Atom("ok"), Int(300), List{}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{
		131,
		104, 3,
		118, 0, 2, 'o', 'k',
		98, 0, 0, 1, 44,
		106,
	}
	if !bytes.Equal(b, want) {
		t.Fatalf("wire mismatch:\n got=%v\nwant=%v", b, want)
	}
}

func TestEncodeIntegerOutOfRange(t *testing.T) {
	testlog.Start(t)
	for _, v := range []Int{math.MaxInt32 + 1, math.MinInt32 - 1} {
		if _, err := Encode(v); !errors.Is(err, ErrIntegerOutOfRange) {
			t.Fatalf("expected ErrIntegerOutOfRange for %d, got %v", v, err)
		}
	}
}

func TestEncodeAtomTooLong(t *testing.T) {
	testlog.Start(t)
	if _, err := Encode(Atom(strings.Repeat("a", MaxAtomChars))); err != nil {
		t.Fatalf("max length atom rejected: %v", err)
	}
	_, err := Encode(Tuple{Atom(strings.Repeat("a", MaxAtomChars+1))})
	if !errors.Is(err, ErrAtomTooLong) {
		t.Fatalf("expected ErrAtomTooLong, got %v", err)
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	testlog.Start(t)
	if _, err := Decode([]byte{130, tagNil}); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	testlog.Start(t)
	if _, err := Decode([]byte{Version, 70, 0, 0}); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestDecodeTruncatedIsDeterministic(t *testing.T) {
	testlog.Start(t)
	b, err := Encode(Tuple{samplePid(), Atom("Hello world"), List{Int(1), Binary("xy")}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for n := 1; n < len(b); n++ {
		if _, err := Decode(b[:n]); !errors.Is(err, ErrUnexpectedEOF) {
			t.Fatalf("prefix len=%d: expected ErrUnexpectedEOF, got %v", n, err)
		}
	}
}

func TestDecodeHostileLengthIsBounded(t *testing.T) {
	testlog.Start(t)
	// list claims 4G elements but carries two bytes
	b := []byte{Version, tagList, 0xff, 0xff, 0xff, 0xff, tagNil, tagNil}
	if _, err := Decode(b); !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
	b = []byte{Version, tagBinary, 0x7f, 0xff, 0xff, 0xff, 1}
	if _, err := Decode(b); !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF for binary, got %v", err)
	}
}

func TestDecodeImproperList(t *testing.T) {
	testlog.Start(t)
	b := []byte{Version, tagList, 0, 0, 0, 1, tagSmallInteger, 1, tagSmallInteger, 2}
	if _, err := Decode(b); !errors.Is(err, ErrImproperList) {
		t.Fatalf("expected ErrImproperList, got %v", err)
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	testlog.Start(t)
	if _, err := Decode([]byte{Version, tagNil, tagNil}); !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
	got, n, err := DecodePrefix([]byte{Version, tagSmallInteger, 5, Version, tagNil})
	if err != nil || n != 3 || got != Int(5) {
		t.Fatalf("unexpected prefix decode: term=%v n=%d err=%v", got, n, err)
	}
}

func TestDecodeLegacyForms(t *testing.T) {
	testlog.Start(t)
	// ATOM_EXT latin-1 "é", PID_EXT with 1-byte creation, STRING_EXT
	b := []byte{
		Version, tagSmallTuple, 3,
		tagAtom, 0, 1, 0xe9,
		tagPid, tagSmallAtom, 1, 'n', 0, 0, 0, 9, 0, 0, 0, 2, 1,
		tagString, 0, 2, 'h', 'i',
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Tuple{
		Atom("é"),
		Pid{Node: "n", ID: 9, Serial: 2, Creation: 1},
		List{Int('h'), Int('i')},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("legacy decode mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeDepthLimit(t *testing.T) {
	testlog.Start(t)
	b := []byte{Version}
	for i := 0; i <= MaxDepth; i++ {
		b = append(b, tagSmallTuple, 1)
	}
	b = append(b, tagNil)
	if _, err := Decode(b); !errors.Is(err, ErrTooDeep) {
		t.Fatalf("expected ErrTooDeep, got %v", err)
	}
}

func TestEncodeNilTerm(t *testing.T) {
	testlog.Start(t)
	if _, err := Encode(Tuple{nil}); !errors.Is(err, ErrNilTerm) {
		t.Fatalf("expected ErrNilTerm, got %v", err)
	}
}
