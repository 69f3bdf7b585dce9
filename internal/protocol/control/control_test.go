package control

import (
	"errors"
	"testing"

	"github.com/danmuck/cnode/internal/protocol/term"
	"github.com/danmuck/cnode/internal/testutil/testlog"
)

var (
	self = term.Pid{Node: "c@127.0.0.1", ID: 1, Creation: 1}
	peer = term.Pid{Node: "iex@127.0.0.1", ID: 90, Serial: 0, Creation: 5}
)

func TestRegSendRoundTrip(t *testing.T) {
	testlog.Start(t)
	msg := term.Tuple{self, term.Atom("Hello world")}
	payload, err := Encode(RegSend(self, "console", msg))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if payload[0] != PassThrough || payload[1] != term.Version {
		t.Fatalf("unexpected payload prefix %v", payload[:2])
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Op != OpRegSend {
		t.Fatalf("unexpected op %s", got.Op)
	}
	if from, ok := got.Sender(); !ok || from != self {
		t.Fatalf("unexpected sender %v ok=%v", from, ok)
	}
	if to, ok := got.ToName(); !ok || to != "console" {
		t.Fatalf("unexpected destination %v ok=%v", to, ok)
	}
	if !term.Equal(got.Message, msg) {
		t.Fatalf("message mismatch: %v", got.Message)
	}
}

func TestSendHasNoSender(t *testing.T) {
	testlog.Start(t)
	payload, err := Encode(Send(peer, term.Atom("ping")))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := got.Sender(); ok {
		t.Fatalf("send should not report a sender")
	}
	if to, ok := got.ToPid(); !ok || to != peer {
		t.Fatalf("unexpected destination %v", to)
	}
}

func TestLinkCarriesNoMessage(t *testing.T) {
	testlog.Start(t)
	payload, err := Encode(Link(peer, self))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Op != OpLink || got.Message != nil {
		t.Fatalf("unexpected link decode %+v", got)
	}
	if from, ok := got.Sender(); !ok || from != peer {
		t.Fatalf("unexpected link sender %v", from)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	testlog.Start(t)
	if _, err := Decode([]byte{'x', term.Version}); !errors.Is(err, ErrNotPassThrough) {
		t.Fatalf("expected ErrNotPassThrough, got %v", err)
	}
	b, _ := term.Encode(term.Atom("oops"))
	if _, err := Decode(append([]byte{PassThrough}, b...)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	b, _ = term.Encode(term.Tuple{term.Int(OpSend), term.Atom(""), peer})
	if _, err := Decode(append([]byte{PassThrough}, b...)); !errors.Is(err, ErrMissingMessage) {
		t.Fatalf("expected ErrMissingMessage, got %v", err)
	}
	if _, err := Encode(Message{Op: OpSend, Control: term.Tuple{term.Int(OpSend)}}); !errors.Is(err, ErrMissingMessage) {
		t.Fatalf("expected encode ErrMissingMessage, got %v", err)
	}
}

func TestDecodeSurfacesTermErrors(t *testing.T) {
	testlog.Start(t)
	payload, err := Encode(RegSend(self, "console", term.Atom("x")))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// message is 131,118,0,1,'x': corrupt the atom tag
	payload[len(payload)-4] = 70
	if _, err := Decode(payload); !errors.Is(err, term.ErrUnknownTag) {
		t.Fatalf("expected term.ErrUnknownTag, got %v", err)
	}
}
