package handshake

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/cnode/internal/auth"
	"github.com/danmuck/cnode/internal/protocol/frame"
	"github.com/danmuck/cnode/internal/testutil/testlog"
)

type outcome struct {
	res Result
	err error
}

func nodeConfig(name string, cookie auth.Cookie) Config {
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.Cookie = cookie
	cfg.Creation = 7
	cfg.Timeout = 2 * time.Second
	return cfg
}

// runPair runs the passive flavor on one end of a pipe and the active flavor
// on the other. Failed sides close their end like a real caller would.
func runPair(t *testing.T, acceptCfg, connectCfg Config, wrapAccept, wrapConnect func(net.Conn) net.Conn) (outcome, outcome) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	var ac, cc net.Conn = a, b
	if wrapAccept != nil {
		ac = wrapAccept(a)
	}
	if wrapConnect != nil {
		cc = wrapConnect(b)
	}

	acceptDone := make(chan outcome, 1)
	go func() {
		res, err := Accept(ac, acceptCfg)
		if err != nil {
			_ = a.Close()
		}
		acceptDone <- outcome{res, err}
	}()
	res, err := Connect(cc, connectCfg)
	if err != nil {
		_ = b.Close()
	}
	connected := outcome{res, err}
	return <-acceptDone, connected
}

// tamperConn flips one digest byte of the first outgoing message with tag.
type tamperConn struct {
	net.Conn
	tag    byte
	offset int
	done   bool
}

func (c *tamperConn) Write(p []byte) (int, error) {
	if !c.done && len(p) > 2 && p[2] == c.tag {
		buf := append([]byte(nil), p...)
		start := 3
		if c.tag == tagReply {
			start = 7
		}
		buf[start+c.offset] ^= 0x80
		c.done = true
		return c.Conn.Write(buf)
	}
	return c.Conn.Write(p)
}

func TestHandshakeEstablishedBothSides(t *testing.T) {
	testlog.Start(t)
	acc, con := runPair(t,
		nodeConfig("a@127.0.0.1", "SECRET"),
		nodeConfig("b@127.0.0.1", "SECRET"),
		nil, nil)
	if acc.err != nil {
		t.Fatalf("accept: %v", acc.err)
	}
	if con.err != nil {
		t.Fatalf("connect: %v", con.err)
	}
	if acc.res.Peer.Name != "b@127.0.0.1" {
		t.Fatalf("acceptor saw peer %q", acc.res.Peer.Name)
	}
	if con.res.Peer.Name != "a@127.0.0.1" {
		t.Fatalf("initiator saw peer %q", con.res.Peer.Name)
	}
	if acc.res.Peer.Creation != 7 || con.res.Peer.Creation != 7 {
		t.Fatalf("creation not exchanged: %+v %+v", acc.res.Peer, con.res.Peer)
	}
	if acc.res.Peer.Version != protocolV6 || !acc.res.Peer.Flags.Has(RequiredFlagsV6) {
		t.Fatalf("unexpected negotiated peer %+v", acc.res.Peer)
	}
	if con.res.Reader.Options().HeaderLen != frame.HeaderLen {
		t.Fatalf("reader not switched to message framing")
	}
}

func TestHandshakeReaderKeepsEarlyFrames(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		res, err := Accept(a, nodeConfig("a@127.0.0.1", "SECRET"))
		if err != nil {
			done <- err
			return
		}
		_ = res
		done <- frame.WriteFrame(a, []byte("early"), frame.DefaultOptions())
	}()
	res, err := Connect(b, nodeConfig("b@127.0.0.1", "SECRET"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	f, err := res.Reader.ReadFrame(time.Second)
	if err != nil || string(f.Payload) != "early" {
		t.Fatalf("expected early frame, got %+v err=%v", f, err)
	}
	if err := <-done; err != nil {
		t.Fatalf("acceptor: %v", err)
	}
}

func TestHandshakeMismatchedCookiesFailBothSides(t *testing.T) {
	testlog.Start(t)
	acc, con := runPair(t,
		nodeConfig("a@127.0.0.1", "SECRET"),
		nodeConfig("b@127.0.0.1", "WRONG"),
		nil, nil)
	if !errors.Is(acc.err, ErrAuthenticationFailed) {
		t.Fatalf("acceptor expected ErrAuthenticationFailed, got %v", acc.err)
	}
	if !errors.Is(con.err, ErrAuthenticationFailed) {
		t.Fatalf("initiator expected ErrAuthenticationFailed, got %v", con.err)
	}
	if acc.res.Reader != nil || con.res.Reader != nil {
		t.Fatalf("failed handshake produced a link")
	}
}

func TestHandshakeTamperedReplyDigest(t *testing.T) {
	testlog.Start(t)
	for i := 0; i < auth.DigestLen; i++ {
		offset := i
		acc, con := runPair(t,
			nodeConfig("a@127.0.0.1", "SECRET"),
			nodeConfig("b@127.0.0.1", "SECRET"),
			nil,
			func(c net.Conn) net.Conn { return &tamperConn{Conn: c, tag: tagReply, offset: offset} })
		if !errors.Is(acc.err, ErrAuthenticationFailed) {
			t.Fatalf("byte %d: acceptor expected ErrAuthenticationFailed, got %v", offset, acc.err)
		}
		if con.err == nil {
			t.Fatalf("byte %d: initiator established on tampered reply", offset)
		}
	}
}

func TestHandshakeTamperedAckDigest(t *testing.T) {
	testlog.Start(t)
	for i := 0; i < auth.DigestLen; i++ {
		offset := i
		_, con := runPair(t,
			nodeConfig("a@127.0.0.1", "SECRET"),
			nodeConfig("b@127.0.0.1", "SECRET"),
			func(c net.Conn) net.Conn { return &tamperConn{Conn: c, tag: tagAck, offset: offset} },
			nil)
		if !errors.Is(con.err, ErrAuthenticationFailed) {
			t.Fatalf("byte %d: initiator expected ErrAuthenticationFailed, got %v", offset, con.err)
		}
	}
}

func TestHandshakeTimeoutOnSilentPeer(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() { _, _ = io.Copy(io.Discard, a) }()

	cfg := nodeConfig("b@127.0.0.1", "SECRET")
	cfg.Timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := Connect(b, cfg)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("handshake timeout overran: %v", elapsed)
	}
}

func TestHandshakeRejectedStatus(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() {
		r, _ := frame.NewReader(a, frame.HandshakeOptions())
		if _, err := r.ReadFrame(time.Second); err != nil {
			return
		}
		_ = frame.WriteFrame(a, encodeStatus(StatusNotAllowed), frame.HandshakeOptions())
	}()
	_, err := Connect(b, nodeConfig("b@127.0.0.1", "SECRET"))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestHandshakeMissingFlagsRejected(t *testing.T) {
	testlog.Start(t)
	connectCfg := nodeConfig("b@127.0.0.1", "SECRET")
	connectCfg.Flags = FlagExtendedReferences
	acc, con := runPair(t, nodeConfig("a@127.0.0.1", "SECRET"), connectCfg, nil, nil)
	if !errors.Is(acc.err, ErrMissingFlags) {
		t.Fatalf("expected ErrMissingFlags, got %v", acc.err)
	}
	if con.err == nil {
		t.Fatalf("initiator established without required flags")
	}
}

func TestHandshakeInvalidName(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	for _, name := range []string{"", "nohost", "@host", "alive@", "a@b@c"} {
		if _, err := Connect(b, nodeConfig(name, "SECRET")); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("name %q: expected ErrInvalidName, got %v", name, err)
		}
	}
}

// TestHandshakeAcceptsV5InitiatorWithComplement scripts a v5 initiator that
// advertises HANDSHAKE_23 and therefore receives a v6 challenge.
func TestHandshakeAcceptsV5InitiatorWithComplement(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	acceptCfg := nodeConfig("a@127.0.0.1", "SECRET")
	acceptCfg.Challenge = func() (uint32, error) { return 1000, nil }
	done := make(chan outcome, 1)
	go func() {
		res, err := Accept(a, acceptCfg)
		done <- outcome{res, err}
	}()

	opts := frame.HandshakeOptions()
	r, err := frame.NewReader(b, opts)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	cookie := auth.Cookie("SECRET")
	if err := frame.WriteFrame(b, encodeName(nameMsg{
		version: protocolV5,
		flags:   DefaultFlags & 0xffffffff,
		name:    "old@127.0.0.1",
	}), opts); err != nil {
		t.Fatalf("write name: %v", err)
	}
	f, err := r.ReadFrame(time.Second)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status, _ := decodeStatus(f.Payload); status != StatusOK {
		t.Fatalf("unexpected status %q", status)
	}
	f, err = r.ReadFrame(time.Second)
	if err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	ch, err := decodeChallenge(f.Payload)
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	if ch.version != protocolV6 || ch.challenge != 1000 || ch.name != "a@127.0.0.1" {
		t.Fatalf("unexpected challenge %+v", ch)
	}
	if err := frame.WriteFrame(b, encodeComplement(complementMsg{flagsHigh: uint32(FlagV4NC >> 32), creation: 42}), opts); err != nil {
		t.Fatalf("write complement: %v", err)
	}
	if err := frame.WriteFrame(b, encodeReply(replyMsg{challenge: 2000, digest: cookie.Digest(1000)}), opts); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	f, err = r.ReadFrame(time.Second)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	ack, err := decodeAck(f.Payload)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if err := cookie.Verify(2000, ack); err != nil {
		t.Fatalf("ack digest: %v", err)
	}

	acc := <-done
	if acc.err != nil {
		t.Fatalf("accept: %v", acc.err)
	}
	if acc.res.Peer.Name != "old@127.0.0.1" || acc.res.Peer.Creation != 42 || !acc.res.Peer.Flags.Has(FlagV4NC) {
		t.Fatalf("complement not applied: %+v", acc.res.Peer)
	}
}

func TestHandshakeMessageCodec(t *testing.T) {
	testlog.Start(t)
	n := nameMsg{version: protocolV6, flags: DefaultFlags, creation: 9, name: "x@y"}
	got, err := decodeName(encodeName(n))
	if err != nil || got != n {
		t.Fatalf("name codec: got %+v err=%v", got, err)
	}
	c := challengeMsg{version: protocolV5, flags: DefaultFlags & 0xffffffff, challenge: 77, name: "x@y"}
	gotC, err := decodeChallenge(encodeChallenge(c))
	if err != nil || gotC != c {
		t.Fatalf("challenge codec: got %+v err=%v", gotC, err)
	}
	if _, err := decodeName([]byte{tagNameV6, 0, 0}); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage for short name, got %v", err)
	}
	if _, err := decodeReply([]byte{tagReply, 1}); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage for short reply, got %v", err)
	}
}
