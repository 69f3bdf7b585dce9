// Package handshake performs the cookie challenge/response exchange that
// turns a fresh TCP connection into an authenticated distribution link.
//
// Ownership boundary:
// - handshake message codec (name/status/challenge/reply/ack)
// - passive (accept) and active (connect) state machines
// - capability flag negotiation
package handshake

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/cnode/internal/auth"
	"github.com/danmuck/cnode/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrAuthenticationFailed = errors.New("handshake: authentication failed")
	ErrHandshakeTimeout     = errors.New("handshake: timeout")
	ErrRejected             = errors.New("handshake: rejected by peer")
	ErrUnexpectedMessage    = errors.New("handshake: unexpected message")
	ErrUnsupportedVersion   = errors.New("handshake: unsupported protocol version")
	ErrMissingFlags         = errors.New("handshake: peer lacks required flags")
	ErrInvalidName          = errors.New("handshake: invalid node name")
	ErrConnectionClosed     = errors.New("handshake: connection closed")
)

// Conn is the stream a handshake runs over. net.Conn satisfies it.
type Conn interface {
	frame.Conn
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// Config is this node's side of the exchange.
type Config struct {
	Name     string
	Cookie   auth.Cookie
	Creation uint32
	Flags    Flags
	Timeout  time.Duration
	// Frame is installed on the returned reader once established.
	Frame frame.Options
	// Challenge overrides challenge generation.
	Challenge func() (uint32, error)
}

func DefaultConfig() Config {
	return Config{
		Flags:   DefaultFlags,
		Timeout: 5 * time.Second,
		Frame:   frame.DefaultOptions(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Flags == 0 {
		c.Flags = d.Flags
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Frame.HeaderLen == 0 {
		c.Frame = d.Frame
	}
	if c.Challenge == nil {
		c.Challenge = auth.NewChallenge
	}
	return c
}

func (c Config) validate() error {
	if err := ValidateNodeName(c.Name); err != nil {
		return err
	}
	return c.Cookie.Validate()
}

// PeerInfo describes an authenticated peer.
type PeerInfo struct {
	Name     string
	Flags    Flags
	Creation uint32
	Version  int
}

// Result is an established link: the peer and a reader that already holds
// any bytes the peer sent right after the handshake.
type Result struct {
	Peer   PeerInfo
	Reader *frame.Reader
}

// ValidateNodeName checks the alive@host form.
func ValidateNodeName(name string) error {
	alive, host, ok := strings.Cut(name, "@")
	if !ok || alive == "" || host == "" || strings.Contains(host, "@") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if len(name) > 0xffff {
		return fmt.Errorf("%w: name too long", ErrInvalidName)
	}
	return nil
}

// link carries what both flavors share: framing, the overall deadline and
// the digest check.
type link struct {
	conn     Conn
	reader   *frame.Reader
	cfg      Config
	deadline time.Time
}

func newLink(conn Conn, cfg Config) (*link, error) {
	r, err := frame.NewReader(conn, frame.HandshakeOptions())
	if err != nil {
		return nil, err
	}
	return &link{
		conn:     conn,
		reader:   r,
		cfg:      cfg,
		deadline: time.Now().Add(cfg.Timeout),
	}, nil
}

func (l *link) send(body []byte) error {
	if time.Until(l.deadline) <= 0 {
		return ErrHandshakeTimeout
	}
	if err := l.conn.SetWriteDeadline(l.deadline); err != nil {
		return err
	}
	if err := frame.WriteFrame(l.conn, body, frame.HandshakeOptions()); err != nil {
		if frame.IsTimeoutError(err) {
			return ErrHandshakeTimeout
		}
		return err
	}
	return nil
}

func (l *link) recv() ([]byte, error) {
	remaining := time.Until(l.deadline)
	if remaining <= 0 {
		return nil, ErrHandshakeTimeout
	}
	f, err := l.reader.ReadFrame(remaining)
	switch {
	case err == nil:
		return f.Payload, nil
	case errors.Is(err, frame.ErrTimeout):
		return nil, ErrHandshakeTimeout
	case errors.Is(err, frame.ErrClosed), errors.Is(err, frame.ErrUnexpectedEOF):
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	default:
		return nil, err
	}
}

func (l *link) finish(peer PeerInfo) (Result, error) {
	if err := l.conn.SetWriteDeadline(time.Time{}); err != nil {
		return Result{}, err
	}
	if err := l.conn.SetReadDeadline(time.Time{}); err != nil {
		return Result{}, err
	}
	if err := l.reader.Reset(l.cfg.Frame); err != nil {
		return Result{}, err
	}
	return Result{Peer: peer, Reader: l.reader}, nil
}

// verifyDigest is the single digest check used by both flavors.
func verifyDigest(cookie auth.Cookie, challenge uint32, got auth.Digest) error {
	if err := cookie.Verify(challenge, got); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return nil
}

func checkPeerFlags(version int, flags Flags) error {
	required := RequiredFlagsV6
	if version == protocolV5 {
		required = RequiredFlagsV5
	}
	if !flags.Has(required) {
		return fmt.Errorf("%w: have %s want %s", ErrMissingFlags, flags, required)
	}
	return nil
}

// PassiveState is the accept-side progress.
type PassiveState int

const (
	PassiveIdle PassiveState = iota
	PassiveRecvName
	PassiveSentStatus
	PassiveSentChallenge
	PassiveRecvDigest
	PassiveEstablished
	PassiveFailed
)

func (s PassiveState) String() string {
	switch s {
	case PassiveIdle:
		return "idle"
	case PassiveRecvName:
		return "recv_name"
	case PassiveSentStatus:
		return "sent_status"
	case PassiveSentChallenge:
		return "sent_challenge"
	case PassiveRecvDigest:
		return "recv_digest"
	case PassiveEstablished:
		return "established"
	case PassiveFailed:
		return "failed"
	default:
		return fmt.Sprintf("passive(%d)", int(s))
	}
}

// ActiveState is the connect-side progress.
type ActiveState int

const (
	ActiveIdle ActiveState = iota
	ActiveSentName
	ActiveRecvStatus
	ActiveRecvChallenge
	ActiveSentDigest
	ActiveEstablished
	ActiveFailed
)

func (s ActiveState) String() string {
	switch s {
	case ActiveIdle:
		return "idle"
	case ActiveSentName:
		return "sent_name"
	case ActiveRecvStatus:
		return "recv_status"
	case ActiveRecvChallenge:
		return "recv_challenge"
	case ActiveSentDigest:
		return "sent_digest"
	case ActiveEstablished:
		return "established"
	case ActiveFailed:
		return "failed"
	default:
		return fmt.Sprintf("active(%d)", int(s))
	}
}

// Accept runs the passive flavor on an accepted connection. On error the
// caller must close conn.
func Accept(conn Conn, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}
	l, err := newLink(conn, cfg)
	if err != nil {
		return Result{}, err
	}
	p := &passive{link: l}
	res, err := p.run()
	if err != nil {
		log.Debug().Str("component", "handshake.Accept").Str("state", p.failedIn.String()).
			Str("peer", p.peer.Name).Err(err).Msg("handshake failed")
		return Result{}, fmt.Errorf("accept %s: %w", p.failedIn, err)
	}
	return res, nil
}

type passive struct {
	*link
	state          PassiveState
	failedIn       PassiveState
	peer           PeerInfo
	challenge      uint32
	wantComplement bool
}

func (p *passive) run() (Result, error) {
	for {
		var err error
		switch p.state {
		case PassiveIdle:
			err = p.recvName()
		case PassiveRecvName:
			err = p.send(encodeStatus(StatusOK))
			if err == nil {
				p.state = PassiveSentStatus
			}
		case PassiveSentStatus:
			err = p.sendChallenge()
		case PassiveSentChallenge:
			err = p.recvDigest()
		case PassiveRecvDigest:
			err = p.sendAck()
		case PassiveEstablished:
			return p.finish(p.peer)
		default:
			err = fmt.Errorf("handshake: invalid passive state %s", p.state)
		}
		if err != nil {
			p.failedIn = p.state
			p.state = PassiveFailed
			return Result{}, err
		}
	}
}

func (p *passive) recvName() error {
	body, err := p.recv()
	if err != nil {
		return err
	}
	msg, err := decodeName(body)
	if err != nil {
		return err
	}
	if err := ValidateNodeName(msg.name); err != nil {
		return err
	}
	if err := checkPeerFlags(msg.version, msg.flags); err != nil {
		return err
	}
	p.peer = PeerInfo{Name: msg.name, Flags: msg.flags, Creation: msg.creation, Version: msg.version}
	// a v5 initiator that knows the v6 handshake gets a v6 challenge and
	// sends its creation in a complement message
	if msg.version == protocolV5 && msg.flags.Has(FlagHandshake23) {
		p.wantComplement = true
		p.peer.Version = protocolV6
	}
	p.state = PassiveRecvName
	return nil
}

func (p *passive) sendChallenge() error {
	c, err := p.cfg.Challenge()
	if err != nil {
		return err
	}
	p.challenge = c
	version := p.peer.Version
	flags := p.cfg.Flags
	if version == protocolV5 {
		flags &= 0xffffffff
	}
	err = p.send(encodeChallenge(challengeMsg{
		version:   version,
		flags:     flags,
		challenge: c,
		creation:  p.cfg.Creation,
		name:      p.cfg.Name,
	}))
	if err != nil {
		return err
	}
	p.state = PassiveSentChallenge
	return nil
}

func (p *passive) recvDigest() error {
	body, err := p.recv()
	if err != nil {
		return err
	}
	if p.wantComplement {
		comp, err := decodeComplement(body)
		if err != nil {
			return err
		}
		p.peer.Flags |= Flags(comp.flagsHigh) << 32
		p.peer.Creation = comp.creation
		p.wantComplement = false
		if body, err = p.recv(); err != nil {
			return err
		}
	}
	reply, err := decodeReply(body)
	if err != nil {
		return err
	}
	if err := verifyDigest(p.cfg.Cookie, p.challenge, reply.digest); err != nil {
		return err
	}
	p.challenge = reply.challenge
	p.state = PassiveRecvDigest
	return nil
}

func (p *passive) sendAck() error {
	if err := p.send(encodeAck(p.cfg.Cookie.Digest(p.challenge))); err != nil {
		return err
	}
	p.state = PassiveEstablished
	return nil
}

// Connect runs the active flavor on a dialed connection. On error the caller
// must close conn.
func Connect(conn Conn, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}
	l, err := newLink(conn, cfg)
	if err != nil {
		return Result{}, err
	}
	a := &active{link: l}
	res, err := a.run()
	if err != nil {
		log.Debug().Str("component", "handshake.Connect").Str("state", a.failedIn.String()).
			Str("peer", a.peer.Name).Err(err).Msg("handshake failed")
		return Result{}, fmt.Errorf("connect %s: %w", a.failedIn, err)
	}
	return res, nil
}

type active struct {
	*link
	state     ActiveState
	failedIn  ActiveState
	peer      PeerInfo
	challenge uint32
}

func (a *active) run() (Result, error) {
	for {
		var err error
		switch a.state {
		case ActiveIdle:
			err = a.sendName()
		case ActiveSentName:
			err = a.recvStatus()
		case ActiveRecvStatus:
			err = a.recvChallenge()
		case ActiveRecvChallenge:
			err = a.sendDigest()
		case ActiveSentDigest:
			err = a.recvAck()
		case ActiveEstablished:
			return a.finish(a.peer)
		default:
			err = fmt.Errorf("handshake: invalid active state %s", a.state)
		}
		if err != nil {
			a.failedIn = a.state
			a.state = ActiveFailed
			return Result{}, err
		}
	}
}

func (a *active) sendName() error {
	err := a.send(encodeName(nameMsg{
		version:  protocolV6,
		flags:    a.cfg.Flags,
		creation: a.cfg.Creation,
		name:     a.cfg.Name,
	}))
	if err != nil {
		return err
	}
	a.state = ActiveSentName
	return nil
}

func (a *active) recvStatus() error {
	body, err := a.recv()
	if err != nil {
		return err
	}
	status, err := decodeStatus(body)
	if err != nil {
		return err
	}
	switch status {
	case StatusOK, StatusOKSimultaneous:
	case StatusAlive:
		// peer believes an older link to us exists; ask it to replace it
		if err := a.send(encodeStatus("true")); err != nil {
			return err
		}
	case StatusNOK, StatusNotAllowed:
		return fmt.Errorf("%w: %s", ErrRejected, status)
	default:
		return fmt.Errorf("%w: status %q", ErrUnexpectedMessage, status)
	}
	a.state = ActiveRecvStatus
	return nil
}

func (a *active) recvChallenge() error {
	body, err := a.recv()
	if err != nil {
		return err
	}
	msg, err := decodeChallenge(body)
	if err != nil {
		return err
	}
	if err := ValidateNodeName(msg.name); err != nil {
		return err
	}
	if err := checkPeerFlags(msg.version, msg.flags); err != nil {
		return err
	}
	a.peer = PeerInfo{Name: msg.name, Flags: msg.flags, Creation: msg.creation, Version: msg.version}
	a.challenge = msg.challenge
	a.state = ActiveRecvChallenge
	return nil
}

func (a *active) sendDigest() error {
	own, err := a.cfg.Challenge()
	if err != nil {
		return err
	}
	err = a.send(encodeReply(replyMsg{
		challenge: own,
		digest:    a.cfg.Cookie.Digest(a.challenge),
	}))
	if err != nil {
		return err
	}
	a.challenge = own
	a.state = ActiveSentDigest
	return nil
}

func (a *active) recvAck() error {
	body, err := a.recv()
	if errors.Is(err, ErrConnectionClosed) {
		// acceptors reject a bad digest by dropping the link
		return fmt.Errorf("%w: peer closed link after challenge reply", ErrAuthenticationFailed)
	}
	if err != nil {
		return err
	}
	digest, err := decodeAck(body)
	if err != nil {
		return err
	}
	if err := verifyDigest(a.cfg.Cookie, a.challenge, digest); err != nil {
		return err
	}
	a.state = ActiveEstablished
	return nil
}
