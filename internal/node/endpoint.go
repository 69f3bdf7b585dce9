package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/cnode/internal/discovery"
	"github.com/danmuck/cnode/internal/observability"
	"github.com/danmuck/cnode/internal/protocol/frame"
	"github.com/danmuck/cnode/internal/protocol/handshake"
	"github.com/danmuck/cnode/internal/protocol/term"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	pidIDMask     = 0x7fff
	pidSerialMask = 0x1fff
)

// Listener is a bound distribution port.
type Listener struct {
	ln   *net.TCPListener
	port int
}

func (l *Listener) Port() int {
	return l.port
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Endpoint is this node's identity plus its listening and dialing surface.
type Endpoint struct {
	cfg    Config
	self   term.Pid
	logger zerolog.Logger

	state atomic.Int32

	pidMu     sync.Mutex
	pidID     uint32
	pidSerial uint32

	mu       sync.Mutex
	listener *Listener
	reg      discovery.Registration
	rng      *rand.Rand

	done      chan struct{}
	closeOnce sync.Once
}

func NewEndpoint(cfg Config) (*Endpoint, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Endpoint{
		cfg:    cfg,
		logger: log.With().Str("component", "node.Endpoint").Str("node", cfg.Name).Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		done:   make(chan struct{}),
	}
	e.self = e.MakePid()
	e.setState(StateIdle)
	return e, nil
}

func (e *Endpoint) Config() Config {
	return e.cfg
}

func (e *Endpoint) Name() string {
	return e.cfg.Name
}

// Self is the pid that identifies this node to peers.
func (e *Endpoint) Self() term.Pid {
	return e.self
}

// MakePid allocates a fresh pid on this node.
func (e *Endpoint) MakePid() term.Pid {
	e.pidMu.Lock()
	defer e.pidMu.Unlock()
	e.pidID++
	if e.pidID > pidIDMask {
		e.pidID = 1
		e.pidSerial = (e.pidSerial + 1) & pidSerialMask
	}
	return term.Pid{
		Node:     term.Atom(e.cfg.Name),
		ID:       e.pidID,
		Serial:   e.pidSerial,
		Creation: e.cfg.Creation,
	}
}

func (e *Endpoint) State() State {
	return State(e.state.Load())
}

func (e *Endpoint) setState(s State) {
	e.state.Store(int32(s))
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Listen binds BindAddr and returns the actual port.
func (e *Endpoint) Listen() (int, *Listener, error) {
	if e.isClosed() {
		return 0, nil, ErrEndpointClosed
	}
	addr, err := net.ResolveTCPAddr("tcp", e.cfg.BindAddr)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s: %v", ErrBind, e.cfg.BindAddr, err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s: %v", ErrBind, e.cfg.BindAddr, err)
	}
	l := &Listener{ln: ln, port: ln.Addr().(*net.TCPAddr).Port}
	e.mu.Lock()
	e.listener = l
	e.mu.Unlock()
	e.setState(StateListening)
	e.logger.Info().Str("addr", ln.Addr().String()).Int("port", l.port).Msg("listening")
	return l.port, l, nil
}

// Publish advertises port under this node's name. Failure leaves the
// listener usable; peers can still connect by address.
func (e *Endpoint) Publish(ctx context.Context, port int) error {
	if e.cfg.Registry == nil {
		return nil
	}
	reg, err := e.cfg.Registry.Publish(ctx, e.cfg.Name, port)
	if err != nil {
		e.logger.Warn().Err(err).Int("port", port).Msg("publish failed")
		return fmt.Errorf("node: publish: %w", err)
	}
	e.mu.Lock()
	prev := e.reg
	e.reg = reg
	e.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	e.logger.Info().Int("port", port).Msg("published")
	return nil
}

// Accept waits up to timeout for one peer and runs the passive handshake.
// The timeout covers both. A non-positive timeout waits forever for a
// connection and then gives the handshake HandshakeTimeout.
func (e *Endpoint) Accept(l *Listener, timeout time.Duration) (*Session, error) {
	if e.isClosed() {
		return nil, ErrEndpointClosed
	}
	if l == nil {
		return nil, ErrNotListening
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := l.ln.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("node: accept: %w", err)
	}
	e.setState(StateAwaitingAccept)
	conn, err := l.ln.AcceptTCP()
	if err != nil {
		e.setState(StateListening)
		if frame.IsTimeoutError(err) {
			return nil, fmt.Errorf("%w after %s", ErrAcceptTimeout, timeout)
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, fmt.Errorf("%w: listener closed", ErrConnectionClosed)
		}
		return nil, fmt.Errorf("node: accept: %w", err)
	}
	_ = conn.SetNoDelay(true)

	// the handshake spends what is left of the accept budget
	hs := e.cfg.handshakeConfig()
	bounded := false
	if timeout > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			_ = conn.Close()
			e.setState(StateListening)
			return nil, fmt.Errorf("%w after %s", ErrAcceptTimeout, timeout)
		}
		if remaining < hs.Timeout {
			hs.Timeout = remaining
			bounded = true
		}
	}

	e.setState(StateHandshakeInFlight)
	start := time.Now()
	res, err := handshake.Accept(conn, hs)
	observability.RecordHandshake(observability.FlavorAccept, outcome(err), time.Since(start))
	if err != nil {
		_ = conn.Close()
		e.setState(StateListening)
		e.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("accept handshake failed")
		if bounded && errors.Is(err, handshake.ErrHandshakeTimeout) {
			return nil, fmt.Errorf("%w after %s: %w", ErrAcceptTimeout, timeout, err)
		}
		return nil, fmt.Errorf("node: accept: %w", err)
	}
	e.setState(StateEstablished)
	return newSession(conn, res, e.cfg), nil
}

// Connect resolves peer through the configured Resolver and dials it.
func (e *Endpoint) Connect(peer string) (*Session, error) {
	if err := handshake.ValidateNodeName(peer); err != nil {
		return nil, err
	}
	if e.cfg.Resolver == nil {
		return nil, ErrNoResolver
	}
	return e.connect(peer, func() (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConnectTimeout)
		defer cancel()
		return e.cfg.Resolver.Resolve(ctx, peer)
	})
}

// ConnectAddr dials addr directly and expects peer to answer.
func (e *Endpoint) ConnectAddr(peer, addr string) (*Session, error) {
	if err := handshake.ValidateNodeName(peer); err != nil {
		return nil, err
	}
	return e.connect(peer, func() (string, error) { return addr, nil })
}

func (e *Endpoint) connect(peer string, resolve func() (string, error)) (*Session, error) {
	var attempt int
	for {
		attempt++
		if e.isClosed() {
			return nil, ErrEndpointClosed
		}
		s, err := e.connectOnce(peer, resolve)
		if err == nil {
			return s, nil
		}
		if !retryable(err) || !e.shouldRetry(attempt) {
			return nil, err
		}
		e.logger.Warn().Err(err).Str("peer", peer).Int("attempt", attempt).Msg("connect failed, retrying")
		if err := e.sleepBackoff(attempt); err != nil {
			return nil, err
		}
	}
}

func (e *Endpoint) connectOnce(peer string, resolve func() (string, error)) (*Session, error) {
	addr, err := resolve()
	if err != nil {
		return nil, fmt.Errorf("node: resolve %s: %w", peer, err)
	}
	dialer := net.Dialer{Timeout: e.cfg.ConnectTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("node: dial %s: %w", addr, err)
	}

	start := time.Now()
	res, err := handshake.Connect(conn, e.cfg.handshakeConfig())
	if err == nil && res.Peer.Name != peer {
		err = fmt.Errorf("%w: want %s got %s", ErrUnexpectedPeer, peer, res.Peer.Name)
	}
	observability.RecordHandshake(observability.FlavorConnect, outcome(err), time.Since(start))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("node: connect %s: %w", peer, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return newSession(conn, res, e.cfg), nil
}

// retryable keeps the peer's explicit answers out of the retry loop.
func retryable(err error) bool {
	switch {
	case errors.Is(err, handshake.ErrAuthenticationFailed),
		errors.Is(err, handshake.ErrRejected),
		errors.Is(err, handshake.ErrMissingFlags),
		errors.Is(err, handshake.ErrUnsupportedVersion),
		errors.Is(err, handshake.ErrInvalidName),
		errors.Is(err, ErrUnexpectedPeer):
		return false
	default:
		return true
	}
}

func (e *Endpoint) shouldRetry(attempt int) bool {
	if e.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < e.cfg.MaxConnectAttempts
}

func (e *Endpoint) sleepBackoff(attempt int) error {
	e.mu.Lock()
	delay := NextBackoffDelay(e.cfg.Backoff, attempt, e.rng)
	e.mu.Unlock()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-e.done:
		return ErrEndpointClosed
	case <-timer.C:
		return nil
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, handshake.ErrAuthenticationFailed):
		return "auth_failed"
	case errors.Is(err, handshake.ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, handshake.ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}

// Close withdraws the registration and closes the listener. Sessions
// already handed out stay open.
func (e *Endpoint) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		reg, l := e.reg, e.listener
		e.reg, e.listener = nil, nil
		e.mu.Unlock()
		if reg != nil {
			if err := reg.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if l != nil {
			if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		e.setState(StateClosed)
		e.logger.Info().Msg("endpoint closed")
	})
	return errors.Join(errs...)
}
