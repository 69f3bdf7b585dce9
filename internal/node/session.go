package node

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/cnode/internal/observability"
	"github.com/danmuck/cnode/internal/protocol/control"
	"github.com/danmuck/cnode/internal/protocol/frame"
	"github.com/danmuck/cnode/internal/protocol/handshake"
	"github.com/danmuck/cnode/internal/protocol/term"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventKind int

const (
	EventTick EventKind = iota
	EventData
)

func (k EventKind) String() string {
	switch k {
	case EventTick:
		return "tick"
	case EventData:
		return "data"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one received frame. Data events carry the decoded control
// message; Sender is the zero Pid when the op has none.
type Event struct {
	Kind    EventKind
	Control control.Message
	Message term.Term
	Sender  term.Pid
}

// Session is an established link to one peer. Reads and writes are each
// serialized; a reader and a writer may run concurrently.
type Session struct {
	conn         net.Conn
	reader       *frame.Reader
	opts         frame.Options
	peer         handshake.PeerInfo
	local        string
	writeTimeout time.Duration
	tickInterval time.Duration
	logger       zerolog.Logger

	// lastWrite is unix nanos of the last successful write, 0 before any.
	lastWrite atomic.Int64

	readMu  sync.Mutex
	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
}

func newSession(conn net.Conn, res handshake.Result, cfg Config) *Session {
	s := &Session{
		conn:         conn,
		reader:       res.Reader,
		opts:         cfg.frameOptions(),
		peer:         res.Peer,
		local:        cfg.Name,
		writeTimeout: cfg.WriteTimeout,
		tickInterval: cfg.TickInterval,
		logger: log.With().Str("component", "node.Session").
			Str("local", cfg.Name).Str("peer", res.Peer.Name).Logger(),
	}
	observability.SessionOpened()
	s.logger.Info().Int("version", res.Peer.Version).Str("flags", res.Peer.Flags.String()).
		Msg("session established")
	return s
}

func (s *Session) Peer() handshake.PeerInfo {
	return s.peer
}

func (s *Session) LocalName() string {
	return s.local
}

func (s *Session) State() State {
	if s.closed.Load() {
		return StateClosed
	}
	return StateEstablished
}

// Send delivers msg to a remote pid.
func (s *Session) Send(to term.Pid, msg term.Term) error {
	return s.SendControl(control.Send(to, msg))
}

// RegSend delivers msg to a process registered as name on the peer.
func (s *Session) RegSend(from term.Pid, to string, msg term.Term) error {
	return s.SendControl(control.RegSend(from, to, msg))
}

func (s *Session) SendControl(m control.Message) error {
	if s.closed.Load() {
		return ErrConnectionClosed
	}
	payload, err := control.Encode(m)
	if err != nil {
		return fmt.Errorf("node: send %s: %w", m.Op, err)
	}
	if err := s.write(func() error { return frame.WriteFrame(s.conn, payload, s.opts) }); err != nil {
		return err
	}
	observability.RecordFrame(observability.DirectionOut, observability.KindData, len(payload))
	return nil
}

// Tick writes a keepalive.
func (s *Session) Tick() error {
	if s.closed.Load() {
		return ErrConnectionClosed
	}
	if err := s.write(func() error { return frame.WriteTick(s.conn) }); err != nil {
		return err
	}
	observability.RecordFrame(observability.DirectionOut, observability.KindTick, 0)
	return nil
}

func (s *Session) write(fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return s.fail(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
		}
	}
	err := fn()
	switch {
	case err == nil:
		s.lastWrite.Store(time.Now().UnixNano())
		return nil
	case errors.Is(err, frame.ErrFrameTooLarge):
		// rejected before any byte hit the wire
		return fmt.Errorf("node: send: %w", err)
	default:
		return s.fail(fmt.Errorf("%w: write: %v", ErrConnectionClosed, err))
	}
}

// Receive waits up to timeout for one frame. A non-positive timeout waits
// forever. A tick is answered only when this side has written nothing for
// a tick interval, so two sessions never bounce ticks between them.
func (s *Session) Receive(timeout time.Duration) (Event, error) {
	if s.closed.Load() {
		return Event{}, ErrConnectionClosed
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()

	f, err := s.reader.ReadFrame(timeout)
	if err != nil {
		switch {
		case errors.Is(err, frame.ErrTimeout):
			return Event{}, fmt.Errorf("%w: no frame within %s", ErrProtocolTimeout, timeout)
		case errors.Is(err, frame.ErrClosed):
			return Event{}, s.fail(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
		default:
			// the stream is out of sync once framing fails
			return Event{}, s.fail(fmt.Errorf("node: receive: %w", err))
		}
	}

	if f.Tick {
		observability.RecordFrame(observability.DirectionIn, observability.KindTick, 0)
		s.logger.Trace().Msg("tick")
		if s.idle() {
			if err := s.Tick(); err != nil {
				return Event{}, err
			}
		}
		return Event{Kind: EventTick}, nil
	}

	observability.RecordFrame(observability.DirectionIn, observability.KindData, len(f.Payload))
	m, err := control.Decode(f.Payload)
	if err != nil {
		// the frame was fully consumed, so the link stays usable
		s.logger.Warn().Err(err).Int("bytes", len(f.Payload)).Msg("undecodable frame")
		return Event{}, fmt.Errorf("node: receive: %w", err)
	}
	ev := Event{Kind: EventData, Control: m, Message: m.Message}
	ev.Sender, _ = m.Sender()
	return ev, nil
}

func (s *Session) idle() bool {
	last := s.lastWrite.Load()
	return last == 0 || time.Since(time.Unix(0, last)) >= s.tickInterval
}

func (s *Session) fail(err error) error {
	s.logger.Debug().Err(err).Msg("closing session")
	_ = s.Close()
	return err
}

// Close releases the connection. Only the first call can report an error;
// later calls are no-ops.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
		observability.SessionClosed()
		s.logger.Info().Msg("session closed")
	})
	return err
}
