// Package node is the distribution endpoint: it listens, publishes its name,
// accepts or dials peers, and exchanges terms over established sessions.
package node

import (
	"errors"
	"fmt"

	"github.com/danmuck/cnode/internal/protocol/handshake"
)

var (
	ErrBind             = errors.New("node: bind failed")
	ErrProtocolTimeout  = errors.New("node: protocol timeout")
	ErrConnectionClosed = errors.New("node: connection closed")
	ErrEndpointClosed   = errors.New("node: endpoint closed")
	ErrNotListening     = errors.New("node: not listening")
	ErrNoResolver       = errors.New("node: no resolver configured")
	ErrUnexpectedPeer   = errors.New("node: peer answered with a different name")

	// ErrAcceptTimeout is a protocol timeout raised while waiting for a peer.
	ErrAcceptTimeout = fmt.Errorf("%w: accept", ErrProtocolTimeout)
)

// IsTimeout reports whether err is a recoverable timeout: an idle receive,
// an accept with no peer, or a handshake that ran out of time.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrProtocolTimeout) || errors.Is(err, handshake.ErrHandshakeTimeout)
}

type State int

const (
	StateIdle State = iota
	StateListening
	StateAwaitingAccept
	StateHandshakeInFlight
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateAwaitingAccept:
		return "awaiting_accept"
	case StateHandshakeInFlight:
		return "handshake_in_flight"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
