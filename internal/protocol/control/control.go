// Package control encodes and decodes distribution control messages: the
// pass-through payloads that follow the handshake.
package control

import (
	"errors"
	"fmt"

	"github.com/danmuck/cnode/internal/protocol/term"
)

// PassThrough prefixes every payload sent without the atom cache.
const PassThrough byte = 'p'

// Op is the first element of a control tuple.
type Op int

const (
	OpLink        Op = 1
	OpSend        Op = 2
	OpExit        Op = 3
	OpUnlink      Op = 4
	OpNodeLink    Op = 5
	OpRegSend     Op = 6
	OpGroupLeader Op = 7
	OpExit2       Op = 8
	OpSendTT      Op = 12
	OpExitTT      Op = 13
	OpRegSendTT   Op = 16
	OpExit2TT     Op = 18
	OpSendSender  Op = 22
)

var (
	ErrNotPassThrough = errors.New("control: payload is not pass-through")
	ErrMalformed      = errors.New("control: malformed control message")
	ErrMissingMessage = errors.New("control: message term missing")
)

func (o Op) String() string {
	switch o {
	case OpLink:
		return "link"
	case OpSend:
		return "send"
	case OpExit:
		return "exit"
	case OpUnlink:
		return "unlink"
	case OpNodeLink:
		return "node_link"
	case OpRegSend:
		return "reg_send"
	case OpGroupLeader:
		return "group_leader"
	case OpExit2:
		return "exit2"
	case OpSendTT:
		return "send_tt"
	case OpExitTT:
		return "exit_tt"
	case OpRegSendTT:
		return "reg_send_tt"
	case OpExit2TT:
		return "exit2_tt"
	case OpSendSender:
		return "send_sender"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// CarriesMessage reports whether a message term follows the control tuple.
func (o Op) CarriesMessage() bool {
	switch o {
	case OpSend, OpRegSend, OpSendTT, OpRegSendTT, OpSendSender:
		return true
	default:
		return false
	}
}

// Message is one decoded control message and its optional message term.
type Message struct {
	Op      Op
	Control term.Tuple
	Message term.Term
}

// Sender returns the sending pid for ops that carry one.
func (m Message) Sender() (term.Pid, bool) {
	switch m.Op {
	case OpRegSend, OpRegSendTT, OpSendSender, OpLink, OpUnlink, OpExit, OpExit2, OpExitTT, OpExit2TT:
		if len(m.Control) < 2 {
			return term.Pid{}, false
		}
		p, ok := m.Control[1].(term.Pid)
		return p, ok
	default:
		return term.Pid{}, false
	}
}

// ToName returns the registered destination of a reg_send.
func (m Message) ToName() (term.Atom, bool) {
	if (m.Op != OpRegSend && m.Op != OpRegSendTT) || len(m.Control) < 4 {
		return "", false
	}
	a, ok := m.Control[3].(term.Atom)
	return a, ok
}

// ToPid returns the destination pid of a send.
func (m Message) ToPid() (term.Pid, bool) {
	var idx int
	switch m.Op {
	case OpSend, OpSendTT, OpSendSender:
		idx = 2
	case OpLink, OpUnlink, OpExit, OpExit2, OpExitTT, OpExit2TT:
		idx = 2
	default:
		return term.Pid{}, false
	}
	if len(m.Control) <= idx {
		return term.Pid{}, false
	}
	p, ok := m.Control[idx].(term.Pid)
	return p, ok
}

// RegSend builds {6, From, '', ToName}.
func RegSend(from term.Pid, to string, msg term.Term) Message {
	return Message{
		Op:      OpRegSend,
		Control: term.Tuple{term.Int(OpRegSend), from, term.Atom(""), term.Atom(to)},
		Message: msg,
	}
}

// Send builds {2, '', ToPid}.
func Send(to term.Pid, msg term.Term) Message {
	return Message{
		Op:      OpSend,
		Control: term.Tuple{term.Int(OpSend), term.Atom(""), to},
		Message: msg,
	}
}

// SendSender builds {22, From, ToPid}.
func SendSender(from, to term.Pid, msg term.Term) Message {
	return Message{
		Op:      OpSendSender,
		Control: term.Tuple{term.Int(OpSendSender), from, to},
		Message: msg,
	}
}

// Link builds {1, From, To}.
func Link(from, to term.Pid) Message {
	return Message{Op: OpLink, Control: term.Tuple{term.Int(OpLink), from, to}}
}

// Unlink builds {4, From, To}.
func Unlink(from, to term.Pid) Message {
	return Message{Op: OpUnlink, Control: term.Tuple{term.Int(OpUnlink), from, to}}
}

// Exit builds {3, From, To, Reason}.
func Exit(from, to term.Pid, reason term.Term) Message {
	return Message{Op: OpExit, Control: term.Tuple{term.Int(OpExit), from, to, reason}}
}

// Encode returns the pass-through payload for m.
func Encode(m Message) ([]byte, error) {
	if len(m.Control) == 0 {
		return nil, fmt.Errorf("%w: empty control tuple", ErrMalformed)
	}
	if m.Op.CarriesMessage() && m.Message == nil {
		return nil, fmt.Errorf("%w: op %s", ErrMissingMessage, m.Op)
	}
	buf := []byte{PassThrough, term.Version}
	buf, err := term.Append(buf, m.Control)
	if err != nil {
		return nil, fmt.Errorf("control: encode control: %w", err)
	}
	if m.Message == nil {
		return buf, nil
	}
	buf = append(buf, term.Version)
	buf, err = term.Append(buf, m.Message)
	if err != nil {
		return nil, fmt.Errorf("control: encode message: %w", err)
	}
	return buf, nil
}

// Decode parses a pass-through payload.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 || payload[0] != PassThrough {
		return Message{}, ErrNotPassThrough
	}
	rest := payload[1:]
	ctl, n, err := term.DecodePrefix(rest)
	if err != nil {
		return Message{}, fmt.Errorf("control: decode control: %w", err)
	}
	tup, ok := ctl.(term.Tuple)
	if !ok || len(tup) == 0 {
		return Message{}, fmt.Errorf("%w: control is %v", ErrMalformed, ctl)
	}
	opInt, ok := tup[0].(term.Int)
	if !ok {
		return Message{}, fmt.Errorf("%w: op is %v", ErrMalformed, tup[0])
	}
	m := Message{Op: Op(opInt), Control: tup}
	rest = rest[n:]
	if len(rest) == 0 {
		if m.Op.CarriesMessage() {
			return Message{}, fmt.Errorf("%w: op %s", ErrMissingMessage, m.Op)
		}
		return m, nil
	}
	msg, err := term.Decode(rest)
	if err != nil {
		return Message{}, fmt.Errorf("control: decode message: %w", err)
	}
	m.Message = msg
	return m, nil
}
