// Package frame implements length-prefixed framing for distribution links.
//
// After the handshake every frame is a 4-byte big-endian length followed by
// that many payload bytes; a zero length is a tick. Handshake messages use
// the same scheme with a 2-byte length.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

const (
	HeaderLen          = 4
	HandshakeHeaderLen = 2

	readChunk = 32 * 1024
)

var (
	ErrFrameTooLarge  = errors.New("frame: frame too large")
	ErrTimeout        = errors.New("frame: read timeout")
	ErrUnexpectedEOF  = errors.New("frame: connection closed mid frame")
	ErrClosed         = errors.New("frame: connection closed")
	ErrInvalidOptions = errors.New("frame: invalid options")
)

// Options constrains frame decode/encode memory use.
type Options struct {
	HeaderLen  int
	MaxPayload uint32
}

func DefaultOptions() Options {
	return Options{
		HeaderLen:  HeaderLen,
		MaxPayload: 8 * 1024 * 1024,
	}
}

func HandshakeOptions() Options {
	return Options{
		HeaderLen:  HandshakeHeaderLen,
		MaxPayload: 0xffff,
	}
}

func (o Options) validate() error {
	switch o.HeaderLen {
	case HeaderLen:
	case HandshakeHeaderLen:
		if o.MaxPayload > 0xffff {
			return fmt.Errorf("%w: max payload %d exceeds 2-byte header", ErrInvalidOptions, o.MaxPayload)
		}
	default:
		return fmt.Errorf("%w: header len %d", ErrInvalidOptions, o.HeaderLen)
	}
	if o.MaxPayload == 0 {
		return fmt.Errorf("%w: zero max payload", ErrInvalidOptions)
	}
	return nil
}

// Frame is one complete wire message. Tick frames carry no payload.
type Frame struct {
	Tick    bool
	Payload []byte
}

// Conn is the read side a Reader needs. net.Conn satisfies it.
type Conn interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Reader reads frames from a stream. Bytes of a partially received frame
// survive a timeout and are completed by the next ReadFrame call.
// A Reader is not safe for concurrent use.
type Reader struct {
	conn  Conn
	opts  Options
	buf   []byte
	chunk []byte
}

func NewReader(conn Conn, opts Options) (*Reader, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Reader{
		conn:  conn,
		opts:  opts,
		chunk: make([]byte, readChunk),
	}, nil
}

// Reset switches the framing options. Buffered bytes are kept, so a link can
// move from handshake framing to message framing without losing data that
// arrived early.
func (r *Reader) Reset(opts Options) error {
	if err := opts.validate(); err != nil {
		return err
	}
	r.opts = opts
	return nil
}

// Options returns the framing options in effect.
func (r *Reader) Options() Options {
	return r.opts
}

// Buffered returns the number of received bytes not yet returned as a frame.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

// ReadFrame blocks for at most timeout until one full frame is available.
// A non-positive timeout waits without a deadline.
func (r *Reader) ReadFrame(timeout time.Duration) (Frame, error) {
	if f, ok, err := r.next(); err != nil || ok {
		return f, err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := r.conn.SetReadDeadline(deadline); err != nil {
		return Frame{}, err
	}

	for {
		n, err := r.conn.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
			if f, ok, perr := r.next(); perr != nil || ok {
				return f, perr
			}
		}
		if err != nil {
			return Frame{}, r.readErr(err)
		}
	}
}

// next extracts one frame from the buffer when enough bytes are present.
func (r *Reader) next() (Frame, bool, error) {
	hl := r.opts.HeaderLen
	if len(r.buf) < hl {
		return Frame{}, false, nil
	}
	var length uint32
	if hl == HeaderLen {
		length = binary.BigEndian.Uint32(r.buf[:hl])
	} else {
		length = uint32(binary.BigEndian.Uint16(r.buf[:hl]))
	}
	if length > r.opts.MaxPayload {
		return Frame{}, false, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, r.opts.MaxPayload)
	}
	total := hl + int(length)
	if len(r.buf) < total {
		return Frame{}, false, nil
	}

	payload := make([]byte, length)
	copy(payload, r.buf[hl:total])
	rest := copy(r.buf, r.buf[total:])
	r.buf = r.buf[:rest]

	if length == 0 && hl == HeaderLen {
		return Frame{Tick: true}, true, nil
	}
	return Frame{Payload: payload}, true, nil
}

func (r *Reader) readErr(err error) error {
	if IsTimeoutError(err) {
		return ErrTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		if len(r.buf) > 0 {
			return fmt.Errorf("%w: %d bytes pending", ErrUnexpectedEOF, len(r.buf))
		}
		return ErrClosed
	}
	return err
}

// IsTimeoutError reports whether err is a deadline expiry from a net.Conn.
func IsTimeoutError(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// WriteFrame writes the length prefix and payload in a single Write call.
func WriteFrame(w io.Writer, payload []byte, opts Options) error {
	if err := opts.validate(); err != nil {
		return err
	}
	if uint64(len(payload)) > uint64(opts.MaxPayload) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), opts.MaxPayload)
	}
	buf := make([]byte, opts.HeaderLen, opts.HeaderLen+len(payload))
	if opts.HeaderLen == HeaderLen {
		binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	} else {
		binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	}
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// WriteTick writes a zero-length keepalive frame.
func WriteTick(w io.Writer) error {
	var tick [HeaderLen]byte
	_, err := w.Write(tick[:])
	return err
}
