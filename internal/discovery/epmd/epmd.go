// Package epmd is a discovery backend speaking the port mapper daemon
// protocol: ALIVE2 to publish, PORT_PLEASE2 to resolve.
package epmd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/cnode/internal/discovery"
	"github.com/danmuck/cnode/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPort = 4369

	reqAlive2      byte = 120
	respAlive2X    byte = 118
	respAlive2     byte = 121
	reqPortPlease2 byte = 122
	respPort2      byte = 119

	NodeTypeHidden byte = 72
	NodeTypeNormal byte = 77

	protocolTCP byte = 0
	versionLow       = 5
	versionHigh      = 6
)

var (
	ErrRegistrationRefused = errors.New("epmd: registration refused")
	ErrUnexpectedResponse  = errors.New("epmd: unexpected response")
)

// Client talks to epmd. Publish goes to Addr; Resolve goes to the peer's
// host on the port from Addr.
type Client struct {
	Addr        string
	DialTimeout time.Duration
	NodeType    byte
}

func NewClient(addr string) *Client {
	if addr == "" {
		addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(DefaultPort))
	}
	return &Client{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
		NodeType:    NodeTypeHidden,
	}
}

var (
	_ discovery.Registry = (*Client)(nil)
	_ discovery.Resolver = (*Client)(nil)
)

// Registration holds the epmd connection open; epmd drops the name when it
// closes.
type Registration struct {
	conn     net.Conn
	Creation uint32
	once     sync.Once
}

func (r *Registration) Close() error {
	var err error
	r.once.Do(func() { err = r.conn.Close() })
	return err
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.DialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

func (c *Client) applyDeadline(ctx context.Context, conn net.Conn) error {
	deadline := time.Now().Add(c.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return conn.SetDeadline(deadline)
}

func (c *Client) Publish(ctx context.Context, name string, port int) (discovery.Registration, error) {
	alive, _, err := discovery.SplitName(name)
	if err != nil {
		return nil, err
	}
	if port <= 0 || port > 0xffff {
		return nil, fmt.Errorf("epmd: invalid port %d", port)
	}
	conn, err := c.dial(ctx, c.Addr)
	if err != nil {
		return nil, fmt.Errorf("epmd: dial %s: %w", c.Addr, err)
	}
	reg, err := c.alive2(ctx, conn, alive, port)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Debug().Str("component", "epmd.Client").Str("name", name).Int("port", port).
		Uint32("creation", reg.Creation).Msg("published")
	return reg, nil
}

func (c *Client) alive2(ctx context.Context, conn net.Conn, alive string, port int) (*Registration, error) {
	if err := c.applyDeadline(ctx, conn); err != nil {
		return nil, err
	}
	req := []byte{reqAlive2}
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	req = append(req, c.NodeType, protocolTCP)
	req = binary.BigEndian.AppendUint16(req, versionHigh)
	req = binary.BigEndian.AppendUint16(req, versionLow)
	req = binary.BigEndian.AppendUint16(req, uint16(len(alive)))
	req = append(req, alive...)
	req = binary.BigEndian.AppendUint16(req, 0)
	if err := frame.WriteFrame(conn, req, frame.HandshakeOptions()); err != nil {
		return nil, fmt.Errorf("epmd: send alive2: %w", err)
	}

	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return nil, fmt.Errorf("epmd: read alive2 response: %w", err)
	}
	if head[1] != 0 {
		return nil, fmt.Errorf("%w: result=%d", ErrRegistrationRefused, head[1])
	}
	reg := &Registration{conn: conn}
	switch head[0] {
	case respAlive2X:
		var b [4]byte
		if _, err := io.ReadFull(conn, b[:]); err != nil {
			return nil, fmt.Errorf("epmd: read creation: %w", err)
		}
		reg.Creation = binary.BigEndian.Uint32(b[:])
	case respAlive2:
		var b [2]byte
		if _, err := io.ReadFull(conn, b[:]); err != nil {
			return nil, fmt.Errorf("epmd: read creation: %w", err)
		}
		reg.Creation = uint32(binary.BigEndian.Uint16(b[:]))
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnexpectedResponse, head[0])
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return reg, nil
}

func (c *Client) Resolve(ctx context.Context, name string) (string, error) {
	alive, host, err := discovery.SplitName(name)
	if err != nil {
		return "", err
	}
	_, epmdPort, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return "", fmt.Errorf("epmd: bad addr %q: %w", c.Addr, err)
	}
	conn, err := c.dial(ctx, net.JoinHostPort(host, epmdPort))
	if err != nil {
		return "", fmt.Errorf("epmd: dial %s: %w", host, err)
	}
	defer conn.Close()
	if err := c.applyDeadline(ctx, conn); err != nil {
		return "", err
	}

	req := append([]byte{reqPortPlease2}, alive...)
	if err := frame.WriteFrame(conn, req, frame.HandshakeOptions()); err != nil {
		return "", fmt.Errorf("epmd: send port_please2: %w", err)
	}
	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return "", fmt.Errorf("epmd: read port2 response: %w", err)
	}
	if head[0] != respPort2 {
		return "", fmt.Errorf("%w: tag %d", ErrUnexpectedResponse, head[0])
	}
	if head[1] != 0 {
		return "", fmt.Errorf("%w: %s", discovery.ErrNotFound, name)
	}
	// port u16 | type u8 | protocol u8 | high u16 | low u16; the name and
	// extra fields that follow are not needed
	var body [8]byte
	if _, err := io.ReadFull(conn, body[:]); err != nil {
		return "", fmt.Errorf("epmd: read port2 body: %w", err)
	}
	port := binary.BigEndian.Uint16(body[0:2])
	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}
