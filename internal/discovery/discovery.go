// Package discovery advertises node names and resolves them to addresses.
//
// The node core only sees the Registry and Resolver interfaces; backends
// (static table, epmd, etcd) live in this package tree.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrNotFound    = errors.New("discovery: node not found")
	ErrInvalidName = errors.New("discovery: invalid node name")
)

// Registration is a live advertisement. Close withdraws it.
type Registration interface {
	Close() error
}

// Registry publishes this node's listening port under its name.
type Registry interface {
	Publish(ctx context.Context, name string, port int) (Registration, error)
}

// Resolver maps a node name to a dialable host:port.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// SplitName splits alive@host.
func SplitName(name string) (alive, host string, err error) {
	alive, host, ok := strings.Cut(name, "@")
	if !ok || alive == "" || host == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return alive, host, nil
}

// Static is an in-process name table. It serves as both Registry and
// Resolver, and backs configured static peers.
type Static struct {
	mu    sync.RWMutex
	addrs map[string]string
}

func NewStatic(peers map[string]string) *Static {
	s := &Static{addrs: make(map[string]string, len(peers))}
	for name, addr := range peers {
		s.addrs[strings.TrimSpace(name)] = strings.TrimSpace(addr)
	}
	return s
}

func (s *Static) Publish(_ context.Context, name string, port int) (Registration, error) {
	_, host, err := SplitName(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[name] = net.JoinHostPort(host, strconv.Itoa(port))
	return &staticRegistration{s: s, name: name}, nil
}

func (s *Static) Resolve(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.addrs[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return addr, nil
}

type staticRegistration struct {
	s    *Static
	name string
	once sync.Once
}

func (r *staticRegistration) Close() error {
	r.once.Do(func() {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		delete(r.s.addrs, r.name)
	})
	return nil
}

// Nop publishes nowhere. Nodes using it are reachable only by address.
type Nop struct{}

func (Nop) Publish(context.Context, string, int) (Registration, error) {
	return nopRegistration{}, nil
}

type nopRegistration struct{}

func (nopRegistration) Close() error { return nil }
