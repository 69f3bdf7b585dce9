// Package etcd publishes node names as leased keys in etcd.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/cnode/internal/discovery"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	DefaultPrefix = "/cnode/nodes/"
	DefaultTTL    = 10 * time.Second
)

var ErrInvalidTTL = errors.New("etcd: ttl must be at least one second")

// KV is the part of clientv3.KV the backend uses.
type KV interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// Lease is the part of clientv3.Lease the backend uses.
type Lease interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
}

// Dial opens an etcd client. A nil logger silences the client.
func Dial(endpoints []string, timeout time.Duration, logger *zap.Logger) (*clientv3.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
		Logger:      logger,
	})
}

type Backend struct {
	kv     KV
	lease  Lease
	prefix string
	ttl    time.Duration
}

var (
	_ discovery.Registry = (*Backend)(nil)
	_ discovery.Resolver = (*Backend)(nil)
)

// New builds a backend; a *clientv3.Client serves as both kv and lease.
func New(kv KV, lease Lease, ttl time.Duration) (*Backend, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < time.Second {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	return &Backend{kv: kv, lease: lease, prefix: DefaultPrefix, ttl: ttl}, nil
}

// Key is the etcd key a node name is stored under.
func (b *Backend) Key(name string) string {
	return b.prefix + name
}

func (b *Backend) Publish(ctx context.Context, name string, port int) (discovery.Registration, error) {
	_, host, err := discovery.SplitName(name)
	if err != nil {
		return nil, err
	}
	grant, err := b.lease.Grant(ctx, int64(b.ttl/time.Second))
	if err != nil {
		return nil, fmt.Errorf("etcd: grant lease: %w", err)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if _, err := b.kv.Put(ctx, b.Key(name), addr, clientv3.WithLease(grant.ID)); err != nil {
		_, _ = b.lease.Revoke(context.Background(), grant.ID)
		return nil, fmt.Errorf("etcd: put %s: %w", b.Key(name), err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := b.lease.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		_, _ = b.lease.Revoke(context.Background(), grant.ID)
		return nil, fmt.Errorf("etcd: keepalive: %w", err)
	}
	reg := &registration{lease: b.lease, id: grant.ID, cancel: cancel, done: make(chan struct{})}
	go reg.drain(ch, name)

	log.Debug().Str("component", "etcd.Backend").Str("name", name).Str("addr", addr).
		Int64("lease", int64(grant.ID)).Msg("published")
	return reg, nil
}

func (b *Backend) Resolve(ctx context.Context, name string) (string, error) {
	resp, err := b.kv.Get(ctx, b.Key(name))
	if err != nil {
		return "", fmt.Errorf("etcd: get %s: %w", b.Key(name), err)
	}
	if resp == nil || len(resp.Kvs) == 0 {
		return "", fmt.Errorf("%w: %s", discovery.ErrNotFound, name)
	}
	return string(resp.Kvs[0].Value), nil
}

type registration struct {
	lease  Lease
	id     clientv3.LeaseID
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// drain consumes keepalive responses until the lease context ends.
func (r *registration) drain(ch <-chan *clientv3.LeaseKeepAliveResponse, name string) {
	defer close(r.done)
	for range ch {
	}
	log.Debug().Str("component", "etcd.Backend").Str("name", name).Msg("keepalive stopped")
}

func (r *registration) Close() error {
	r.once.Do(func() {
		r.cancel()
		<-r.done
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := r.lease.Revoke(ctx, r.id); err != nil {
			r.err = fmt.Errorf("etcd: revoke lease: %w", err)
		}
	})
	return r.err
}
