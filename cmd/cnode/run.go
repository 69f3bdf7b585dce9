package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/cnode/internal/auth"
	"github.com/danmuck/cnode/internal/config"
	"github.com/danmuck/cnode/internal/discovery"
	"github.com/danmuck/cnode/internal/discovery/epmd"
	"github.com/danmuck/cnode/internal/discovery/etcd"
	"github.com/danmuck/cnode/internal/logging"
	"github.com/danmuck/cnode/internal/node"
	"github.com/danmuck/cnode/internal/protocol/control"
	"github.com/danmuck/cnode/internal/protocol/term"
	"github.com/danmuck/cnode/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

type backends struct {
	registry discovery.Registry
	resolver discovery.Resolver
	close    func() error
}

func buildDiscovery(cfg runConfig) (backends, error) {
	static := discovery.NewStatic(cfg.StaticPeers)
	b := backends{registry: discovery.Nop{}, resolver: static, close: func() error { return nil }}
	switch cfg.Discovery {
	case config.DiscoveryNone, "":
	case config.DiscoveryStatic:
		b.registry = static
	case config.DiscoveryEPMD:
		c := epmd.NewClient(cfg.EpmdAddr)
		b.registry, b.resolver = c, chainResolver{static, c}
	case config.DiscoveryEtcd:
		cli, err := etcd.Dial(cfg.EtcdEndpoints, cfg.Node.ConnectTimeout, logging.ZapLogger())
		if err != nil {
			return backends{}, fmt.Errorf("etcd dial: %w", err)
		}
		be, err := etcd.New(cli, cli, cfg.EtcdTTL)
		if err != nil {
			_ = cli.Close()
			return backends{}, err
		}
		b.registry, b.resolver, b.close = be, chainResolver{static, be}, cli.Close
	default:
		return backends{}, fmt.Errorf("unknown discovery backend %q", cfg.Discovery)
	}
	return b, nil
}

// chainResolver asks each resolver in turn.
type chainResolver []discovery.Resolver

func (c chainResolver) Resolve(ctx context.Context, name string) (string, error) {
	var last error
	for _, r := range c {
		addr, err := r.Resolve(ctx, name)
		if err == nil {
			return addr, nil
		}
		last = err
	}
	return "", last
}

func run(parent context.Context, cfg runConfig) error {
	logging.ConfigureRuntime()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cookie, err := auth.ResolveCookie(cfg.Cookie, cfg.CookieFile)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cookie: %v", err), exitBootstrap)
	}
	cfg.Node.Cookie = cookie

	b, err := buildDiscovery(cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitBootstrap)
	}
	defer b.close()
	cfg.Node.Registry, cfg.Node.Resolver = b.registry, b.resolver

	ep, err := node.NewEndpoint(cfg.Node)
	if err != nil {
		return cli.Exit(err.Error(), exitBootstrap)
	}
	defer ep.Close()
	log.Info().Str("node", ep.Name()).Str("self", ep.Self().String()).Msg("initialized")

	var (
		port    atomic.Int64
		current atomic.Pointer[node.Session]
	)
	if cfg.StatusAddr != "" {
		srv := server.New(ep.Name(), cfg.StatusAddr, cfg.CorsOrigins, func() server.Status {
			st := server.Status{Node: ep.Name(), Port: int(port.Load()), State: ep.State().String()}
			if s := current.Load(); s != nil {
				st.State = s.State().String()
				st.Peer = s.Peer().Name
			}
			return st
		})
		if _, err := srv.Start(); err != nil {
			return cli.Exit(fmt.Sprintf("status server: %v", err), exitBootstrap)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sess, err := establish(ctx, ep, cfg, &port)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return cli.Exit(err.Error(), exitBootstrap)
	}
	current.Store(sess)
	defer sess.Close()
	go func() {
		<-ctx.Done()
		_ = sess.Close()
		_ = ep.Close()
	}()
	log.Info().Str("peer", sess.Peer().Name).Msg("connected")

	greeting := term.Tuple{ep.Self(), term.Atom("Hello world")}
	if err := sess.RegSend(ep.Self(), cfg.GreetingTo, greeting); err != nil {
		return cli.Exit(fmt.Sprintf("greeting: %v", err), exitRuntime)
	}

	if err := receiveLoop(ctx, sess, cfg); err != nil {
		return cli.Exit(err.Error(), exitRuntime)
	}
	return nil
}

// establish either dials cfg.Connect or listens, publishes and accepts one
// peer.
func establish(ctx context.Context, ep *node.Endpoint, cfg runConfig, port *atomic.Int64) (*node.Session, error) {
	if cfg.Connect != "" {
		return ep.Connect(cfg.Connect)
	}
	p, l, err := ep.Listen()
	if err != nil {
		return nil, err
	}
	port.Store(int64(p))
	pubCtx, cancel := context.WithTimeout(ctx, cfg.Node.ConnectTimeout)
	_ = ep.Publish(pubCtx, p)
	cancel()

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	return ep.Accept(l, cfg.Node.AcceptTimeout)
}

func receiveLoop(ctx context.Context, sess *node.Session, cfg runConfig) error {
	for {
		ev, err := sess.Receive(cfg.Node.PollTimeout)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case node.IsTimeout(err):
			continue
		case sess.State() == node.StateEstablished:
			log.Warn().Err(err).Msg("dropped undecodable message")
			continue
		default:
			return err
		}

		if ev.Kind == node.EventTick {
			log.Debug().Msg("tick")
			continue
		}
		logMessage(ev, cfg)
	}
}

func logMessage(ev node.Event, cfg runConfig) {
	entry := log.Info().Str("op", ev.Control.Op.String())
	if (ev.Sender != term.Pid{}) {
		entry = entry.Str("from", ev.Sender.String())
	}
	if ev.Control.Op == control.OpRegSend {
		to, _ := ev.Control.ToName()
		entry = entry.Str("to", string(to))
		if cfg.RegisterName != "" && string(to) != cfg.RegisterName {
			log.Warn().Str("to", string(to)).Msg("no process registered under that name")
		}
	}
	if fn, ok := functionName(ev.Message); ok {
		entry = entry.Str("function", string(fn))
	}
	entry.Str("message", termString(ev.Message)).Msg("got message")
}

// functionName is the leading atom of a {Fun, Args...} request tuple.
func functionName(t term.Term) (term.Atom, bool) {
	tup, ok := t.(term.Tuple)
	if !ok || len(tup) == 0 {
		return "", false
	}
	a, ok := tup[0].(term.Atom)
	return a, ok
}

func termString(t term.Term) string {
	if t == nil {
		return ""
	}
	return t.String()
}
