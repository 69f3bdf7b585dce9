package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/cnode/internal/config"
	"github.com/danmuck/cnode/internal/discovery/etcd"
	"github.com/danmuck/cnode/internal/node"
)

// runConfig is node.Config plus the process-level settings around it.
type runConfig struct {
	Node node.Config

	Cookie     string
	CookieFile string

	Discovery     string
	EpmdAddr      string
	EtcdEndpoints []string
	EtcdTTL       time.Duration
	StaticPeers   map[string]string

	StatusAddr  string
	CorsOrigins []string

	RegisterName string
	GreetingTo   string
	Connect      string
}

func defaultRunConfig() runConfig {
	cfg := node.DefaultConfig()
	cfg.Name = "c@127.0.0.1"
	return runConfig{
		Node:        cfg,
		Discovery:   config.DiscoveryEPMD,
		EtcdTTL:     etcd.DefaultTTL,
		StaticPeers: map[string]string{},
		GreetingTo:  "console",
	}
}

func loadRunConfig(path string) (runConfig, error) {
	cfg := defaultRunConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw config.NodeConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runConfig{}, fmt.Errorf("load node config: %w", err)
	}

	if meta.IsDefined("name") {
		cfg.Node.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("cookie") {
		cfg.Cookie = raw.Cookie
	}
	if meta.IsDefined("cookie_file") {
		cfg.CookieFile = strings.TrimSpace(raw.CookieFile)
	}
	if meta.IsDefined("creation") {
		cfg.Node.Creation = raw.Creation
	}
	if meta.IsDefined("bind_addr") {
		cfg.Node.BindAddr = strings.TrimSpace(raw.BindAddr)
	}

	durations := []struct {
		key string
		raw string
		ms  int64
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, raw.HandshakeTimeoutMS, &cfg.Node.HandshakeTimeout},
		{"poll_timeout", raw.PollTimeout, raw.PollTimeoutMS, &cfg.Node.PollTimeout},
		{"accept_timeout", raw.AcceptTimeout, raw.AcceptTimeoutMS, &cfg.Node.AcceptTimeout},
		{"connect_timeout", raw.ConnectTimeout, raw.ConnectTimeoutMS, &cfg.Node.ConnectTimeout},
		{"write_timeout", raw.WriteTimeout, raw.WriteTimeoutMS, &cfg.Node.WriteTimeout},
	}
	for _, d := range durations {
		if meta.IsDefined(d.key) {
			v, err := config.ParseDuration(d.raw)
			if err != nil {
				return runConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
			}
			*d.dst = v
		}
		if meta.IsDefined(d.key + "_ms") {
			*d.dst = time.Duration(d.ms) * time.Millisecond
		}
	}

	if meta.IsDefined("max_frame_bytes") {
		cfg.Node.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.Node.MaxConnectAttempts = raw.MaxConnectAttempts
	}

	if meta.IsDefined("discovery") {
		cfg.Discovery = strings.ToLower(strings.TrimSpace(raw.Discovery))
	}
	if meta.IsDefined("epmd_addr") {
		cfg.EpmdAddr = strings.TrimSpace(raw.EpmdAddr)
	}
	if meta.IsDefined("etcd_endpoints") {
		cfg.EtcdEndpoints = normalizeList(raw.EtcdEndpoints)
	}
	if meta.IsDefined("etcd_ttl") {
		d, err := config.ParseDuration(raw.EtcdTTL)
		if err != nil {
			return runConfig{}, fmt.Errorf("parse etcd_ttl: %w", err)
		}
		cfg.EtcdTTL = d
	}
	if meta.IsDefined("static_peers") {
		for i, peer := range raw.StaticPeers {
			if err := config.ValidatePeerEntry(peer); err != nil {
				return runConfig{}, fmt.Errorf("static_peers[%d] invalid: %w", i, err)
			}
			cfg.StaticPeers[strings.TrimSpace(peer.Name)] = strings.TrimSpace(peer.Addr)
		}
	}

	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("register_name") {
		cfg.RegisterName = strings.TrimSpace(raw.RegisterName)
	}
	if meta.IsDefined("greeting_to") {
		cfg.GreetingTo = strings.TrimSpace(raw.GreetingTo)
	}

	return cfg, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
