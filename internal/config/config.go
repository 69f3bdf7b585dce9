package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	DiscoveryNone   = "none"
	DiscoveryStatic = "static"
	DiscoveryEPMD   = "epmd"
	DiscoveryEtcd   = "etcd"
)

// NodeConfig is the on-disk node configuration. Durations are Go duration
// strings; each has a *_ms integer alternative.
type NodeConfig struct {
	Name       string `toml:"name"`
	Cookie     string `toml:"cookie"`
	CookieFile string `toml:"cookie_file"`
	Creation   uint32 `toml:"creation"`
	BindAddr   string `toml:"bind_addr"`

	HandshakeTimeout   string `toml:"handshake_timeout"`
	HandshakeTimeoutMS int64  `toml:"handshake_timeout_ms"`
	PollTimeout        string `toml:"poll_timeout"`
	PollTimeoutMS      int64  `toml:"poll_timeout_ms"`
	AcceptTimeout      string `toml:"accept_timeout"`
	AcceptTimeoutMS    int64  `toml:"accept_timeout_ms"`
	ConnectTimeout     string `toml:"connect_timeout"`
	ConnectTimeoutMS   int64  `toml:"connect_timeout_ms"`
	WriteTimeout       string `toml:"write_timeout"`
	WriteTimeoutMS     int64  `toml:"write_timeout_ms"`

	MaxFrameBytes      uint32 `toml:"max_frame_bytes"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`

	Discovery     string       `toml:"discovery"`
	EpmdAddr      string       `toml:"epmd_addr"`
	EtcdEndpoints []string     `toml:"etcd_endpoints"`
	EtcdTTL       string       `toml:"etcd_ttl"`
	StaticPeers   []PeerConfig `toml:"static_peers"`

	StatusAddr  string   `toml:"status_addr"`
	CorsOrigins []string `toml:"cors_origins"`

	RegisterName string `toml:"register_name"`
	GreetingTo   string `toml:"greeting_to"`
}

type PeerConfig struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`
}

func LoadNodeConfig(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	if strings.TrimSpace(cfg.Discovery) == "" {
		cfg.Discovery = DiscoveryEPMD
	}
	if cfg.GreetingTo == "" {
		cfg.GreetingTo = "console"
	}
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateNodeConfig(cfg NodeConfig) error {
	alive, host, ok := strings.Cut(strings.TrimSpace(cfg.Name), "@")
	if !ok || alive == "" || host == "" {
		return fmt.Errorf("node config name must be alive@host, got %q", cfg.Name)
	}
	if cfg.Cookie != "" && cfg.CookieFile != "" {
		return fmt.Errorf("node config sets both cookie and cookie_file")
	}
	for key, raw := range map[string]string{
		"handshake_timeout": cfg.HandshakeTimeout,
		"poll_timeout":      cfg.PollTimeout,
		"accept_timeout":    cfg.AcceptTimeout,
		"connect_timeout":   cfg.ConnectTimeout,
		"write_timeout":     cfg.WriteTimeout,
		"etcd_ttl":          cfg.EtcdTTL,
	} {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("node config %s: %w", key, err)
		}
	}
	if cfg.MaxConnectAttempts < 0 {
		return fmt.Errorf("node config max_connect_attempts must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Discovery)) {
	case "", DiscoveryNone, DiscoveryEPMD:
	case DiscoveryStatic:
		if len(cfg.StaticPeers) == 0 {
			return fmt.Errorf("static discovery requires at least one static_peers entry")
		}
	case DiscoveryEtcd:
		if len(cfg.EtcdEndpoints) == 0 {
			return fmt.Errorf("etcd discovery requires etcd_endpoints")
		}
	default:
		return fmt.Errorf("unknown discovery backend %q", cfg.Discovery)
	}
	for i, peer := range cfg.StaticPeers {
		if err := ValidatePeerEntry(peer); err != nil {
			return fmt.Errorf("static_peers[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func ValidatePeerEntry(cfg PeerConfig) error {
	if !strings.Contains(strings.TrimSpace(cfg.Name), "@") {
		return fmt.Errorf("name must be alive@host")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	return nil
}

// ParseDuration accepts an empty string as unset.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", raw)
	}
	return d, nil
}
