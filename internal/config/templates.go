package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node", "":
		return nodeTemplate, nil
	case "etcd":
		return etcdTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const nodeTemplate = `name = "c@127.0.0.1"
cookie_file = "~/.erlang.cookie"
creation = 1
bind_addr = "127.0.0.1:0"

handshake_timeout = "5s"
poll_timeout = "1s"
accept_timeout = "30s"
connect_timeout = "5s"
write_timeout = "10s"
max_frame_bytes = 8388608
max_connect_attempts = 5

discovery = "epmd"
epmd_addr = "127.0.0.1:4369"

status_addr = "127.0.0.1:9400"
cors_origins = ["http://localhost:3000"]

greeting_to = "console"
`

const etcdTemplate = `name = "c@10.0.0.5"
cookie_file = "~/.erlang.cookie"
bind_addr = "0.0.0.0:0"
poll_timeout = "1s"
accept_timeout = "30s"

discovery = "etcd"
etcd_endpoints = ["127.0.0.1:2379"]
etcd_ttl = "10s"

[[static_peers]]
name = "iex@10.0.0.6"
addr = "10.0.0.6:4370"

greeting_to = "console"
`
