package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	exitBootstrap = 2
	exitRuntime   = 3
)

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "cnode: %v\n", err)
		if coder, ok := err.(cli.ExitCoder); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func app() *cli.App {
	return &cli.App{
		Name:  "cnode",
		Usage: "hidden distribution node: accept one peer, greet it, then log what it sends",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to node TOML config",
				EnvVars: []string{"CNODE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "node name (alive@host), overrides config",
			},
			&cli.StringFlag{
				Name:  "cookie",
				Usage: "shared cookie, overrides config and CNODE_COOKIE",
			},
			&cli.StringFlag{
				Name:  "bind",
				Usage: "listen address, overrides config",
			},
			&cli.StringFlag{
				Name:  "discovery",
				Usage: "discovery backend: epmd|etcd|static|none",
			},
			&cli.StringFlag{
				Name:  "status-addr",
				Usage: "serve /health, /status and /metrics on this address",
			},
			&cli.StringFlag{
				Name:  "connect",
				Usage: "dial this peer instead of waiting for one",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadRunConfig(c.String("config"))
			if err != nil {
				return cli.Exit(err.Error(), exitBootstrap)
			}
			applyFlags(c, &cfg)
			return run(c.Context, cfg)
		},
	}
}

func applyFlags(c *cli.Context, cfg *runConfig) {
	if c.IsSet("name") {
		cfg.Node.Name = c.String("name")
	}
	if c.IsSet("cookie") {
		cfg.Cookie = c.String("cookie")
	}
	if c.IsSet("bind") {
		cfg.Node.BindAddr = c.String("bind")
	}
	if c.IsSet("discovery") {
		cfg.Discovery = c.String("discovery")
	}
	if c.IsSet("status-addr") {
		cfg.StatusAddr = c.String("status-addr")
	}
	if c.IsSet("connect") {
		cfg.Connect = c.String("connect")
	}
}
