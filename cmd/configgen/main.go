package main

import (
	"flag"
	"log"

	"github.com/danmuck/cnode/internal/config"
)

func main() {
	kind := flag.String("kind", "node", "config kind: node|etcd")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to cmd/cnode/config.toml)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = "cmd/cnode/config.toml"
		}
		cfg, err := config.LoadNodeConfig(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated node config %s at %s (discovery=%s)", cfg.Name, path, cfg.Discovery)
		return
	}

	if _, err := config.Template(*kind); err != nil {
		log.Fatal(err)
	}
	target := *output
	if target == "" {
		target = "cmd/cnode/config.toml"
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
