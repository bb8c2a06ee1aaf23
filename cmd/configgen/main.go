package main

import (
	"flag"
	"log"

	"github.com/danmuck/busctl/internal/config"
)

func main() {
	kind := flag.String("kind", "server", "config kind: server|caller|proxy")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		var err error
		switch *kind {
		case "server":
			_, err = config.LoadServerConfig(path)
		case "caller":
			_, err = config.LoadCallerConfig(path)
		case "proxy":
			_, err = config.LoadProxyConfig(path)
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func defaultPath(kind string) string {
	switch kind {
	case "server":
		return "cmd/servectl/config.toml"
	case "caller":
		return "cmd/callctl/config.toml"
	case "proxy":
		return "cmd/proxyctl/config.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}
