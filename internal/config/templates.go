package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "caller":
		return callerTemplate, nil
	case "proxy":
		return proxyTemplate, nil
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

const serverTemplate = `identity         = "svc.demo"
registry_backend = "memory"
registry_ttl_ms  = 30000
ack_enabled      = true

listen_addr         = ":9600"
topics              = ["demo.echo"]
refresh_interval_ms = 10000

use_proxy          = false
proxy_backend_addr = "127.0.0.1:9502"
`

const callerTemplate = `identity         = "caller.demo"
registry_backend = "memory"
registry_ttl_ms  = 30000

policy             = "any-one"
ack_enabled        = true
max_attempts       = 3
attempt_timeout_ms = 5000

use_proxy           = false
proxy_frontend_addr = "127.0.0.1:9501"
`

const proxyTemplate = `identity      = "busctl.proxy"
frontend_addr = ":9501"
backend_addr  = ":9502"

admin_listen_addr = ":9510"
cors_origins      = ["http://localhost:3000"]

registry_backend    = "memory"
registry_ttl_ms     = 30000
refresh_interval_ms = 10000
`
