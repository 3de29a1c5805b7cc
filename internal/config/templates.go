package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter profile in the given format.
func Template(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "toml", "":
		return tomlTemplate, nil
	case "yaml", "yml":
		return yamlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config format: %s", format)
	}
}

func WriteTemplate(path, format string, overwrite bool) error {
	template, err := Template(format)
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

const tomlTemplate = `[control]
address = "unix:/var/lib/torctl/control"
cookie_file = "/var/lib/torctl/cookie"

[session]
poll_interval = "100ms"
start_timeout = "60s"
command_timeout = "60s"
silent_timeouts = false
event_routing = "broadcast"
events = ["STATUS_CLIENT"]

[backend]
binary = "tor"
data_dir = "/var/lib/torctl"
socks_port = 9050

[http]
addr = "127.0.0.1:9380"
cors_origins = ["http://localhost:3000"]

[log]
level = "info"
`

const yamlTemplate = `control:
  address: unix:/var/lib/torctl/control
  cookie_file: /var/lib/torctl/cookie
session:
  poll_interval: 100ms
  start_timeout: 60s
  command_timeout: 60s
  silent_timeouts: false
  event_routing: broadcast
  events: [STATUS_CLIENT]
backend:
  binary: tor
  data_dir: /var/lib/torctl
  socks_port: 9050
http:
  addr: 127.0.0.1:9380
  cors_origins: ["http://localhost:3000"]
log:
  level: info
`
