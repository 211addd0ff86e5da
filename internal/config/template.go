// ABOUTME: Commented default configuration written by `coven-stream init`
// ABOUTME: Kept in sync with Default(); a test loads it and compares

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultYAML is the annotated default configuration file.
const DefaultYAML = `# coven-stream configuration

server:
  http_addr: "localhost:8080"      # websocket, health, and session endpoints
  grpc_addr: "localhost:50051"     # grpc.health.v1; empty disables
  allowed_origins: []              # websocket Origin allow-list; empty = same host or localhost
  ws_path: "/ws"

streaming:
  idle_timeout: "10m"              # sessions without a result are force-ended
  grace_period: "30s"              # ended sessions stay resolvable for slow joiners
  late_delivery_delay: "250ms"     # second terminal delivery pass
  sweep_interval: "5s"
  send_buffer: 64                  # outbound queue per connection
  send_timeout: "2s"               # slow subscribers are dropped after this
  keepalive_timeout: "90s"         # silent connections are closed
  max_message_bytes: 1048576
  inbound_rate: 20                 # messages per second per connection
  inbound_burst: 40

runner:
  kind: "echo"                     # echo | http
  url: ""                          # upstream NDJSON endpoint for kind http
  timeout: "5m"
  headers: {}
  #   Authorization: "Bearer ${FLOW_TOKEN}"

database:
  path: ""                         # session ledger; empty keeps it in memory
  retention: "168h"                # ended sessions older than this are pruned; "0s" keeps all

logging:
  level: "info"                    # debug, info, warn, error
  format: "text"                   # text, json

metrics:
  enabled: true
`

// WriteDefault writes DefaultYAML to path, creating parent directories. It
// refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(DefaultYAML), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
