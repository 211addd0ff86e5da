// Package config handles configuration loading for coven-stream.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every field has a default, so an empty file (or no file at all)
// runs a local development server with the echo runner.
//
// # Configuration File
//
// Locations, first match wins:
//
//  1. The --config flag
//  2. Path from the COVEN_STREAM_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/stream.yaml
//  4. ~/.config/coven/stream.yaml
//
// A missing file is only an error when it was named explicitly (1 or 2).
// Files ending in .toml are decoded with BurntSushi/toml; anything else is
// YAML.
//
// # Environment Variable Expansion
//
//	runner:
//	  headers:
//	    Authorization: "Bearer ${FLOW_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Durations use Go's time.ParseDuration syntax:
//
//	streaming:
//	  idle_timeout: "10m"
//	  grace_period: "30s"
//	  late_delivery_delay: "250ms"
//
// # Sections
//
//   - server: HTTP/websocket and gRPC health listeners, allowed origins
//   - streaming: session lifecycle and per-connection delivery limits
//   - runner: echo or http agent flow runner
//   - database: session ledger path (empty = in memory)
//   - logging: level and format
//   - metrics: OpenTelemetry instruments on/off
//
// See DefaultYAML for the annotated defaults.
package config
