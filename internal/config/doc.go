// Package config handles configuration loading for coven-console.
//
// # Configuration File
//
// Location (first match wins):
//
//  1. --config flag
//  2. COVEN_CONSOLE_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/console.yaml (~/.config/coven/console.yaml)
//
// A missing file at the default location is not an error; Default() is used.
// Files ending in .toml are parsed as TOML, everything else as YAML.
//
// # Environment Variable Expansion
//
//	gateway:
//	  token: "${COVEN_TOKEN}"
//
// An empty gateway.token also falls back to COVEN_TOKEN.
//
// # Configuration Sections
//
//	gateway:
//	  url: "ws://127.0.0.1:18789"
//	  token: "${COVEN_TOKEN}"
//	  local: "auto"              # auto, true, false
//
//	console:
//	  restart_max_wait: "90s"
//	  reconcile_interval: "3s"
//	  probe_timeout: "1s"
//	  patch_flush_interval: "50ms"
//	  approval_sweep_interval: "5s"
//	  dedupe_ttl: "5m"
//
//	database:
//	  path: "~/.local/share/coven/console.db"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: false
//	  addr: "127.0.0.1:9464"
//	  path: "/metrics"
//
// Durations use time.ParseDuration syntax.
package config
