// Package config handles configuration loading for coven-chat.
//
// # Overview
//
// Configuration is loaded from a YAML file, or TOML when the file name ends
// in .toml, with environment variable expansion. Empty fields get defaults
// and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/chat.yaml
//  3. ~/.config/coven/chat.yaml
//
// A .env file in the working directory is loaded first when present, so
// secrets can live outside the config file.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_CHAT_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "localhost:8080"   # REST, WebSocket, health, metrics
//	  grpc_addr: "localhost:50051"  # optional, grpc.health.v1 only
//
//	database:
//	  path: "/var/lib/coven/chat.db"
//
//	auth:
//	  jwt_secret: "${COVEN_CHAT_JWT_SECRET}"  # at least 32 bytes
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
//	messaging:
//	  session_buffer: 64             # per-session bus buffer
//	  write_timeout: "10s"
//	  ping_interval: "54s"
//	  dedupe_ttl: "5m"               # client_id retry window
//	  strict_participant_sets: false # one conversation per participant set
//	  history_limit: 100             # messages returned when opening a conversation
//
//	notifications:
//	  store: true
//	  webhook_url: ""
//	  timeout: "5s"
//
// Durations use time.ParseDuration syntax.
package config
