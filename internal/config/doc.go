// Package config handles configuration loading for botwatch agents.
//
// # Overview
//
// Configuration is loaded from a YAML file (or TOML when the file name ends in
// .toml) with environment variable expansion, duration parsing, BOTWATCH_*
// overrides and validation. Defaults are applied before decoding, so a file
// only needs the identity and room secrets.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with --config
//  2. Path from BOTWATCH_CONFIG environment variable
//  3. ~/.config/botwatch/agent.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	identity:
//	  password: "${BOTWATCH_MATRIX_PASSWORD}"
//
// After decoding, BOTWATCH_SERVER, BOTWATCH_PORT, BOTWATCH_LOGIN_ID,
// BOTWATCH_PASSWORD, BOTWATCH_TRANSPORT, BOTWATCH_DATABASE_PATH and
// BOTWATCH_LOG_LEVEL override the file when set.
//
// # Configuration Sections
//
//	identity:
//	  server: "matrix.example.org"
//	  port: 8448
//	  login_id: "@sensor1:matrix.example.org"
//	  password: "${BOTWATCH_MATRIX_PASSWORD}"
//
//	transport:
//	  kind: "matrix"          # matrix, kafka, loopback
//	  brokers: []             # kafka only
//	  recovery_key: ""        # matrix only, enables E2EE
//
//	rooms:
//	  coordination: { name: "coordination", secret: "${COORD_SECRET}" }
//	  datashare:    { name: "datashare",    secret: "${SHARE_SECRET}" }
//
//	coordination:
//	  query_timeout: "2s"
//	  timeout_jitter: "0s"
//	  yield_on_contention: false
//
//	session:
//	  join_attempts: 5
//	  join_backoff: "500ms"
//	  max_backoff: "10s"
//
//	telemetry:
//	  rate_per_second: 5
//	  burst: 10
//	  queue_size: 256
//	  markdown: false
//
//	database:
//	  path: "~/.local/share/botwatch/agent.db"   # empty = in memory
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Derived Values
//
// Config.AgentIdentity and Config.RoomSet produce the immutable identity and
// room addresses a session is built from. Matrix room addresses are aliases on
// the identity's server (#coordination:matrix.example.org); Kafka and loopback
// use the bare room name.
package config
