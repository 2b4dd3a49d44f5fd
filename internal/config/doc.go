// Package config handles configuration loading for coven-sync.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	server:
//	  url: "${COVEN_RUNTIME_URL}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sync:
//	  poll_interval: "3s"
//	  request_timeout: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Runtime endpoint:
//
//	server:
//	  url: "ws://localhost:8089/ws"
//
// Transport timing:
//
//	transport:
//	  dial_timeout: "10s"
//	  connect_wait: "15s"
//	  reconnect_delay: "1s"
//	  max_reconnects: 5
//
// Synchronization timing:
//
//	sync:
//	  poll_interval: "3s"
//	  detect_interval: "1s"
//	  request_timeout: "30s"
//	  tolerance: "5s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
