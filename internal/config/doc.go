// Package config handles configuration loading for coven-support.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. Every field has a default (see Default), so a file only needs
// the values it changes.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_SUPPORT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/support.yaml
//  3. ~/.config/coven/support.yaml
//
// # Environment Variable Expansion
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	bot:
//	  delay_min: "800ms"
//	  delay_max: "2s"
//	turns:
//	  agent_pickup_delay: "1s"
//	  agent_typing_delay: "1.5s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8090"
//	store:
//	  backend: memory     # memory, sqlite
//	  seed: demo          # demo, none, or a seed file path
//	bot:
//	  rules: ""           # built-in table when empty
//	  seed: 0
//	  trigger_scan: false
//	turns:
//	  agent_id: agent_sarah
//	  handoff_text: "..."
//	idempotency:
//	  ttl: "5m"
//	logging:
//	  level: "info"       # debug, info, warn, error
//	  format: "text"      # text, json
//	metrics:
//	  enabled: true
//	  path: /metrics
package config
