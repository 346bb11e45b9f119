// Package config handles configuration loading for maintdesk.
//
// # Configuration File
//
// Default location (first match):
//
//  1. Path from MAINTDESK_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/maintdesk/config.yaml
//  3. ~/.config/maintdesk/config.yaml
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	auth:
//	  jwt_secret: "${MAINTDESK_JWT_SECRET}"
//	telegram:
//	  bot_token: "${TELEGRAM_BOT_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use time.ParseDuration syntax ("30s", "10m", "168h").
//
// # Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  base_url: "https://desk.example.com"
//	database:
//	  path: "/var/lib/maintdesk/maintdesk.db"
//	auth:
//	  jwt_secret: "${MAINTDESK_JWT_SECRET}"  # at least 32 bytes
//	  session_ttl: "60m"
//	  magic_link_ttl: "10m"
//	  initdata_max_age: "1h"
//	  login_cooldown: "30s"                  # "0s" disables throttling
//	  cron_key: "${MAINTDESK_CRON_KEY}"
//	telegram:
//	  bot_token: "${TELEGRAM_BOT_TOKEN}"
//	tasks:
//	  uid_prefix: "SJ"
//	media:
//	  dir: "/var/lib/maintdesk/media"
//	  retention_after_done: "168h"
//	  sweep_interval: "1h"
//	tailscale:
//	  enabled: false
//	  hostname: "maintdesk"
//	  auth_key: "${TS_AUTHKEY}"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	  file: ""        # rotated with lumberjack when set
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Load and Parse apply defaults and then Validate the result.
package config
