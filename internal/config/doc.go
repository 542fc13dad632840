// Package config handles configuration loading for coven-chat.
//
// # Configuration File
//
// The serve command reads, in order:
//
//  1. The path given with --config
//  2. Path from COVEN_CHAT_CONFIG environment variable
//  3. ./config.yaml
//
// Files ending in .toml are parsed as TOML; anything else as YAML. Both
// formats share the same keys.
//
// # Environment Variables
//
// Values may reference environment variables before parsing:
//
//	auth:
//	  jwt_secret: "${COVEN_CHAT_JWT_SECRET}"
//
// COVEN_CHAT_DB_PATH, when set, replaces database.path.
//
// # Durations
//
// Duration values use Go's time.ParseDuration syntax ("30s", "24h").
//
// # Defaults
//
// Every optional field has a default applied after parsing. The init command
// writes DefaultYAML as a starting point.
package config
