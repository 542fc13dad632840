// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-chat configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Messages  MessagesConfig  `yaml:"messages" toml:"messages"`
	Presence  PresenceConfig  `yaml:"presence" toml:"presence"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka" toml:"kafka"`
	WebSocket WebSocketConfig `yaml:"websocket" toml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses. An empty grpc_addr disables the health server.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// DatabaseConfig selects and configures the durable store
type DatabaseConfig struct {
	Driver        string `yaml:"driver" toml:"driver"` // sqlite | mongo
	Path          string `yaml:"path" toml:"path"`
	MongoURI      string `yaml:"mongo_uri" toml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database" toml:"mongo_database"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// MessagesConfig bounds message content, paging and send deduplication
type MessagesConfig struct {
	MaxLength          int           `yaml:"max_length" toml:"max_length"`
	DefaultPageSize    int           `yaml:"default_page_size" toml:"default_page_size"`
	MaxPageSize        int           `yaml:"max_page_size" toml:"max_page_size"`
	IdempotencyTTL     time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTLRaw  string        `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
	IdempotencyMaxKeys int           `yaml:"idempotency_max_keys" toml:"idempotency_max_keys"`
}

// PresenceConfig selects where presence and typing state lives
type PresenceConfig struct {
	Backend string `yaml:"backend" toml:"backend"` // memory | redis
}

// RedisConfig holds the shared Redis used for presence state and the event relay
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
	Relay    bool   `yaml:"relay" toml:"relay"`     // fan events out to other instances
	Channel  string `yaml:"channel" toml:"channel"` // pub/sub channel used by the relay
}

// KafkaConfig holds the optional event export
type KafkaConfig struct {
	Enabled           bool          `yaml:"enabled" toml:"enabled"`
	Brokers           []string      `yaml:"brokers" toml:"brokers"`
	Topic             string        `yaml:"topic" toml:"topic"`
	BreakerFailures   uint32        `yaml:"breaker_failures" toml:"breaker_failures"`
	BreakerTimeout    time.Duration `yaml:"-" toml:"-"`
	BreakerTimeoutRaw string        `yaml:"breaker_timeout" toml:"breaker_timeout"`
	QueueSize         int           `yaml:"queue_size" toml:"queue_size"`
}

// WebSocketConfig tunes live client sessions
type WebSocketConfig struct {
	EventsPerSecond float64       `yaml:"events_per_second" toml:"events_per_second"`
	Burst           int           `yaml:"burst" toml:"burst"`
	SendBuffer      int           `yaml:"send_buffer" toml:"send_buffer"`
	PingInterval    time.Duration `yaml:"-" toml:"-"`
	PongWait        time.Duration `yaml:"-" toml:"-"`
	PingIntervalRaw string        `yaml:"ping_interval" toml:"ping_interval"`
	PongWaitRaw     string        `yaml:"pong_wait" toml:"pong_wait"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first, and
// COVEN_CHAT_DB_PATH overrides database.path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if dbPath := os.Getenv("COVEN_CHAT_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// applyDefaults fills every optional field left empty.
func (c *Config) applyDefaults() {
	setDefault(&c.Database.Driver, "sqlite")
	setDefault(&c.Database.MongoDatabase, "coven_chat")
	setDefault(&c.Presence.Backend, "memory")
	setDefault(&c.Redis.Prefix, "coven-chat")
	setDefault(&c.Redis.Channel, "coven-chat:events")
	setDefault(&c.Kafka.Topic, "coven-chat.messages")
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")

	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 30 * 24 * time.Hour
	}
	if c.Messages.MaxLength == 0 {
		c.Messages.MaxLength = 5000
	}
	if c.Messages.DefaultPageSize == 0 {
		c.Messages.DefaultPageSize = 50
	}
	if c.Messages.MaxPageSize == 0 {
		c.Messages.MaxPageSize = 100
	}
	if c.Messages.IdempotencyTTL == 0 {
		c.Messages.IdempotencyTTL = 24 * time.Hour
	}
	if c.Messages.IdempotencyMaxKeys == 0 {
		c.Messages.IdempotencyMaxKeys = 100_000
	}
	if c.Kafka.BreakerFailures == 0 {
		c.Kafka.BreakerFailures = 5
	}
	if c.Kafka.BreakerTimeout == 0 {
		c.Kafka.BreakerTimeout = 30 * time.Second
	}
	if c.Kafka.QueueSize == 0 {
		c.Kafka.QueueSize = 1024
	}
	if c.WebSocket.EventsPerSecond == 0 {
		c.WebSocket.EventsPerSecond = 10
	}
	if c.WebSocket.Burst == 0 {
		c.WebSocket.Burst = 20
	}
	if c.WebSocket.SendBuffer == 0 {
		c.WebSocket.SendBuffer = 256
	}
	if c.WebSocket.PingInterval == 0 {
		c.WebSocket.PingInterval = 30 * time.Second
	}
	if c.WebSocket.PongWait == 0 {
		c.WebSocket.PongWait = 60 * time.Second
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "mongo":
		if c.Database.MongoURI == "" {
			return fmt.Errorf("database.mongo_uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or mongo, got %q", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Messages.MaxLength < 1 {
		return fmt.Errorf("messages.max_length must be positive")
	}
	if c.Messages.DefaultPageSize > c.Messages.MaxPageSize {
		return fmt.Errorf("messages.default_page_size must not exceed messages.max_page_size")
	}

	switch c.Presence.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis presence backend")
		}
	default:
		return fmt.Errorf("presence.backend must be memory or redis, got %q", c.Presence.Backend)
	}
	if c.Redis.Relay && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis.relay is enabled")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
	}

	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return fmt.Errorf("websocket.pong_wait must be longer than websocket.ping_interval")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"messages.idempotency_ttl", cfg.Messages.IdempotencyTTLRaw, &cfg.Messages.IdempotencyTTL},
		{"kafka.breaker_timeout", cfg.Kafka.BreakerTimeoutRaw, &cfg.Kafka.BreakerTimeout},
		{"websocket.ping_interval", cfg.WebSocket.PingIntervalRaw, &cfg.WebSocket.PingInterval},
		{"websocket.pong_wait", cfg.WebSocket.PongWaitRaw, &cfg.WebSocket.PongWait},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// DefaultYAML is the configuration written by the init command.
const DefaultYAML = `# coven-chat configuration
server:
  http_addr: "localhost:8080"
  grpc_addr: "localhost:50051"

database:
  driver: sqlite
  path: "./coven-chat.db"
  # mongo_uri: "mongodb://localhost:27017"
  # mongo_database: coven_chat

auth:
  jwt_secret: "${COVEN_CHAT_JWT_SECRET}"
  token_ttl: 720h

messages:
  max_length: 5000
  default_page_size: 50
  max_page_size: 100
  idempotency_ttl: 24h

presence:
  backend: memory # or redis

redis:
  addr: ""
  prefix: coven-chat
  relay: false

kafka:
  enabled: false
  brokers: []
  topic: coven-chat.messages
  queue_size: 1024

websocket:
  events_per_second: 10
  burst: 20
  ping_interval: 30s
  pong_wait: 60s

logging:
  level: info
  format: text
`
