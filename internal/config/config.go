// Package config loads server settings from an optional collab.yaml and the
// environment. Environment variables win over the file, the file wins over
// Default().
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quicknotes/collab/internal/feed"
	"github.com/quicknotes/collab/internal/messaging"
	"github.com/quicknotes/collab/internal/presence"
	"github.com/quicknotes/collab/internal/ratelimit"
	"github.com/quicknotes/collab/internal/ws"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config is the full server configuration.
type Config struct {
	Server ws.ServerConfig
	NATS   messaging.NATSConfig
	Feed   feed.Options

	RedisAddr  string // empty disables sessions, presence mirror and rate limits
	ServerName string

	Store       string
	DatabaseURL string

	JWTSecret   string
	TokenTTL    time.Duration
	CORSOrigins []string // browser origins allowed on /api; empty disables CORS

	KafkaBrokers []string // empty disables the activity feed
	KafkaTopic   string

	PresenceTTL     time.Duration
	CommitRateLimit int
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	name, _ := os.Hostname()
	if name == "" {
		name = "ws-1"
	}
	return Config{
		Server:          ws.DefaultServerConfig(),
		NATS:            messaging.DefaultNATSConfig(),
		Feed:            feed.DefaultOptions(),
		RedisAddr:       "localhost:6379",
		ServerName:      name,
		Store:           StoreMemory,
		JWTSecret:       "dev-secret-change-me",
		TokenTTL:        24 * time.Hour,
		KafkaTopic:      "note-activity",
		PresenceTTL:     presence.DefaultTTL,
		CommitRateLimit: ratelimit.RuleCommit.Limit,
	}
}

// Load reads collab.yaml from the first of paths that has one (./config and
// . when none are given), then applies environment overrides.
func Load(paths ...string) (*Config, error) {
	d := Default()
	v := viper.New()
	v.SetConfigName("collab")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AutomaticEnv()

	v.SetDefault("listen_addr", d.Server.ListenAddr)
	v.SetDefault("worker_pool_size", d.Server.WorkerPoolSize)
	v.SetDefault("max_connections", d.Server.MaxConnections)
	v.SetDefault("read_timeout", d.Server.ReadTimeout)
	v.SetDefault("write_timeout", d.Server.WriteTimeout)
	v.SetDefault("nats_url", d.NATS.URL)
	v.SetDefault("redis_addr", d.RedisAddr)
	v.SetDefault("server_name", d.ServerName)
	v.SetDefault("store", d.Store)
	v.SetDefault("database_url", d.DatabaseURL)
	v.SetDefault("jwt_secret", d.JWTSecret)
	v.SetDefault("token_ttl", d.TokenTTL)
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("cors_origins", "")
	v.SetDefault("kafka_topic", d.KafkaTopic)
	v.SetDefault("presence_ttl", d.PresenceTTL)
	v.SetDefault("commit_rate_limit", d.CommitRateLimit)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	cfg := d
	cfg.Server.ListenAddr = v.GetString("listen_addr")
	cfg.Server.WorkerPoolSize = v.GetInt("worker_pool_size")
	cfg.Server.MaxConnections = v.GetInt("max_connections")
	cfg.Server.ReadTimeout = v.GetDuration("read_timeout")
	cfg.Server.WriteTimeout = v.GetDuration("write_timeout")
	cfg.NATS.URL = v.GetString("nats_url")
	cfg.RedisAddr = v.GetString("redis_addr")
	cfg.ServerName = v.GetString("server_name")
	cfg.Store = strings.ToLower(v.GetString("store"))
	cfg.DatabaseURL = v.GetString("database_url")
	cfg.JWTSecret = v.GetString("jwt_secret")
	cfg.TokenTTL = v.GetDuration("token_ttl")
	cfg.KafkaBrokers = splitList(v.Get("kafka_brokers"))
	cfg.CORSOrigins = splitList(v.Get("cors_origins"))
	cfg.KafkaTopic = v.GetString("kafka_topic")
	cfg.PresenceTTL = v.GetDuration("presence_ttl")
	cfg.CommitRateLimit = v.GetInt("commit_rate_limit")
	cfg.NATS.Name = "collab-" + cfg.ServerName

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}
	if c.Server.WorkerPoolSize <= 0 || c.Server.MaxConnections <= 0 {
		return errors.New("config: worker pool and connection cap must be positive")
	}
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET must not be empty")
	}
	if c.PresenceTTL <= 0 {
		return errors.New("config: PRESENCE_TTL must be positive")
	}
	return nil
}

// splitList accepts a YAML list or a comma separated string.
func splitList(raw interface{}) []string {
	var parts []string
	switch t := raw.(type) {
	case string:
		parts = strings.Split(t, ",")
	case []interface{}:
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
	case []string:
		parts = t
	}
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
