package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Log        LogConfig              `yaml:"log"`
	Session    SessionConfig          `yaml:"session"`
	Database   DatabaseConfig         `yaml:"database"`
	Mongo      MongoConfig            `yaml:"mongo"`
	Redis      RedisConfig            `yaml:"redis"`
	Push       PushConfig             `yaml:"push"`
	WorkerPool WorkerPoolConfig       `yaml:"worker_pool"`
	Hub        HubConfig              `yaml:"hub"`
	Topics     map[string]TopicConfig `yaml:"topics"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SessionConfig holds the signing secret for session tokens.
type SessionConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// DatabaseConfig holds the database connection configuration.
// Driver is one of "postgres", "sqlite" or "mongo".
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"`
}

// MongoConfig is used when database.driver is "mongo".
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// RedisConfig enables cross-instance fan-out of live events.
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// PushConfig holds the VAPID keys and delivery policy for web push notifications.
type PushConfig struct {
	PublicKey          string `yaml:"vapid_public_key"`
	PrivateKey         string `yaml:"vapid_private_key"`
	Subject            string `yaml:"subject"`
	TTL                int    `yaml:"ttl"`
	// MaxRetries of 0 means the default; -1 disables retries.
	MaxRetries         int    `yaml:"max_retries"`
	BackoffMillis      int    `yaml:"backoff_ms"`
	MaxBackoffMillis   int    `yaml:"max_backoff_ms"`
	MinIntervalSeconds int    `yaml:"min_interval_seconds"`
	PassTimeoutSeconds int    `yaml:"pass_timeout_seconds"`
	PageSize           int    `yaml:"page_size"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// HubConfig tunes live connections.
type HubConfig struct {
	QueueSize        int `yaml:"queue_size"`
	KeepAliveSeconds int `yaml:"keepalive_seconds"`
}

// TopicConfig is one row of the topic-to-push policy table.
type TopicConfig struct {
	Push  bool   `yaml:"push"`
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
	URL   string `yaml:"url"`
}

// Backoff returns the initial retry delay.
func (p PushConfig) Backoff() time.Duration {
	return time.Duration(p.BackoffMillis) * time.Millisecond
}

// MaxBackoff returns the retry delay cap.
func (p PushConfig) MaxBackoff() time.Duration {
	return time.Duration(p.MaxBackoffMillis) * time.Millisecond
}

// MinInterval returns the per-endpoint throttle window; zero disables it.
func (p PushConfig) MinInterval() time.Duration {
	return time.Duration(p.MinIntervalSeconds) * time.Second
}

// PassTimeout bounds one push pass over all subscriptions.
func (p PushConfig) PassTimeout() time.Duration {
	return time.Duration(p.PassTimeoutSeconds) * time.Second
}

// KeepAlive returns the interval between keepalive frames on live streams.
func (h HubConfig) KeepAlive() time.Duration {
	return time.Duration(h.KeepAliveSeconds) * time.Second
}

// Load reads the configuration from the given path, then applies
// environment overrides (a .env file in the working directory is honoured).
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	overrides := map[string]*string{
		"SESSION_SECRET":    &c.Session.Secret,
		"VAPID_PUBLIC_KEY":  &c.Push.PublicKey,
		"VAPID_PRIVATE_KEY": &c.Push.PrivateKey,
		"VAPID_SUBJECT":     &c.Push.Subject,
		"DATABASE_DRIVER":   &c.Database.Driver,
		"DATABASE_DSN":      &c.Database.DSN,
		"MONGO_URI":         &c.Mongo.URI,
		"REDIS_ADDR":        &c.Redis.Addr,
		"REDIS_PASSWORD":    &c.Redis.Password,
		"LOG_LEVEL":         &c.Log.Level,
	}
	for key, dst := range overrides {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	if val := os.Getenv("SERVER_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid SERVER_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimitPerSec <= 0 {
		c.Server.RateLimitPerSec = 10
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 5
	}
	if c.Server.CacheTTLSeconds <= 0 {
		c.Server.CacheTTLSeconds = 300
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "festival"
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = "festival:live:"
	}
	if c.Push.TTL <= 0 {
		c.Push.TTL = 3600
	}
	if c.Push.MaxRetries < 0 {
		c.Push.MaxRetries = 0
	} else if c.Push.MaxRetries == 0 {
		c.Push.MaxRetries = 2
	}
	if c.Push.BackoffMillis <= 0 {
		c.Push.BackoffMillis = 500
	}
	if c.Push.MaxBackoffMillis <= 0 {
		c.Push.MaxBackoffMillis = 10000
	}
	if c.Push.PassTimeoutSeconds <= 0 {
		c.Push.PassTimeoutSeconds = 120
	}
	if c.Push.PageSize <= 0 {
		c.Push.PageSize = 200
	}
	if c.WorkerPool.Size <= 0 {
		c.WorkerPool.Size = 4
	}
	if c.Hub.QueueSize <= 0 {
		c.Hub.QueueSize = 32
	}
	if c.Hub.KeepAliveSeconds <= 0 {
		c.Hub.KeepAliveSeconds = 25
	}
	if len(c.Topics) == 0 {
		c.Topics = DefaultTopics()
	}
}

// DefaultTopics is the policy table used when the config file names none.
func DefaultTopics() map[string]TopicConfig {
	return map[string]TopicConfig{
		"announcements": {Push: true, Title: "New announcement", URL: "/announcements"},
		"timeline":      {Push: false},
		"signup-status": {Push: true, Title: "Signups updated", URL: "/rides"},
	}
}
