// Package config holds the harvester configuration surface.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full configuration for a harvester process.
type Config struct {
	Channels    ChannelsConfig  `mapstructure:"channels"`
	Backoff     BackoffConfig   `mapstructure:"backoff"`
	Transport   TransportConfig `mapstructure:"transport"`
	Dispatch    DispatchConfig  `mapstructure:"dispatch"`
	Sink        SinkConfig      `mapstructure:"sink"`
	Archive     ArchiveConfig   `mapstructure:"archive"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Jobs        JobsConfig      `mapstructure:"jobs"`
	MetricsAddr string          `mapstructure:"metrics_addr"`
}

// ChannelsConfig enumerates the acquisition channels and the selection policy.
type ChannelsConfig struct {
	Policy            string       `mapstructure:"policy"` // fixed-api, fixed-proxy, auto
	FailoverThreshold int          `mapstructure:"failover_threshold"`
	API               APIChannel   `mapstructure:"api"`
	Proxy             ProxyChannel `mapstructure:"proxy"`
	Residential       ProxyChannel `mapstructure:"residential"`
}

// APIChannel configures the token-authenticated acquisition API.
type APIChannel struct {
	Token       string        `mapstructure:"token"`
	Zone        string        `mapstructure:"zone"`
	Endpoint    string        `mapstructure:"endpoint"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseTimeout time.Duration `mapstructure:"base_timeout"`
	MaxTimeout  time.Duration `mapstructure:"max_timeout"`
}

// Configured reports whether the API channel has usable credentials.
func (c APIChannel) Configured() bool {
	return c.Token != "" && c.Zone != ""
}

// ProxyChannel configures a credentialed forward proxy.
type ProxyChannel struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Endpoint string `mapstructure:"endpoint"`
}

// Configured reports whether the proxy channel has usable credentials.
func (c ProxyChannel) Configured() bool {
	return c.Username != "" && c.Password != "" && c.Endpoint != ""
}

// URL renders the proxy connection descriptor.
func (c ProxyChannel) URL() string {
	return fmt.Sprintf("http://%s:%s@%s", c.Username, c.Password, c.Endpoint)
}

// BackoffConfig controls rate-limit retry scheduling.
type BackoffConfig struct {
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
	MaxWait    time.Duration `mapstructure:"max_wait"`
}

// TransportConfig controls the fingerprinted HTTP transport.
type TransportConfig struct {
	Profile string        `mapstructure:"profile"`
	Timeout time.Duration `mapstructure:"timeout"`
	Verify  bool          `mapstructure:"verify"`
}

// DispatchConfig bounds the dispatch loop.
type DispatchConfig struct {
	Concurrency       int `mapstructure:"concurrency"`
	DomainConcurrency int `mapstructure:"domain_concurrency"`
	QueueSize         int `mapstructure:"queue_size"`
}

// SinkConfig selects and configures the storage sink.
type SinkConfig struct {
	Kind      string `mapstructure:"kind"` // postgres or jsonl
	DSN       string `mapstructure:"dsn"`
	Table     string `mapstructure:"table"`
	Path      string `mapstructure:"path"`
	BatchSize int    `mapstructure:"batch_size"`
}

// ArchiveConfig configures optional raw body archival.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// LoggingConfig configures zerolog output and rotation.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// JobsConfig bounds the job lifecycle store.
type JobsConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	Capacity int           `mapstructure:"capacity"`
}

// Load reads configuration from the given file (or the default search
// paths), with environment variables taking precedence.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("HARVESTER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the baseline configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("channels.policy", "auto")
	v.SetDefault("channels.failover_threshold", 3)
	v.SetDefault("channels.api.endpoint", "https://api.brightdata.com/request")
	v.SetDefault("channels.api.max_attempts", 3)
	v.SetDefault("channels.api.base_timeout", 60*time.Second)
	v.SetDefault("channels.api.max_timeout", 120*time.Second)
	v.SetDefault("channels.proxy.endpoint", "zproxy.lum-superproxy.io:22225")
	v.SetDefault("channels.residential.endpoint", "brd.superproxy.io:22225")

	v.SetDefault("backoff.base_delay", time.Second)
	v.SetDefault("backoff.max_retries", 5)
	v.SetDefault("backoff.max_wait", 300*time.Second)

	v.SetDefault("transport.profile", "chrome110")
	v.SetDefault("transport.timeout", 30*time.Second)
	v.SetDefault("transport.verify", true)

	v.SetDefault("dispatch.concurrency", 16)
	v.SetDefault("dispatch.domain_concurrency", 8)
	v.SetDefault("dispatch.queue_size", 1024)

	v.SetDefault("sink.kind", "jsonl")
	v.SetDefault("sink.table", "products")
	v.SetDefault("sink.path", "output/products.jsonl")
	v.SetDefault("sink.batch_size", 100)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.use_ssl", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dir", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)

	v.SetDefault("jobs.ttl", 24*time.Hour)
	v.SetDefault("jobs.capacity", 4096)

	v.SetDefault("metrics_addr", "")
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	switch c.Channels.Policy {
	case "fixed-api", "fixed-proxy", "auto":
	default:
		return fmt.Errorf("channel policy must be fixed-api, fixed-proxy, or auto")
	}
	if !c.Channels.API.Configured() && !c.Channels.Proxy.Configured() && !c.Channels.Residential.Configured() {
		return fmt.Errorf("no acquisition channel configured")
	}
	if c.Channels.Policy == "fixed-api" && !c.Channels.API.Configured() {
		return fmt.Errorf("fixed-api policy requires api token and zone")
	}
	if c.Channels.Policy == "fixed-proxy" && !c.Channels.Proxy.Configured() && !c.Channels.Residential.Configured() {
		return fmt.Errorf("fixed-proxy policy requires a configured proxy channel")
	}
	if c.Channels.FailoverThreshold <= 0 {
		return fmt.Errorf("failover threshold must be positive")
	}
	if c.Channels.API.MaxAttempts <= 0 {
		return fmt.Errorf("api max attempts must be positive")
	}
	if c.Backoff.BaseDelay <= 0 {
		return fmt.Errorf("backoff base delay must be positive")
	}
	if c.Backoff.MaxRetries < 0 {
		return fmt.Errorf("backoff max retries cannot be negative")
	}
	if c.Backoff.MaxWait < c.Backoff.BaseDelay {
		return fmt.Errorf("backoff max wait (%s) cannot be below base delay (%s)", c.Backoff.MaxWait, c.Backoff.BaseDelay)
	}
	if c.Transport.Timeout <= 0 {
		return fmt.Errorf("transport timeout must be positive")
	}
	if c.Dispatch.Concurrency <= 0 {
		return fmt.Errorf("dispatch concurrency must be positive")
	}
	if c.Dispatch.DomainConcurrency <= 0 {
		return fmt.Errorf("per-domain concurrency must be positive")
	}
	if c.Dispatch.DomainConcurrency > c.Dispatch.Concurrency {
		return fmt.Errorf("per-domain concurrency (%d) cannot exceed global concurrency (%d)",
			c.Dispatch.DomainConcurrency, c.Dispatch.Concurrency)
	}
	switch c.Sink.Kind {
	case "postgres":
		if c.Sink.DSN == "" {
			return fmt.Errorf("postgres sink requires a dsn")
		}
	case "jsonl":
		if c.Sink.Path == "" {
			return fmt.Errorf("jsonl sink requires a path")
		}
	case "tee":
		if c.Sink.DSN == "" || c.Sink.Path == "" {
			return fmt.Errorf("tee sink requires both a dsn and a path")
		}
	default:
		return fmt.Errorf("sink kind must be postgres, jsonl, or tee")
	}
	if c.Sink.BatchSize <= 0 {
		return fmt.Errorf("sink batch size must be positive")
	}
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive requires a bucket")
		}
		if c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
			return fmt.Errorf("archive requires credentials")
		}
	}
	return nil
}
