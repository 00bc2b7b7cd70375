// Package config loads and validates the crawler configuration from a YAML
// file, environment variables (SEOSCOPE_ prefix), and a local .env file, in
// that order of increasing precedence for env vars.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultServerHost      = "0.0.0.0"
	DefaultServerPort      = 8080
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 15 * time.Second

	DefaultDBHost    = "localhost"
	DefaultDBPort    = "5432"
	DefaultDBUser    = "postgres"
	DefaultDBName    = "seoscope"
	DefaultDBSSLMode = "disable"

	DefaultRedisAddr   = "localhost:6379"
	DefaultRedisPrefix = "crawler"

	DefaultWorkers           = 10
	DefaultJobTimeout        = 5 * time.Minute
	DefaultDelayIncrement    = 500 * time.Millisecond
	DefaultMaxRetries        = 3
	DefaultRetention         = 14 * 24 * time.Hour
	DefaultReconcileInterval = 2 * time.Second
	DefaultDrainTimeout      = 30 * time.Second

	DefaultUserAgent = "SeoscopeBot/1.0 (+https://seoscope.io/bot)"

	minPort = 1
	maxPort = 65535
)

// Config is the root configuration for the crawl engine.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Captcha  CaptchaConfig  `mapstructure:"captcha"`
	Backlink BacklinkConfig `mapstructure:"backlink"`
	Robots   RobotsConfig   `mapstructure:"robots"`
	Finder   FinderConfig   `mapstructure:"finder"`
}

// Load reads configuration from the given file (optional), the environment,
// and a .env file in the working directory.
func Load(path string) (*Config, error) {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SEOSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "seoscope-crawler")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	v.SetDefault("server.host", DefaultServerHost)
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.read_timeout", DefaultReadTimeout)
	v.SetDefault("server.write_timeout", DefaultWriteTimeout)
	v.SetDefault("server.idle_timeout", DefaultIdleTimeout)
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)

	v.SetDefault("database.host", DefaultDBHost)
	v.SetDefault("database.port", DefaultDBPort)
	v.SetDefault("database.user", DefaultDBUser)
	v.SetDefault("database.name", DefaultDBName)
	v.SetDefault("database.ssl_mode", DefaultDBSSLMode)

	v.SetDefault("redis.addr", DefaultRedisAddr)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", DefaultRedisPrefix)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("crawl.workers", DefaultWorkers)
	v.SetDefault("crawl.job_timeout", DefaultJobTimeout)
	v.SetDefault("crawl.delay_increment", DefaultDelayIncrement)
	v.SetDefault("crawl.max_retries", DefaultMaxRetries)
	v.SetDefault("crawl.retention", DefaultRetention)
	v.SetDefault("crawl.reconcile_interval", DefaultReconcileInterval)
	v.SetDefault("crawl.drain_timeout", DefaultDrainTimeout)

	v.SetDefault("queue.max_stream_len", 10000)
	v.SetDefault("queue.consumer_group", "crawlers")

	v.SetDefault("fetch.direct_timeout", 15*time.Second)
	v.SetDefault("fetch.proxy_timeout", 45*time.Second)
	v.SetDefault("fetch.max_attempts", 4)
	v.SetDefault("fetch.max_redirects", 10)
	v.SetDefault("fetch.user_agent", DefaultUserAgent)
	v.SetDefault("fetch.session_idle_ttl", 10*time.Minute)
	v.SetDefault("fetch.aggressive", false)

	v.SetDefault("proxy.strategy", "weighted")
	v.SetDefault("proxy.failure_threshold", 3)
	v.SetDefault("proxy.cooldown", 60*time.Second)

	v.SetDefault("captcha.poll_interval", 5*time.Second)
	v.SetDefault("captcha.solve_timeout", 2*time.Minute)

	v.SetDefault("backlink.discovery_ttl", 24*time.Hour)
	v.SetDefault("backlink.defer_threshold", 50)
	v.SetDefault("backlink.max_results", 10)
	v.SetDefault("backlink.finder_rate", 1.0)
	v.SetDefault("backlink.finder_burst", 1)

	v.SetDefault("robots.cache_ttl", 24*time.Hour)
	v.SetDefault("robots.max_crawl_delay", 5*time.Second)

	v.SetDefault("finder.timeout", 30*time.Second)
}

// Validate checks the configuration for values that would misbehave at
// runtime.
func (c *Config) Validate() error {
	if c.Server.Port < minPort || c.Server.Port > maxPort {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Crawl.Workers < 1 {
		return errors.New("crawl workers must be at least 1")
	}
	if c.Crawl.JobTimeout <= 0 {
		return errors.New("crawl job timeout must be positive")
	}
	if c.Crawl.Retention <= 0 {
		return errors.New("crawl retention must be positive")
	}
	if c.Queue.MaxStreamLen < 1 {
		return errors.New("queue max stream length must be at least 1")
	}
	if c.Captcha.Endpoint != "" && c.Captcha.APIKey == "" {
		return errors.New("captcha endpoint configured without an api key")
	}
	switch c.Proxy.Strategy {
	case "", "weighted", "round_robin", "random", "least_used":
	default:
		return fmt.Errorf("unknown proxy strategy %q", c.Proxy.Strategy)
	}
	return nil
}
