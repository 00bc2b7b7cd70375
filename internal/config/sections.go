package config

import "time"

// AppConfig identifies the running service.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig holds the operator API server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds Redis connection settings, shared by the queue, the
// dedup store, and the log publisher.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// LoggingConfig holds process logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CrawlConfig holds orchestration and worker settings.
type CrawlConfig struct {
	Workers           int           `mapstructure:"workers"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	DelayIncrement    time.Duration `mapstructure:"delay_increment"`
	MaxRetries        int           `mapstructure:"max_retries"`
	Retention         time.Duration `mapstructure:"retention"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
}

// QueueConfig holds job queue settings.
type QueueConfig struct {
	MaxStreamLen  int64  `mapstructure:"max_stream_len"`
	ConsumerGroup string `mapstructure:"consumer_group"`
}

// FetchConfig holds fetch pipeline settings.
type FetchConfig struct {
	DirectTimeout  time.Duration `mapstructure:"direct_timeout"`
	ProxyTimeout   time.Duration `mapstructure:"proxy_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	MaxRedirects   int           `mapstructure:"max_redirects"`
	UserAgent      string        `mapstructure:"user_agent"`
	SessionIdleTTL time.Duration `mapstructure:"session_idle_ttl"`
	// Aggressive widens the captcha retry budget to every known proxy.
	Aggressive bool `mapstructure:"aggressive"`
}

// ProxyConfig holds egress proxy pool settings.
type ProxyConfig struct {
	URLs             []string      `mapstructure:"urls"`
	Strategy         string        `mapstructure:"strategy"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// CaptchaConfig holds solving service settings. An empty endpoint means no
// solver is configured, which is a valid state.
type CaptchaConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	APIKey       string        `mapstructure:"api_key"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	SolveTimeout time.Duration `mapstructure:"solve_timeout"`
}

// BacklinkConfig holds backlink graph settings.
type BacklinkConfig struct {
	DiscoveryTTL   time.Duration `mapstructure:"discovery_ttl"`
	DeferThreshold int64         `mapstructure:"defer_threshold"`
	MaxResults     int           `mapstructure:"max_results"`
	FinderRate     float64       `mapstructure:"finder_rate"`
	FinderBurst    int           `mapstructure:"finder_burst"`
}

// RobotsConfig holds robots.txt policy settings.
type RobotsConfig struct {
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	MaxCrawlDelay time.Duration `mapstructure:"max_crawl_delay"`
}

// FinderConfig holds the external backlink index client settings. An empty
// base URL means external discovery runs with the no-op finder.
type FinderConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	Timeout   time.Duration `mapstructure:"timeout"`
}
