package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Ledger storage backends
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Ledger    LedgerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Identity  IdentityConfig
	Ingest    IngestConfig
	Cache     CacheConfig
	Queue     QueueConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string

	// Per-client request budget of the query API
	RateLimit float64
	RateBurst int
}

// LedgerConfig selects and tunes the ledger backend
type LedgerConfig struct {
	Backend      string // "file" or "postgres"
	Dir          string
	CompactEvery int
	PageSize     int
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	SSLMode     string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration

	// Bounds on a single ledger statement and on waiting for a record lock
	StatementTimeout time.Duration
	LockTimeout      time.Duration
}

// RedisConfig holds the optional shared cache, lock and pub/sub server
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// IdentityConfig holds the identity-minting service settings
type IdentityConfig struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	MaxAttempts   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	RatePerSecond float64
	Domain        string
	Subtype       string
}

// IngestConfig holds orchestrator settings
type IngestConfig struct {
	Workers   int
	Filter    string
	Algorithm string
	ChunkSize int
	CaseID    string

	// A mint claim outlives the slowest mint, retries included
	MintLease time.Duration
	ClaimPoll time.Duration
}

// CacheConfig holds the registry cache settings
type CacheConfig struct {
	Enabled    bool
	Size       int
	DefaultTTL time.Duration
}

// QueueConfig holds event queue settings
type QueueConfig struct {
	Type    string // "memory" or "redis"
	Channel string
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

func setDefaults(v *viper.Viper, serviceName string) {
	v.SetDefault("service.name", serviceName)
	v.SetDefault("port", 8080)
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("api.rate_limit", 20.0)
	v.SetDefault("api.rate_burst", 40)

	v.SetDefault("ledger.backend", BackendFile)
	v.SetDefault("ledger.dir", ".evidence")
	v.SetDefault("ledger.compact_every", 10000)
	v.SetDefault("ledger.page_size", 500)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.db", "evidence")
	v.SetDefault("postgres.user", "evidence")
	v.SetDefault("postgres.password", "evidence")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 1)
	v.SetDefault("postgres.max_idle_time", 30*time.Minute)
	v.SetDefault("postgres.max_lifetime", time.Hour)
	v.SetDefault("postgres.statement_timeout", 30*time.Second)
	v.SetDefault("postgres.lock_timeout", 10*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 2*time.Minute)

	v.SetDefault("identity.base_url", "https://id.chitty.cc")
	v.SetDefault("identity.timeout", 30*time.Second)
	v.SetDefault("identity.max_attempts", 4)
	v.SetDefault("identity.retry_delay", 2*time.Second)
	v.SetDefault("identity.max_retry_delay", 30*time.Second)
	v.SetDefault("identity.rate_per_second", 2.0)
	v.SetDefault("identity.domain", "THING")
	v.SetDefault("identity.subtype", "EVIDENCE")

	v.SetDefault("ingest.workers", 8)
	v.SetDefault("ingest.filter", "!file.hidden")
	v.SetDefault("ingest.algorithm", "sha256")
	v.SetDefault("ingest.chunk_size", 64*1024)
	v.SetDefault("ingest.case_id", "")
	v.SetDefault("ingest.mint_lease", 10*time.Minute)
	v.SetDefault("ingest.claim_poll", 500*time.Millisecond)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.size", 100000)
	v.SetDefault("cache.default_ttl", 24*time.Hour)

	v.SetDefault("queue.type", "memory")
	v.SetDefault("queue.channel", "evidence.minted")

	v.SetDefault("enable.pprof", false)
	v.SetDefault("pprof.port", 6060)
	v.SetDefault("enable.metrics", false)
	v.SetDefault("metrics.port", 9090)
}

// Load reads defaults, then configFile when given, then the environment.
// Keys map to variables by upper-casing and replacing dots, so
// ledger.backend is LEDGER_BACKEND and postgres.host is POSTGRES_HOST.
func Load(serviceName, configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v, serviceName)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("identity.token", "IDENTITY_TOKEN", "CHITTY_ID_TOKEN"); err != nil {
		return nil, fmt.Errorf("bind identity token: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        v.GetString("service.name"),
			Port:        v.GetInt("port"),
			Environment: v.GetString("environment"),
			LogLevel:    v.GetString("log.level"),
			LogFormat:   v.GetString("log.format"),
			RateLimit:   v.GetFloat64("api.rate_limit"),
			RateBurst:   v.GetInt("api.rate_burst"),
		},
		Ledger: LedgerConfig{
			Backend:      v.GetString("ledger.backend"),
			Dir:          v.GetString("ledger.dir"),
			CompactEvery: v.GetInt("ledger.compact_every"),
			PageSize:     v.GetInt("ledger.page_size"),
		},
		Database: DatabaseConfig{
			Host:        v.GetString("postgres.host"),
			Port:        v.GetInt("postgres.port"),
			Database:    v.GetString("postgres.db"),
			User:        v.GetString("postgres.user"),
			Password:    v.GetString("postgres.password"),
			SSLMode:     v.GetString("postgres.sslmode"),
			MaxConns:    v.GetInt("postgres.max_conns"),
			MinConns:    v.GetInt("postgres.min_conns"),
			MaxIdleTime: v.GetDuration("postgres.max_idle_time"),
			MaxLifetime: v.GetDuration("postgres.max_lifetime"),

			StatementTimeout: v.GetDuration("postgres.statement_timeout"),
			LockTimeout:      v.GetDuration("postgres.lock_timeout"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			LockTTL:  v.GetDuration("redis.lock_ttl"),
		},
		Identity: IdentityConfig{
			BaseURL:       v.GetString("identity.base_url"),
			Token:         v.GetString("identity.token"),
			Timeout:       v.GetDuration("identity.timeout"),
			MaxAttempts:   v.GetInt("identity.max_attempts"),
			RetryDelay:    v.GetDuration("identity.retry_delay"),
			MaxRetryDelay: v.GetDuration("identity.max_retry_delay"),
			RatePerSecond: v.GetFloat64("identity.rate_per_second"),
			Domain:        v.GetString("identity.domain"),
			Subtype:       v.GetString("identity.subtype"),
		},
		Ingest: IngestConfig{
			Workers:   v.GetInt("ingest.workers"),
			Filter:    v.GetString("ingest.filter"),
			Algorithm: v.GetString("ingest.algorithm"),
			ChunkSize: v.GetInt("ingest.chunk_size"),
			CaseID:    v.GetString("ingest.case_id"),
			MintLease: v.GetDuration("ingest.mint_lease"),
			ClaimPoll: v.GetDuration("ingest.claim_poll"),
		},
		Cache: CacheConfig{
			Enabled:    v.GetBool("cache.enabled"),
			Size:       v.GetInt("cache.size"),
			DefaultTTL: v.GetDuration("cache.default_ttl"),
		},
		Queue: QueueConfig{
			Type:    v.GetString("queue.type"),
			Channel: v.GetString("queue.channel"),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   v.GetBool("enable.pprof"),
			PprofPort:     v.GetInt("pprof.port"),
			EnableMetrics: v.GetBool("enable.metrics"),
			MetricsPort:   v.GetInt("metrics.port"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Service.Port < 1 || c.Service.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Service.Port))
	}

	switch c.Ledger.Backend {
	case BackendFile:
		if c.Ledger.Dir == "" {
			errs = append(errs, errors.New("ledger dir is required for the file backend"))
		}
	case BackendPostgres:
		if c.Database.Host == "" {
			errs = append(errs, errors.New("database host is required"))
		}
		if c.Database.MaxConns < c.Database.MinConns {
			errs = append(errs, errors.New("max_conns must be >= min_conns"))
		}
		if c.Database.StatementTimeout < 0 || c.Database.LockTimeout < 0 {
			errs = append(errs, errors.New("postgres timeouts must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend))
	}

	if c.Ledger.PageSize < 1 {
		errs = append(errs, fmt.Errorf("invalid ledger page size: %d", c.Ledger.PageSize))
	}

	if _, err := url.ParseRequestURI(c.Identity.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid identity base url: %w", err))
	}
	if c.Identity.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("identity max_attempts must be >= 1, got %d", c.Identity.MaxAttempts))
	}
	if c.Identity.RetryDelay < 0 || c.Identity.MaxRetryDelay < c.Identity.RetryDelay {
		errs = append(errs, errors.New("identity retry delays must satisfy 0 <= retry_delay <= max_retry_delay"))
	}
	if c.Identity.RatePerSecond <= 0 {
		errs = append(errs, errors.New("identity rate_per_second must be positive"))
	}

	if c.Ingest.Workers < 1 {
		errs = append(errs, fmt.Errorf("ingest workers must be >= 1, got %d", c.Ingest.Workers))
	}
	if c.Ingest.MintLease <= 0 || c.Ingest.ClaimPoll <= 0 {
		errs = append(errs, errors.New("ingest mint_lease and claim_poll must be positive"))
	}
	switch c.Ingest.Algorithm {
	case "sha256", "blake3":
	default:
		errs = append(errs, fmt.Errorf("unknown hash algorithm %q", c.Ingest.Algorithm))
	}

	switch c.Queue.Type {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, errors.New("redis queue requires redis.enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue type %q", c.Queue.Type))
	}

	return errors.Join(errs...)
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return c.postgresURL("postgres")
}

// MigrateURL returns the connection string in golang-migrate's pgx5 scheme
func (c *Config) MigrateURL() string {
	return c.postgresURL("pgx5")
}

func (c *Config) postgresURL(scheme string) string {
	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(c.Database.User, c.Database.Password),
		Host:     fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:     "/" + c.Database.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.Database.SSLMode),
	}
	return u.String()
}
