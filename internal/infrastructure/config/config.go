package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	KeyStore  KeyStoreConfig
	Authority AuthorityConfig
	Lifecycle LifecycleConfig
	Sandbox   SandboxConfig
	Telemetry TelemetryConfig
	Profiling ProfilingConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name        string
	Env         string
	MetricsPort string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings.
// When enabled, the per-tenant certificate lock is shared across instances.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	LockTTL  time.Duration
}

// KeyStoreConfig selects where tenant signing identities live
type KeyStoreConfig struct {
	Backend  string // fs, s3
	RootDir  string
	TempDir  string // transient PKCS#12 uploads; empty uses the OS default
	S3Bucket string
	S3Prefix string
	S3Region string
	// S3Endpoint overrides the endpoint for S3-compatible stores (MinIO, RustFS)
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// AuthorityConfig holds the tax authority endpoints
type AuthorityConfig struct {
	CertificationURL string
	ProductionURL    string
	RequestTimeout   time.Duration
	TokenTTL         time.Duration
	UserAgent        string
	// SenderRUT is the RUT of the person uploading; empty uses the emitter's RUT
	SenderRUT string
}

// BaseURL returns the endpoint for an environment name
func (a AuthorityConfig) BaseURL(env string) string {
	if env == "production" {
		return a.ProductionURL
	}
	return a.CertificationURL
}

// LifecycleConfig holds document lifecycle settings
type LifecycleConfig struct {
	DefaultRetryAttempts int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	PollInterval         time.Duration
	PollBatchSize        int
	PollTimeBox          time.Duration
	PollTenantLimit      int
}

// SandboxConfig holds the local fake authority settings
type SandboxConfig struct {
	Addr          string
	ResponseDelay time.Duration
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	LogsEnabled       bool    // Export zap logs through the OTLP log bridge
	MetricsEnabled    bool    // Export OTLP metrics alongside the Prometheus endpoint
	MetricsInterval   time.Duration
}

// ProfilingConfig holds Pyroscope continuous profiling configuration
type ProfilingConfig struct {
	Enabled           bool
	ServerAddress     string
	ApplicationName   string
	BasicAuthUser     string
	BasicAuthPassword string
	SpanProfiles      bool // Label CPU profiles with the active span id
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with DTE_ prefix (e.g., DTE_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dte")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("DTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name:        v.GetString("app.name"),
			Env:         v.GetString("app.env"),
			MetricsPort: v.GetString("app.metrics_port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			LockTTL:  v.GetDuration("redis.lock_ttl"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		KeyStore: KeyStoreConfig{
			Backend:        v.GetString("keystore.backend"),
			RootDir:        v.GetString("keystore.root_dir"),
			TempDir:        v.GetString("keystore.temp_dir"),
			S3Bucket:       v.GetString("keystore.s3_bucket"),
			S3Prefix:       v.GetString("keystore.s3_prefix"),
			S3Region:       v.GetString("keystore.s3_region"),
			S3Endpoint:     v.GetString("keystore.s3_endpoint"),
			S3AccessKey:    v.GetString("keystore.s3_access_key"),
			S3SecretKey:    v.GetString("keystore.s3_secret_key"),
			S3UsePathStyle: v.GetBool("keystore.s3_use_path_style"),
		},
		Authority: AuthorityConfig{
			CertificationURL: v.GetString("authority.certification_url"),
			ProductionURL:    v.GetString("authority.production_url"),
			RequestTimeout:   v.GetDuration("authority.request_timeout"),
			TokenTTL:         v.GetDuration("authority.token_ttl"),
			UserAgent:        v.GetString("authority.user_agent"),
			SenderRUT:        v.GetString("authority.sender_rut"),
		},
		Lifecycle: LifecycleConfig{
			DefaultRetryAttempts: v.GetInt("lifecycle.default_retry_attempts"),
			BackoffInitial:       v.GetDuration("lifecycle.backoff_initial"),
			BackoffMax:           v.GetDuration("lifecycle.backoff_max"),
			PollInterval:         v.GetDuration("lifecycle.poll_interval"),
			PollBatchSize:        v.GetInt("lifecycle.poll_batch_size"),
			PollTimeBox:          v.GetDuration("lifecycle.poll_time_box"),
			PollTenantLimit:      v.GetInt("lifecycle.poll_tenant_limit"),
		},
		Sandbox: SandboxConfig{
			Addr:          v.GetString("sandbox.addr"),
			ResponseDelay: v.GetDuration("sandbox.response_delay"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
		},
		Profiling: ProfilingConfig{
			Enabled:           v.GetBool("profiling.enabled"),
			ServerAddress:     v.GetString("profiling.server_address"),
			ApplicationName:   v.GetString("profiling.application_name"),
			BasicAuthUser:     v.GetString("profiling.basic_auth_user"),
			BasicAuthPassword: v.GetString("profiling.basic_auth_password"),
			SpanProfiles:      v.GetBool("profiling.span_profiles"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "dte-worker"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.MetricsPort == "" {
		cfg.App.MetricsPort = "9090"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "dte"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 2 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.KeyStore.Backend == "" {
		cfg.KeyStore.Backend = "fs"
	}
	if cfg.KeyStore.RootDir == "" && cfg.App.Env != "production" {
		cfg.KeyStore.RootDir = "./data/certificates"
	}
	if cfg.KeyStore.S3Region == "" {
		cfg.KeyStore.S3Region = "us-east-1"
	}
	if cfg.KeyStore.S3Prefix == "" {
		cfg.KeyStore.S3Prefix = "certificates"
	}
	if cfg.Authority.CertificationURL == "" {
		cfg.Authority.CertificationURL = "http://localhost:8089"
	}
	if cfg.Authority.RequestTimeout == 0 {
		cfg.Authority.RequestTimeout = 30 * time.Second
	}
	if cfg.Authority.TokenTTL == 0 {
		cfg.Authority.TokenTTL = 10 * time.Minute
	}
	if cfg.Authority.UserAgent == "" {
		cfg.Authority.UserAgent = "dte-core/1.0"
	}
	if cfg.Lifecycle.DefaultRetryAttempts == 0 {
		cfg.Lifecycle.DefaultRetryAttempts = 3
	}
	if cfg.Lifecycle.BackoffInitial == 0 {
		cfg.Lifecycle.BackoffInitial = 2 * time.Second
	}
	if cfg.Lifecycle.BackoffMax == 0 {
		cfg.Lifecycle.BackoffMax = time.Minute
	}
	if cfg.Lifecycle.PollInterval == 0 {
		cfg.Lifecycle.PollInterval = 5 * time.Minute
	}
	if cfg.Lifecycle.PollBatchSize == 0 {
		cfg.Lifecycle.PollBatchSize = 50
	}
	if cfg.Lifecycle.PollTimeBox == 0 {
		cfg.Lifecycle.PollTimeBox = 2 * time.Minute
	}
	if cfg.Lifecycle.PollTenantLimit == 0 {
		cfg.Lifecycle.PollTenantLimit = 100
	}
	if cfg.Sandbox.Addr == "" {
		cfg.Sandbox.Addr = ":8089"
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "dte-core"
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = time.Minute
	}
	if cfg.Profiling.ApplicationName == "" {
		cfg.Profiling.ApplicationName = cfg.Telemetry.ServiceName
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	switch c.KeyStore.Backend {
	case "fs":
		if c.KeyStore.RootDir == "" {
			return fmt.Errorf("keystore.root_dir is required for the fs backend")
		}
	case "s3":
		if c.KeyStore.S3Bucket == "" {
			return fmt.Errorf("keystore.s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("keystore.backend must be fs or s3, got %q", c.KeyStore.Backend)
	}

	if c.Lifecycle.DefaultRetryAttempts < 0 {
		return fmt.Errorf("lifecycle.default_retry_attempts cannot be negative")
	}
	if c.Lifecycle.BackoffMax < c.Lifecycle.BackoffInitial {
		return fmt.Errorf("lifecycle.backoff_max (%s) cannot be lower than lifecycle.backoff_initial (%s)",
			c.Lifecycle.BackoffMax, c.Lifecycle.BackoffInitial)
	}
	if c.Lifecycle.PollTimeBox > c.Lifecycle.PollInterval {
		return fmt.Errorf("lifecycle.poll_time_box (%s) cannot exceed lifecycle.poll_interval (%s)",
			c.Lifecycle.PollTimeBox, c.Lifecycle.PollInterval)
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Authority.ProductionURL == "" {
			return fmt.Errorf("authority.production_url is required in production")
		}
		u, err := url.Parse(c.Authority.ProductionURL)
		if err != nil || u.Scheme != "https" {
			return fmt.Errorf("authority.production_url must be an https URL in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}
	if c.Profiling.Enabled && c.Profiling.ServerAddress == "" {
		return fmt.Errorf("profiling.server_address is required when profiling is enabled")
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns the redis host:port
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
