package config

import (
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides (WINE_DATABASE_URL, WINE_PORT, ...).
const EnvPrefix = "WINE"

// Config represents the overall application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Log          LogConfig          `yaml:"log"`
	Token        TokenConfig        `yaml:"token"`
	Auth         AuthConfig         `yaml:"auth"`
	Terminal     TerminalConfig     `yaml:"terminal"`
	RFID         RFIDConfig         `yaml:"rfid"`
	Retry        RetryConfig        `yaml:"retry"`
	Push         PushConfig         `yaml:"push"`
	WorkerPool   WorkerPoolConfig   `yaml:"worker_pool"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"`
	EnableCheckConstraints bool   `yaml:"enable_check_constraints"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// TokenConfig locates the RSA keypair used to sign terminal and session tokens.
type TokenConfig struct {
	PrivateKeyPath    string `yaml:"private_key_path"`
	PublicKeyPath     string `yaml:"public_key_path"`
	GenerateIfMissing bool   `yaml:"generate_if_missing"`
	Issuer            string `yaml:"issuer"`
	SessionTTLMinutes int    `yaml:"session_ttl_minutes"`
}

// SessionTTL returns the lifetime of a user session token.
func (t TokenConfig) SessionTTL() time.Duration {
	return time.Duration(t.SessionTTLMinutes) * time.Minute
}

// AuthConfig holds user-account settings.
type AuthConfig struct {
	BootstrapSuperadminEmail string `yaml:"bootstrap_superadmin_email"`
	CookieName               string `yaml:"cookie_name"`
	CookieSecure             bool   `yaml:"cookie_secure"`
	ArgonMemoryKB            int    `yaml:"argon_memory_kb"`
	ArgonTime                int    `yaml:"argon_time"`
	ArgonParallelism         int    `yaml:"argon_parallelism"`
}

// TerminalConfig holds terminal-facing settings.
type TerminalConfig struct {
	SmallPortionML          float64       `yaml:"small_portion_ml"`
	BigPortionML            float64       `yaml:"big_portion_ml"`
	SmallPortionSeconds     int           `yaml:"small_portion_seconds"`
	BigPortionSeconds       int           `yaml:"big_portion_seconds"`
	LowVolumeAlertML        float64       `yaml:"low_volume_alert_ml"`
	HeartbeatTimeoutSeconds int           `yaml:"heartbeat_timeout_seconds"`
	HeartbeatTimeout        time.Duration `yaml:"-"`
}

// RFIDConfig configures the optional per-tag dispense rate limit.
type RFIDConfig struct {
	LimitWindowMinutes int           `yaml:"limit_window_minutes"`
	LimitWindow        time.Duration `yaml:"-"`
	MaxUsesPerWindow   int           `yaml:"max_uses_per_window"` // 0 disables the limit
}

// RetryConfig bounds the retry loop around serializable transactions.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	BaseBackoffMS int           `yaml:"base_backoff_ms"`
	MaxBackoffMS  int           `yaml:"max_backoff_ms"`
	BaseBackoff   time.Duration `yaml:"-"`
	MaxBackoff    time.Duration `yaml:"-"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether VAPID keys are configured.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// HousekeepingConfig schedules the maintenance jobs.
type HousekeepingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// envOverrides are applied on top of the YAML file.
type envOverrides struct {
	DatabaseURL              string `envconfig:"DATABASE_URL"`
	Port                     int    `envconfig:"PORT"`
	LogLevel                 string `envconfig:"LOG_LEVEL"`
	BootstrapSuperadminEmail string `envconfig:"BOOTSTRAP_SUPERADMIN_EMAIL"`
	PrivateKeyPath           string `envconfig:"PRIVATE_KEY_PATH"`
	PublicKeyPath            string `envconfig:"PUBLIC_KEY_PATH"`
}

// Load reads the configuration from the given path and applies environment overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return err
	}
	if o.DatabaseURL != "" {
		c.Database.DSN = o.DatabaseURL
	}
	if o.Port != 0 {
		c.Server.Port = o.Port
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
	if o.BootstrapSuperadminEmail != "" {
		c.Auth.BootstrapSuperadminEmail = o.BootstrapSuperadminEmail
	}
	if o.PrivateKeyPath != "" {
		c.Token.PrivateKeyPath = o.PrivateKeyPath
	}
	if o.PublicKeyPath != "" {
		c.Token.PublicKeyPath = o.PublicKeyPath
	}
	return nil
}

// ApplyDefaults fills unset values and derives durations.
func (c *Config) ApplyDefaults() {
	if c.Server.Port <= 0 {
		c.Server.Port = 8000
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
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Token.PrivateKeyPath == "" {
		c.Token.PrivateKeyPath = "private_key.pem"
	}
	if c.Token.PublicKeyPath == "" {
		c.Token.PublicKeyPath = "public_key.pem"
	}
	if c.Token.Issuer == "" {
		c.Token.Issuer = "winedispense"
	}
	if c.Token.SessionTTLMinutes <= 0 {
		c.Token.SessionTTLMinutes = 540
	}

	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "access_token"
	}
	if c.Auth.ArgonMemoryKB <= 0 {
		c.Auth.ArgonMemoryKB = 64 * 1024
	}
	if c.Auth.ArgonTime <= 0 {
		c.Auth.ArgonTime = 3
	}
	if c.Auth.ArgonParallelism <= 0 {
		c.Auth.ArgonParallelism = 2
	}

	if c.Terminal.SmallPortionML <= 0 {
		c.Terminal.SmallPortionML = 30
	}
	if c.Terminal.BigPortionML <= 0 {
		c.Terminal.BigPortionML = 120
	}
	if c.Terminal.SmallPortionSeconds <= 0 {
		c.Terminal.SmallPortionSeconds = 3
	}
	if c.Terminal.BigPortionSeconds <= 0 {
		c.Terminal.BigPortionSeconds = 9
	}
	if c.Terminal.HeartbeatTimeoutSeconds <= 0 {
		c.Terminal.HeartbeatTimeoutSeconds = 300
	}
	c.Terminal.HeartbeatTimeout = time.Duration(c.Terminal.HeartbeatTimeoutSeconds) * time.Second

	if c.RFID.LimitWindowMinutes <= 0 {
		c.RFID.LimitWindowMinutes = 10
	}
	c.RFID.LimitWindow = time.Duration(c.RFID.LimitWindowMinutes) * time.Minute

	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 5
	}
	if c.Retry.BaseBackoffMS <= 0 {
		c.Retry.BaseBackoffMS = 20
	}
	if c.Retry.MaxBackoffMS <= 0 {
		c.Retry.MaxBackoffMS = 1000
	}
	c.Retry.BaseBackoff = time.Duration(c.Retry.BaseBackoffMS) * time.Millisecond
	c.Retry.MaxBackoff = time.Duration(c.Retry.MaxBackoffMS) * time.Millisecond

	if c.Push.TTL <= 0 {
		c.Push.TTL = 3600
	}

	if c.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		c.WorkerPool.Size = 1
	}

	if c.Housekeeping.Schedule == "" {
		c.Housekeeping.Schedule = "*/1 * * * *"
	}
}
