// Package config loads runtime settings from defaults, a config file, a .env
// file and IATTEND_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"iattend/internal/codegen"
	"iattend/internal/gamification"
	"iattend/internal/session"
	dbconfig "iattend/pkg/database"
)

// EnvPrefix namespaces every environment variable
const EnvPrefix = "IATTEND"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Each component owns its Config type; this struct only groups them under one key each
type Config struct {
	Env          string              `mapstructure:"env"`
	Database     *dbconfig.Config    `mapstructure:"database"`
	HTTP         HTTPConfig          `mapstructure:"http"`
	Hub          HubConfig           `mapstructure:"hub"`
	Codegen      codegen.Config      `mapstructure:"codegen"`
	Session      session.Config      `mapstructure:"session"`
	Gamification gamification.Config `mapstructure:"gamification"`
	Sweeper      SweeperConfig       `mapstructure:"sweeper"`
	Auth         AuthConfig          `mapstructure:"auth"`
	Log          LogConfig           `mapstructure:"log"`
}

// FUNCTIONAL DISCOVERY: HTTP configuration balances performance and reliability
type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	SubmitPerMinute int           `mapstructure:"submit_per_minute"`
}

// Addr is the listen address
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// HubConfig sizes the broadcast queues
type HubConfig struct {
	PublishBuffer    int `mapstructure:"publish_buffer"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// SweeperConfig controls the background expiry sweep
type SweeperConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// AuthConfig controls caller tokens. An empty secret trusts identity headers.
type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// LogConfig selects the zap level
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// IsProduction reports whether the production logger and checks apply
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// FUNCTIONAL DISCOVERY: Production-ready defaults based on classroom requirements
// Database on local filesystem, HTTP on 8080, a sweep every five seconds
func DefaultConfig() *Config {
	return &Config{
		Env:      "development",
		Database: dbconfig.DefaultConfig(),
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			SubmitPerMinute: 30,
		},
		Hub: HubConfig{
			PublishBuffer:    1000,
			SubscriberBuffer: 100,
		},
		Codegen:      codegen.DefaultConfig(),
		Session:      session.DefaultConfig(),
		Gamification: gamification.DefaultConfig(),
		Sweeper: SweeperConfig{
			Enabled:  true,
			Schedule: session.DefaultSweepSchedule,
		},
		Auth: AuthConfig{
			Issuer:   "iattend",
			TokenTTL: 12 * time.Hour,
		},
		Log: LogConfig{Level: "info"},
	}
}

// defaults flattens c into viper keys. Every key listed here can be set from a
// file, from .env or from IATTEND_<KEY> with dots replaced by underscores.
func defaults(c *Config) map[string]interface{} {
	return map[string]interface{}{
		"env": c.Env,

		"database.driver":             c.Database.Driver,
		"database.path":               c.Database.DatabasePath,
		"database.dsn":                c.Database.DSN,
		"database.max_connections":    c.Database.MaxConnections,
		"database.conn_max_lifetime":  c.Database.ConnMaxLifetime,
		"database.conn_max_idle_time": c.Database.ConnMaxIdleTime,
		"database.write_timeout":      c.Database.WriteTimeout,

		"http.host":              c.HTTP.Host,
		"http.port":              c.HTTP.Port,
		"http.read_timeout":      c.HTTP.ReadTimeout,
		"http.write_timeout":     c.HTTP.WriteTimeout,
		"http.shutdown_timeout":  c.HTTP.ShutdownTimeout,
		"http.submit_per_minute": c.HTTP.SubmitPerMinute,

		"hub.publish_buffer":    c.Hub.PublishBuffer,
		"hub.subscriber_buffer": c.Hub.SubscriberBuffer,

		"codegen.alphabet":       c.Codegen.Alphabet,
		"codegen.length":         c.Codegen.Length,
		"codegen.max_attempts":   c.Codegen.MaxAttempts,
		"codegen.min_code_space": c.Codegen.MinCodeSpace,

		"session.default_duration_seconds": c.Session.DefaultDurationSeconds,
		"session.max_duration_seconds":     c.Session.MaxDurationSeconds,
		"session.max_open_attempts":        c.Session.MaxOpenAttempts,

		"gamification.points_per_attendance": c.Gamification.PointsPerAttendance,
		"gamification.time_zone":             c.Gamification.TimeZone,
		"gamification.anomaly_window":        c.Gamification.AnomalyWindow,
		"gamification.anomaly_threshold":     c.Gamification.AnomalyThreshold,
		"gamification.absence_window":        c.Gamification.AbsenceWindow,
		"gamification.absence_threshold":     c.Gamification.AbsenceThreshold,

		"sweeper.enabled":  c.Sweeper.Enabled,
		"sweeper.schedule": c.Sweeper.Schedule,

		"auth.secret":    c.Auth.Secret,
		"auth.issuer":    c.Auth.Issuer,
		"auth.token_ttl": c.Auth.TokenTTL,

		"log.level": c.Log.Level,
	}
}

// EnvKey returns the environment variable for a viper key
func EnvKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Keys lists every configurable key, sorted
func Keys() []string {
	m := defaults(DefaultConfig())
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadOptions names the optional files. An empty ConfigFile falls back to
// IATTEND_CONFIG_FILE; a missing DotEnvFile is ignored.
type LoadOptions struct {
	ConfigFile string
	DotEnvFile string
}

// Load resolves the configuration.
// FUNCTIONAL DISCOVERY: Configuration precedence: environment > .env > file > defaults
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	v.SetTypeByDefaultValue(true)
	for key, value := range defaults(DefaultConfig()) {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := opts.ConfigFile
	if file == "" {
		file = os.Getenv(EnvPrefix + "_CONFIG_FILE")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	if err := applyDotEnv(v, opts.DotEnvFile); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// TECHNICAL DISCOVERY: .env values are read into viper instead of the process
// environment, and only for keys the real environment leaves unset
func applyDotEnv(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	values, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	for _, key := range Keys() {
		envKey := EnvKey(key)
		if _, set := os.LookupEnv(envKey); set {
			continue
		}
		if value, ok := values[envKey]; ok {
			v.Set(key, value)
		}
	}
	return nil
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// port 0 asks the kernel for a free port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}
	if c.HTTP.SubmitPerMinute <= 0 {
		return errors.New("submit rate limit must be positive")
	}

	if c.Hub.PublishBuffer <= 0 || c.Hub.SubscriberBuffer <= 0 {
		return errors.New("hub buffers must be positive")
	}

	// code-space exhaustion is a startup failure, never a per-request one
	if _, err := codegen.NewGenerator(c.Codegen, nil); err != nil {
		return fmt.Errorf("codegen: %w", err)
	}

	if c.Session.DefaultDurationSeconds <= 0 || c.Session.MaxDurationSeconds <= 0 {
		return errors.New("session durations must be positive")
	}
	if c.Session.DefaultDurationSeconds > c.Session.MaxDurationSeconds {
		return errors.New("default session duration exceeds the maximum")
	}
	if c.Session.MaxOpenAttempts <= 0 {
		return errors.New("session open attempts must be positive")
	}

	if err := c.Gamification.Validate(); err != nil {
		return fmt.Errorf("gamification: %w", err)
	}

	if c.Sweeper.Enabled {
		if _, err := cron.ParseStandard(c.Sweeper.Schedule); err != nil {
			return fmt.Errorf("sweeper schedule %q: %w", c.Sweeper.Schedule, err)
		}
	}

	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth token TTL must be positive")
	}
	if c.IsProduction() && c.Auth.Secret == "" {
		return errors.New("auth secret is required in production")
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}
