// Package config provides configuration management for repowiki.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for repowiki.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Platform   PlatformConfig   `mapstructure:"platform"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite3" uses Path; driver "pgx" uses the host/port/user fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ProcessingConfig holds workspace and processing-worker configuration.
type ProcessingConfig struct {
	// RepositoriesDirectory is the root under which working trees are laid
	// out as {org}/{repo}/tree.
	RepositoriesDirectory string `mapstructure:"repositoriesDirectory"`

	// CleanupAfterProcessing removes the working tree after each pass.
	CleanupAfterProcessing bool `mapstructure:"cleanupAfterProcessing"`

	// MaxRetryAttempts bounds clone/fetch retries inside the workspace manager.
	MaxRetryAttempts int `mapstructure:"maxRetryAttempts"`

	// RetryDelayMs is the fixed delay between workspace manager retries.
	RetryDelayMs int `mapstructure:"retryDelayMs"`

	// InsecureSkipTLS disables certificate verification on git transports.
	// Defaults to true to tolerate inspection proxies; hardened deployments
	// should set this to false.
	InsecureSkipTLS bool `mapstructure:"insecureSkipTLS"`
}

// SchedulerConfig holds incremental-update scheduling configuration.
type SchedulerConfig struct {
	PollingIntervalSeconds       int `mapstructure:"pollingIntervalSeconds"`
	DefaultUpdateIntervalMinutes int `mapstructure:"defaultUpdateIntervalMinutes"`
	MinUpdateIntervalMinutes     int `mapstructure:"minUpdateIntervalMinutes"`
	RetryBaseDelayMs             int `mapstructure:"retryBaseDelayMs"`
	ManualTriggerPriority        int `mapstructure:"manualTriggerPriority"`
}

// PlatformConfig holds platform (GitHub App) credential configuration.
type PlatformConfig struct {
	// Token is the global fallback token used when a repository carries no
	// credentials and no app installation exists for its organization.
	Token string `mapstructure:"token"`

	// AppAPIBaseURL is the REST endpoint of the platform app service that
	// exchanges an organization for an installation token.
	AppAPIBaseURL string `mapstructure:"appApiBaseUrl"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RetryDelay returns the fixed workspace retry delay as a time.Duration.
func (p *ProcessingConfig) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

// PollingInterval returns the scheduler poll interval as a time.Duration.
func (s *SchedulerConfig) PollingInterval() time.Duration {
	return time.Duration(s.PollingIntervalSeconds) * time.Second
}

// RetryBaseDelay returns the exponential-backoff base as a time.Duration.
func (s *SchedulerConfig) RetryBaseDelay() time.Duration {
	return time.Duration(s.RetryBaseDelayMs) * time.Millisecond
}

// DefaultUpdateInterval returns the default update interval as a time.Duration.
func (s *SchedulerConfig) DefaultUpdateInterval() time.Duration {
	return time.Duration(s.DefaultUpdateIntervalMinutes) * time.Minute
}

// MinUpdateInterval returns the minimum update interval as a time.Duration.
func (s *SchedulerConfig) MinUpdateInterval() time.Duration {
	return time.Duration(s.MinUpdateIntervalMinutes) * time.Minute
}

func defaultRepositoriesDirectory() string {
	if runtime.GOOS == "windows" {
		return `C:\data`
	}
	return "/data"
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("REPOWIKI_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite unless a driver is configured
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./repowiki.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "repowiki")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "repowiki")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "repowiki")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Processing defaults
	v.SetDefault("processing.repositoriesDirectory", defaultRepositoriesDirectory())
	v.SetDefault("processing.cleanupAfterProcessing", false)
	v.SetDefault("processing.maxRetryAttempts", 3)
	v.SetDefault("processing.retryDelayMs", 1000)
	v.SetDefault("processing.insecureSkipTLS", true)

	// Scheduler defaults
	v.SetDefault("scheduler.pollingIntervalSeconds", 60)
	v.SetDefault("scheduler.defaultUpdateIntervalMinutes", 60)
	v.SetDefault("scheduler.minUpdateIntervalMinutes", 5)
	v.SetDefault("scheduler.retryBaseDelayMs", 1000)
	v.SetDefault("scheduler.manualTriggerPriority", 100)

	// Platform defaults
	v.SetDefault("platform.token", "")
	v.SetDefault("platform.appApiBaseUrl", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix REPOWIKI_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/repowiki/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("REPOWIKI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("processing.repositoriesDirectory", "REPOWIKI_PROCESSING_REPOSITORIES_DIRECTORY")
	_ = v.BindEnv("platform.token", "REPOWIKI_PLATFORM_TOKEN", "GITHUB_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/repowiki/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Processing.RepositoriesDirectory == "" {
		errs = append(errs, "processing.repositoriesDirectory must not be empty")
	}
	if cfg.Processing.MaxRetryAttempts <= 0 {
		errs = append(errs, "processing.maxRetryAttempts must be positive")
	}
	if cfg.Processing.RetryDelayMs < 0 {
		errs = append(errs, "processing.retryDelayMs must not be negative")
	}

	if cfg.Scheduler.PollingIntervalSeconds <= 0 {
		errs = append(errs, "scheduler.pollingIntervalSeconds must be positive")
	}
	if cfg.Scheduler.DefaultUpdateIntervalMinutes <= 0 {
		errs = append(errs, "scheduler.defaultUpdateIntervalMinutes must be positive")
	}
	if cfg.Scheduler.MinUpdateIntervalMinutes <= 0 {
		errs = append(errs, "scheduler.minUpdateIntervalMinutes must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
