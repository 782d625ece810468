// Package config provides configuration management for loom. It loads
// from environment variables, an optional config file, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section loom needs.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Docker      DockerConfig      `mapstructure:"docker"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// NATSConfig holds optional NATS event-bus configuration. Empty URL
// means use the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds the optional Docker-backed workspace execution
// client configuration.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// CredentialsConfig holds credential-resolution configuration.
type CredentialsConfig struct {
	ProfileCredentialsPath string `mapstructure:"profileCredentialsPath"` // well-known CLI credentials file
	EnvKeyPrefix           string `mapstructure:"envKeyPrefix"`
}

// WorkspaceConfig holds workspace provisioning configuration.
type WorkspaceConfig struct {
	TempRoot      string `mapstructure:"tempRoot"`
	SSHKeyStore   string `mapstructure:"sshKeyStore"`
	KnownHostsTTL int    `mapstructure:"knownHostsTTL"` // seconds
}

// SchedulerConfig holds deployment scheduler configuration.
type SchedulerConfig struct {
	ShutdownGraceSeconds int `mapstructure:"shutdownGraceSeconds"`
}

// RunnerConfig holds Agent Runner configuration.
type RunnerConfig struct {
	TurnTimeoutSeconds       int      `mapstructure:"turnTimeoutSeconds"`
	CancelGracePeriodSeconds int      `mapstructure:"cancelGracePeriodSeconds"`
	CLICommand               string   `mapstructure:"cliCommand"` // executable invoked for every agent turn
	CLIArgs                  []string `mapstructure:"cliArgs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("LOOM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./loom.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "loom")
	v.SetDefault("database.dbName", "loom")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "loom-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")

	v.SetDefault("credentials.profileCredentialsPath", "~/.loom/credentials.json")
	v.SetDefault("credentials.envKeyPrefix", "LOOM_")

	v.SetDefault("workspace.tempRoot", os.TempDir())
	v.SetDefault("workspace.sshKeyStore", "~/.loom/ssh")
	v.SetDefault("workspace.knownHostsTTL", 86400)

	v.SetDefault("scheduler.shutdownGraceSeconds", 30)

	v.SetDefault("runner.turnTimeoutSeconds", 600)
	v.SetDefault("runner.cancelGracePeriodSeconds", 5)
	v.SetDefault("runner.cliCommand", "assistant-cli")
	v.SetDefault("runner.cliArgs", []string{"run", "--output-format", "stream-json"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables (prefix LOOM_),
// an optional config.yaml in the current directory or /etc/loom/, and
// defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load, adding configPath as an extra config file search location.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/loom/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	} else if cfg.Database.Driver != "sqlite" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Runner.TurnTimeoutSeconds <= 0 {
		errs = append(errs, "runner.turnTimeoutSeconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// TurnTimeout returns the per-turn subprocess timeout as a Duration.
func (r *RunnerConfig) TurnTimeout() time.Duration {
	return time.Duration(r.TurnTimeoutSeconds) * time.Second
}

// CancelGracePeriod returns the interrupt-then-terminate grace window.
func (r *RunnerConfig) CancelGracePeriod() time.Duration {
	return time.Duration(r.CancelGracePeriodSeconds) * time.Second
}

// ReadTimeoutDuration returns the HTTP read timeout as a Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the HTTP write timeout as a Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}
