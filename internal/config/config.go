package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration values
type Config struct {
	Project  ProjectConfig
	Database DatabaseConfig
	Import   ImportConfig
	Media    MediaConfig
	Phone    PhoneConfig
	Logging  LoggingConfig
}

// ProjectConfig holds the project folder layout
type ProjectConfig struct {
	Root string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LockRetries     int
	LockRetryDelay  time.Duration
}

// ImportConfig holds import configuration
type ImportConfig struct {
	ProgressInterval  time.Duration
	MaxArchiveEntries int
	MaxArchiveSize    int64
}

// MediaConfig holds media store configuration
type MediaConfig struct {
	Root          string
	ChunkSize     int
	MoveRetries   int
	MoveRetryWait time.Duration
}

// PhoneConfig holds the locale used for number canonicalization
type PhoneConfig struct {
	CountryCode string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("project.root", "msgbak-project")
	v.SetDefault("database.path", "")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.lock_retries", 5)
	v.SetDefault("database.lock_retry_delay", 100*time.Millisecond)
	v.SetDefault("import.progress_interval", 500*time.Millisecond)
	v.SetDefault("import.max_archive_entries", 10000)
	v.SetDefault("import.max_archive_size", int64(8589934592)) // 8GB
	v.SetDefault("media.root", "")
	v.SetDefault("media.chunk_size", 8192)
	v.SetDefault("media.move_retries", 3)
	v.SetDefault("media.move_retry_wait", 50*time.Millisecond)
	v.SetDefault("phone.country_code", "61")
	v.SetDefault("logging.level", "info")
}

// Load loads configuration from defaults, MSGBAK_* environment variables and
// an optional config file, in increasing order of precedence for the latter two.
// A .env file in the working directory is read into the environment first;
// variables already set win over it.
func Load(v *viper.Viper) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix("MSGBAK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return build(v)
}

// ForProject returns a configuration with defaults rooted at dir. Used by
// tests and by callers that do not read the environment.
func ForProject(dir string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.Set("project.root", dir)
	return build(v)
}

// build maps resolved viper keys onto Config.
func build(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Project: ProjectConfig{
			Root: v.GetString("project.root"),
		},
		Database: DatabaseConfig{
			Path:            v.GetString("database.path"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			LockRetries:     v.GetInt("database.lock_retries"),
			LockRetryDelay:  v.GetDuration("database.lock_retry_delay"),
		},
		Import: ImportConfig{
			ProgressInterval:  v.GetDuration("import.progress_interval"),
			MaxArchiveEntries: v.GetInt("import.max_archive_entries"),
			MaxArchiveSize:    v.GetInt64("import.max_archive_size"),
		},
		Media: MediaConfig{
			Root:          v.GetString("media.root"),
			ChunkSize:     v.GetInt("media.chunk_size"),
			MoveRetries:   v.GetInt("media.move_retries"),
			MoveRetryWait: v.GetDuration("media.move_retry_wait"),
		},
		Phone: PhoneConfig{
			CountryCode: v.GetString("phone.country_code"),
		},
		Logging: LoggingConfig{
			Level: v.GetString("logging.level"),
		},
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Resolve absolute paths
	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Project.Root) == "" {
		return fmt.Errorf("project root must not be empty")
	}

	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("max open conns must be positive, got %d", c.Database.MaxOpenConns)
	}

	// Base64 is decoded in quads, so chunks must be divisible by 4.
	if c.Media.ChunkSize < 4 || c.Media.ChunkSize%4 != 0 {
		return fmt.Errorf("media chunk size must be a positive multiple of 4, got %d", c.Media.ChunkSize)
	}

	if c.Media.MoveRetries <= 0 {
		return fmt.Errorf("media move retries must be positive, got %d", c.Media.MoveRetries)
	}

	for _, ch := range c.Phone.CountryCode {
		if ch < '0' || ch > '9' {
			return fmt.Errorf("country code must be digits only, got %q", c.Phone.CountryCode)
		}
	}
	if c.Phone.CountryCode == "" {
		return fmt.Errorf("country code must not be empty")
	}

	return nil
}

// resolvePaths resolves all directory paths to absolute paths
func (c *Config) resolvePaths() error {
	var err error

	c.Project.Root, err = filepath.Abs(c.Project.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve project directory: %w", err)
	}

	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Project.Root, "db", "messages.sqlite")
	}
	c.Database.Path, err = filepath.Abs(c.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve database path: %w", err)
	}

	if c.Media.Root == "" {
		c.Media.Root = filepath.Join(c.Project.Root, "media")
	}
	c.Media.Root, err = filepath.Abs(c.Media.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve media directory: %w", err)
	}

	return nil
}
