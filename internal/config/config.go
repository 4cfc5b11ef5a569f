// Package config loads ecole settings from defaults, an optional config
// file, a .env file and the environment, in increasing precedence.
//
// Every key can be set from the environment with the ECOLE_ prefix and dots
// replaced by underscores (ECOLE_LAN_PORT=4000). The remote URL also
// honours CLOUD_URL.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "ECOLE"

// DefaultCloudURL is used when no remote authority is configured.
const DefaultCloudURL = "http://localhost:3000"

// Config is the resolved configuration.
type Config struct {
	DB     DBConfig     `mapstructure:"db" yaml:"db"`
	Cloud  CloudConfig  `mapstructure:"cloud" yaml:"cloud"`
	Device DeviceConfig `mapstructure:"device" yaml:"device"`
	LAN    LANConfig    `mapstructure:"lan" yaml:"lan"`
	Sync   SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

type DBConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type CloudConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type DeviceConfig struct {
	// ID overrides the generated device id.
	ID string `mapstructure:"id" yaml:"id"`
}

type LANConfig struct {
	Host      string        `mapstructure:"host" yaml:"host"`
	Port      int           `mapstructure:"port" yaml:"port"`
	KeepAlive time.Duration `mapstructure:"keepalive" yaml:"keepalive"`
	Advertise bool          `mapstructure:"advertise" yaml:"advertise"`
}

type SyncConfig struct {
	Schedule        string        `mapstructure:"schedule" yaml:"schedule"`
	MinInterval     time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
	RetryFailedRows bool          `mapstructure:"retry_failed_rows" yaml:"retry_failed_rows"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// Options selects the files Load reads. Empty fields are skipped, except
// EnvFile which defaults to ".env" in the working directory.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// DataDir is the default directory of the database and log file.
func DataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".ecole"
	}
	return filepath.Join(dir, "ecole")
}

// New returns a viper instance with every default and environment binding
// registered.
func New() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	v.SetDefault("db.path", filepath.Join(DataDir(), "ecole.db"))
	v.SetDefault("cloud.url", DefaultCloudURL)
	v.SetDefault("cloud.timeout", 30*time.Second)
	v.SetDefault("device.id", "")
	v.SetDefault("lan.host", "")
	v.SetDefault("lan.port", 3030)
	v.SetDefault("lan.keepalive", 15*time.Second)
	v.SetDefault("lan.advertise", false)
	v.SetDefault("sync.schedule", "@every 15m")
	v.SetDefault("sync.min_interval", time.Minute)
	v.SetDefault("sync.retry_failed_rows", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("cloud.url", EnvPrefix+"_CLOUD_URL", "CLOUD_URL")
	return v
}

// Load resolves the configuration.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	// Variables already set in the environment win over the .env file.
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) || opts.EnvFile != "" {
		return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
	}

	v := New()
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that would otherwise fail late.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DB.Path) == "" {
		return fmt.Errorf("db.path is required")
	}
	u, err := url.ParseRequestURI(c.Cloud.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("cloud.url must be an http(s) URL (got %q)", c.Cloud.URL)
	}
	if c.Cloud.Timeout <= 0 {
		return fmt.Errorf("cloud.timeout must be positive")
	}
	if c.LAN.Port < 0 || c.LAN.Port > 65535 {
		return fmt.Errorf("lan.port out of range: %d", c.LAN.Port)
	}
	if c.LAN.KeepAlive <= 0 {
		return fmt.Errorf("lan.keepalive must be positive")
	}
	if c.Sync.MinInterval < 0 {
		return fmt.Errorf("sync.min_interval cannot be negative")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console (got %q)", c.Log.Format)
	}
	return nil
}
