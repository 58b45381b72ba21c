// Package config loads runtime settings and builds the process logger.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration. Every key can be set in
// coop.yaml or through a COOP_ prefixed env var (COOP_DATA_DIR, ...).
type Config struct {
	// Server
	Port        int      `mapstructure:"port" validate:"gt=0,lte=65535"`
	CORSOrigins []string `mapstructure:"cors_origins"`

	// Storage: one SQLite file per cooperative, <data_dir>/<coop>.db
	DataDir string   `mapstructure:"data_dir" validate:"required"`
	Coops   []string `mapstructure:"coops" validate:"required,min=1,dive,required,max=64"`

	// Logging
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json text"`

	// Administrative purge
	PurgeTokenTTL time.Duration `mapstructure:"purge_token_ttl" validate:"gt=0"`
}

var coopID = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Load reads configuration from v: defaults, then the optional coop.yaml,
// then environment variables. Flags bound to v by the CLI win over all.
func Load(v *viper.Viper) (*Config, error) {
	v.SetConfigName("coop")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("COOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Sensible defaults for development
	v.SetDefault("port", 8080)
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("data_dir", "./data")
	v.SetDefault("coops", []string{"demo"})
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("purge_token_ttl", 2*time.Minute)

	// Optional config file - does not fail if missing
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := map[string]bool{}
	for _, id := range c.Coops {
		if !coopID.MatchString(id) {
			return fmt.Errorf("invalid config: coop id %q must be lowercase letters, digits, '-' or '_'", id)
		}
		if seen[id] {
			return fmt.Errorf("invalid config: coop id %q listed twice", id)
		}
		seen[id] = true
	}
	return nil
}

// DBPath is the SQLite file of one cooperative.
func (c *Config) DBPath(coop string) string {
	return filepath.Join(c.DataDir, coop+".db")
}

// EnsureDataDir creates the data directory if needed.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o755)
}

// NewLogger builds the process logger. format is "json" or "text".
func NewLogger(level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(lvl)
	log.SetOutput(os.Stdout)
	if format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}
	return log, nil
}
