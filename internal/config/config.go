// Package config loads shmctl settings from SHM_* environment variables.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/srediag/shmtransport/internal/logging"
	"github.com/srediag/shmtransport/pkg/shm"
	"github.com/srediag/shmtransport/pkg/timestamp"
)

// Prefix is the environment variable prefix.
const Prefix = "SHM"

// Config holds all shmctl configuration.
type Config struct {
	Region    RegionConfig
	Logging   LogConfig
	Server    ServerConfig
	Timestamp TimestampConfig
}

// RegionConfig holds shared memory settings.
type RegionConfig struct {
	Namespace    string `envconfig:"NAMESPACE" default:"shmtransport"`
	Dir          string `envconfig:"DIR" default:"/dev/shm"`
	MinFreeBytes uint64 `envconfig:"MIN_FREE_BYTES" default:"0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"warn"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// ServerConfig holds broker settings.
type ServerConfig struct {
	Socket   string `envconfig:"SOCKET" default:"/tmp/shmtransport.sock"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:"127.0.0.1:9464"`
	Workers  int    `envconfig:"WORKERS" default:"16"`
}

// TimestampConfig holds clock settings.
type TimestampConfig struct {
	NoHighResolution bool `envconfig:"NO_HIRES_TIMER" default:"false"`
	Restarted        bool `envconfig:"APP_RESTART" default:"false"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration with every variable unset.
func Default() *Config {
	return &Config{
		Region: RegionConfig{
			Namespace: shm.DefaultNamespace,
			Dir:       shm.DefaultDir,
		},
		Logging: LogConfig{Level: "warn"},
		Server: ServerConfig{
			Socket:   "/tmp/shmtransport.sock",
			HTTPAddr: "127.0.0.1:9464",
			Workers:  16,
		},
	}
}

// Logger builds the process logger.
func (c *Config) Logger() (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:       c.Logging.Level,
		Development: c.Logging.Development,
	})
}

// ShmConfig returns the region configuration for log.
func (c *Config) ShmConfig(log *zap.Logger) shm.Config {
	return shm.Config{
		Namespace:    c.Region.Namespace,
		Dir:          c.Region.Dir,
		MinFreeBytes: c.Region.MinFreeBytes,
		Logger:       log,
	}
}

// TimestampOptions returns the clock options for log.
func (c *Config) TimestampOptions(log *zap.Logger) timestamp.Options {
	return timestamp.Options{
		DisableHighResolution: c.Timestamp.NoHighResolution,
		Restarted:             c.Timestamp.Restarted,
		Logger:                log,
	}
}
