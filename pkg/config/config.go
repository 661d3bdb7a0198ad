// Package config holds application configuration with defaults and optional
// YAML file overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	Connect struct {
		AddrType       string        `yaml:"addr_type" default:"public"`
		Security       int           `yaml:"security" default:"1"`
		MTU            int           `yaml:"mtu" default:"0"`
		ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
		ReadyTimeout   time.Duration `yaml:"ready_timeout" default:"5s"`
	} `yaml:"connect"`

	Joystick struct {
		Device string `yaml:"device" default:"/dev/input/js0"`
	} `yaml:"joystick"`

	Drive struct {
		RateHz          int `yaml:"rate_hz" default:"30"`
		DeadzoneX       int `yaml:"deadzone_x" default:"8000"`
		DeadzoneY       int `yaml:"deadzone_y" default:"8000"`
		SteeringDamping int `yaml:"steering_damping" default:"10"`
	} `yaml:"drive"`
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return cfg, nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
