// Package config loads the daemon configuration: a YAML file describing
// the servos and their output backends, with environment overrides for
// the host-level settings.
package config

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"servodrive-go/servo"
)

// Output backend kinds.
const (
	OutputSysfs   = "sysfs"
	OutputPCA9685 = "pca9685"
	OutputNone    = "none" // state machine only, no hardware
)

type Config struct {
	// Listen is the HTTP API address.
	Listen string `yaml:"listen" env:"SERVOD_LISTEN"`
	// RequestTimeoutMs bounds each bus request made by the HTTP layer.
	RequestTimeoutMs int `yaml:"request_timeout_ms" env:"SERVOD_REQUEST_TIMEOUT_MS"`

	Servos []Servo `yaml:"servos"`
}

type Servo struct {
	Name   string `yaml:"name"`
	Output string `yaml:"output"`

	// sysfs backend.
	Chip    int `yaml:"chip"`
	Channel int `yaml:"channel"`

	// pca9685 backend. Channel above selects the chip channel too.
	I2CBus  int    `yaml:"i2c_bus"`
	I2CAddr uint16 `yaml:"i2c_addr"`

	PeriodNs   uint32        `yaml:"period_ns"`
	TickMs     int           `yaml:"tick_ms"`
	StartAngle *int          `yaml:"start_angle"`
	Limits     *servo.Limits `yaml:"limits"`
}

func defaults() Config {
	return Config{
		Listen:           ":8754",
		RequestTimeoutMs: 2000,
	}
}

// Load reads path, applies environment overrides, and validates.
func Load(path string) (Config, error) {
	cfg := defaults()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing config")
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "applying environment")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	if c.RequestTimeoutMs <= 0 {
		return errors.New("request_timeout_ms must be positive")
	}
	if len(c.Servos) == 0 {
		return errors.New("no servos configured")
	}

	seen := make(map[string]struct{}, len(c.Servos))
	for i, s := range c.Servos {
		if s.Name == "" {
			return errors.Errorf("servo %d: name is empty", i)
		}
		if _, dup := seen[s.Name]; dup {
			return errors.Errorf("servo %q: duplicate name", s.Name)
		}
		seen[s.Name] = struct{}{}

		switch s.Output {
		case OutputSysfs:
			if s.Chip < 0 || s.Channel < 0 {
				return errors.Errorf("servo %q: chip and channel must be non-negative", s.Name)
			}
		case OutputPCA9685:
			if s.I2CBus < 0 {
				return errors.Errorf("servo %q: i2c_bus must be non-negative", s.Name)
			}
			if s.Channel < 0 || s.Channel > 15 {
				return errors.Errorf("servo %q: pca9685 channel must be 0-15", s.Name)
			}
		case OutputNone:
		default:
			return errors.Errorf("servo %q: unknown output %q", s.Name, s.Output)
		}

		if s.Limits != nil {
			if err := s.Limits.Validate(); err != nil {
				return errors.Wrapf(err, "servo %q", s.Name)
			}
		}
	}
	return nil
}
