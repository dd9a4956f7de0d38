package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix, e.g. COMFYRUN_ADDRESS
const Prefix = "COMFYRUN"

type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"console"`
}

type Config struct {
	Address        string        `envconfig:"ADDRESS" default:"127.0.0.1:8188"`
	Secure         bool          `envconfig:"SECURE" default:"false"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s"`
	MaxWait        time.Duration `envconfig:"MAX_WAIT" default:"30m"`
	DialRetry      int           `envconfig:"DIAL_RETRY" default:"3"`
	OutputDir      string        `envconfig:"OUTPUT_DIR" default:"output"`
	RolesPath      string        `envconfig:"ROLES_PATH"`

	Log LogConfig `envconfig:"LOG"`
}

// Load reads the optional .env files (the working directory's .env when none
// are named) and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%s_ADDRESS must not be empty", Prefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s_REQUEST_TIMEOUT must be positive, got %s", Prefix, c.RequestTimeout)
	}
	if c.MaxWait <= 0 {
		return fmt.Errorf("%s_MAX_WAIT must be positive, got %s", Prefix, c.MaxWait)
	}
	if c.DialRetry < 0 {
		return fmt.Errorf("%s_DIAL_RETRY must not be negative, got %d", Prefix, c.DialRetry)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("%s_OUTPUT_DIR must not be empty", Prefix)
	}
	return nil
}
