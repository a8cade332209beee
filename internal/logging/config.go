package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum enabled level: trace, debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`

	// OutputPaths are zap sink URLs. Default: stderr.
	OutputPaths []string `koanf:"output_paths"`

	// Fields are constant fields attached to every entry.
	Fields map[string]string `koanf:"fields"`

	// Caller annotates entries with file:line.
	Caller bool `koanf:"caller"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = []string{"stderr"}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("invalid log format %q (want json or console)", c.Format)
	}
	return nil
}

// zapLevel converts the configured level string.
func (c *Config) zapLevel() zapcore.Level {
	lvl, _ := ParseLevel(c.Level)
	return lvl
}
