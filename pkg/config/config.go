package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lxtui/lxtui/pkg/engine"
	"github.com/lxtui/lxtui/pkg/lxd"
	"github.com/lxtui/lxtui/pkg/telemetry"
)

// PathEnv names the environment variable overriding the config file path.
const PathEnv = "LXTUI_CONFIG"

// Config is the complete lxtui configuration file.
type Config struct {
	// Engine tunes the operation engine.
	Engine engine.Config `yaml:"engine"`

	// LXD selects and authenticates the LXD server.
	LXD lxd.Config `yaml:"lxd"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the configuration used when no file exists. Logs go to a
// file so they never interleave with console output.
func Default() *Config {
	cfg := &Config{
		Engine:    engine.DefaultConfig(),
		LXD:       lxd.DefaultConfig(),
		Telemetry: *telemetry.DefaultConfig(),
	}
	if dir, err := os.UserCacheDir(); err == nil {
		cfg.Telemetry.Logging.Output = filepath.Join(dir, "lxtui", "lxtui.log")
	}
	return cfg
}

// DefaultPath returns the config file location: $LXTUI_CONFIG, or
// config.yaml under the user config directory.
func DefaultPath() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lxtui", "config.yaml")
}

// Load reads the file at path over the defaults. An empty path means
// DefaultPath, which may be absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data over cfg and validates the result. Unknown keys
// are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg.Validate()
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := validate.Struct(c.LXD); err != nil {
		return fmt.Errorf("invalid lxd config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
