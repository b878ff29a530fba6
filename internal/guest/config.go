package guest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ConfigPath is where the rootfs builder installs the init configuration.
const ConfigPath = "/etc/benchjail/config.json"

// InitPath is where the rootfs builder installs the init binary.
const InitPath = "/init"

// Config tells the guest init what to run. It is baked into the rootfs.
type Config struct {
	Command       []string `json:"command"`
	WorkDir       string   `json:"workdir,omitempty"`
	Env           []string `json:"env,omitempty"`
	OutputFiles   []string `json:"output_files,omitempty"`
	MaxOutputSize int64    `json:"max_output_size,omitempty"`
	// ConnectTimeoutMS bounds how long init waits for the host channel.
	ConnectTimeoutMS int64 `json:"connect_timeout_ms,omitempty"`
}

// Validate reports a config the init cannot act on.
func (c *Config) Validate() error {
	if len(c.Command) == 0 || c.Command[0] == "" {
		return errors.New("guest config: command is required")
	}
	if c.MaxOutputSize < 0 {
		return errors.New("guest config: max_output_size must not be negative")
	}
	return nil
}

// OutputLimit returns the configured output bound or the default.
func (c *Config) OutputLimit() int64 {
	if c.MaxOutputSize > 0 {
		return c.MaxOutputSize
	}
	return DefaultMaxOutputSize
}

// LoadConfig reads and validates a guest config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guest config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode guest config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal encodes the config in its on-disk form.
func (c *Config) Marshal() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(c, "", "  ")
}
