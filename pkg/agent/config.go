package agent

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/neuroplastio/tbpatch/internal/tps6598x"
)

// Config points to the data directory and the device configuration file.
// Every field can be overridden with a TBPATCH_ prefixed environment variable.
// Live reload only applies to the device configuration.
type Config struct {
	DataDir      string `json:"dataDir" envconfig:"DATA_DIR"`
	DeviceConfig string `json:"deviceConfig" envconfig:"DEVICE_CONFIG"`
	Verbose      bool   `json:"verbose" envconfig:"VERBOSE"`
}

const envPrefix = "tbpatch"

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(envPrefix, c); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}
	return nil
}

// Duration is a time.Duration written as a string in configuration files.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// DeviceConfig is stored at devices.yml.
type DeviceConfig struct {
	I2C     I2CConfig     `json:"i2c"`
	MCP2221 MCP2221Config `json:"mcp2221"`
	Images  ImageConfig   `json:"images"`
	Engine  EngineConfig  `json:"engine"`
	Backups BackupConfig  `json:"backups"`
	Watch   WatchConfig   `json:"watch"`
}

type I2CConfig struct {
	Enabled bool `json:"enabled"`
	// Adapter restricts probing to adapters whose name contains it.
	Adapter   string   `json:"adapter,omitempty"`
	Addresses []uint16 `json:"addresses"`
}

type MCP2221Config struct {
	Enabled   bool     `json:"enabled"`
	Addresses []uint16 `json:"addresses"`
	Speed     int      `json:"speed"`
}

type ImageConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"`
}

type EngineConfig struct {
	Verify        bool     `json:"verify"`
	VerifyRetries uint     `json:"verifyRetries"`
	RetryInterval Duration `json:"retryInterval"`
}

type BackupConfig struct {
	Enabled bool `json:"enabled"`
	Retain  int  `json:"retain"`
}

type WatchConfig struct {
	Interval Duration `json:"interval"`
}

// DefaultDeviceConfig keeps images next to the device configuration file.
func DefaultDeviceConfig(deviceConfigPath string) DeviceConfig {
	return DeviceConfig{
		I2C: I2CConfig{
			Enabled:   true,
			Addresses: tps6598x.DefaultAddresses,
		},
		MCP2221: MCP2221Config{
			Enabled:   true,
			Addresses: tps6598x.DefaultAddresses,
			Speed:     100_000,
		},
		Images: ImageConfig{
			Enabled: true,
			Dir:     filepath.Join(filepath.Dir(deviceConfigPath), "images"),
		},
		Engine: EngineConfig{
			Verify:        true,
			VerifyRetries: 2,
			RetryInterval: Duration(50 * time.Millisecond),
		},
		Backups: BackupConfig{
			Enabled: true,
			Retain:  16,
		},
		Watch: WatchConfig{
			Interval: Duration(5 * time.Second),
		},
	}
}
