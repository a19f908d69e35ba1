package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/mediaforge/playlock/internal"
)

// Config is the agent's identity and tuning, loaded from a TOML file.
type Config struct {
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Device      DeviceConfig      `toml:"device"`
	Poll        PollConfig        `toml:"poll"`
}

type CoordinatorConfig struct {
	URL        string `toml:"url"`
	AdminToken string `toml:"admin_token"`
}

type DeviceConfig struct {
	UserID string `toml:"user_id"`
	Class  string `toml:"class"`
	Token  string `toml:"token"`
}

type PollConfig struct {
	IntervalSecs int `toml:"interval_secs"`
	BeatSecs     int `toml:"beat_secs"`
}

func DefaultConfig() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			URL: "http://localhost:8009",
		},
		Device: DeviceConfig{
			Class: string(internal.DeviceClassWeb),
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.Device.UserID == "" {
		return fmt.Errorf("device.user_id is required")
	}
	class, err := internal.ParseDeviceClass(c.Device.Class)
	if err != nil {
		return err
	}
	if class == internal.DeviceClassDesktop && c.Device.Token == "" {
		return fmt.Errorf("desktop agents need device.token for heartbeats")
	}
	return nil
}
