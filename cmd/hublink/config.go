package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the yaml configuration for one hub. Address is a BLE MAC for the
// wireless families and a serial device path for ev3 and spike.
type Config struct {
	Family     string `yaml:"family"`
	Address    string `yaml:"address"`
	Baud       int    `yaml:"baud"`
	Power      int    `yaml:"power"`
	DurationMS int    `yaml:"duration_ms"`
	LEDIndex   int    `yaml:"led_index"`
	LEDRGB     []int  `yaml:"led_rgb"`
	MinRSSI    int    `yaml:"min_rssi"`
}

var families = map[string]bool{
	"wedo2":      true,
	"boost":      true,
	"duplotrain": true,
	"ev3":        true,
	"spike":      true,
}

// LoadConfig reads and validates a yaml config file.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Family:     "wedo2",
		Baud:       115200,
		Power:      100,
		DurationMS: 1000,
		LEDIndex:   -1,
		MinRSSI:    -128,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if !families[cfg.Family] {
		return nil, errors.Errorf("unknown family %q", cfg.Family)
	}
	if len(cfg.LEDRGB) != 0 && len(cfg.LEDRGB) != 3 {
		return nil, errors.New("led_rgb must hold exactly three components")
	}
	return cfg, nil
}

// splitPower coerces a signed power into the magnitude and direction the
// motor layer expects. The session clamps again on transmit.
func splitPower(power int) (magnitude, direction int) {
	direction = 1
	if power < 0 {
		direction = -1
		power = -power
	}
	if power > 100 {
		power = 100
	}
	return power, direction
}
