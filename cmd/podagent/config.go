package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional --config override file for local/dev runs,
// letting a developer pin the lifecycle declaration without exporting a
// dozen environment variables.
type fileConfig struct {
	Command      string   `yaml:"command"`
	Dependencies []string `yaml:"dependencies"`
	Sequential   bool     `yaml:"sequential"`
	FullShutdown bool     `yaml:"fullShutdown"`
	Checks       int      `yaml:"checks"`
	Damper       string   `yaml:"damper"`
	Grace        string   `yaml:"grace"`
	CheckEvery   string   `yaml:"checkEvery"`
	ProbeEvery   string   `yaml:"probeEvery"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
