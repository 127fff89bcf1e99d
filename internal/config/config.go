package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config represents the server configuration
type Config struct {
	Host          string  `mapstructure:"host"`
	Port          int     `mapstructure:"port"`
	Root          string  `mapstructure:"root"`
	Debug         bool    `mapstructure:"debug"`
	ChunkSizeMB   int     `mapstructure:"chunk_size_mb"`
	MaxFrameMB    int     `mapstructure:"max_frame_mb"`
	MetricsAddr   string  `mapstructure:"metrics_addr"`
	RateLimitMbps float64 `mapstructure:"rate_limit_mbps"`
	Seed          bool    `mapstructure:"seed"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:          "0.0.0.0",
		Port:          8765,
		Root:          "tcp_test_root",
		Debug:         false,
		ChunkSizeMB:   2, // default transfer chunk size
		MaxFrameMB:    4, // frame payload cap
		MetricsAddr:   "",
		RateLimitMbps: 0, // no limit
		Seed:          true,
	}
}

// LoadConfig loads configuration from file or returns defaults
func LoadConfig() (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("ferry")
	viper.SetConfigType("yaml")

	if homeDir, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(homeDir, ".config", "ferry"))
	}
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("FERRY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found - use defaults (not an error)
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// GetConfigPath returns the path of the config file in use
func GetConfigPath() string {
	if viper.ConfigFileUsed() != "" {
		return viper.ConfigFileUsed()
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "~/.config/ferry/ferry.yaml"
	}

	return filepath.Join(homeDir, ".config", "ferry", "ferry.yaml")
}
