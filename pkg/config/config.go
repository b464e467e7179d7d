package config

// Package config provides a reusable loader for relaymesh node configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/relaymesh/node/core"
	"github.com/relaymesh/node/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig core.Config

// applyDefaults mirrors the options table in the external spec: every field
// a node can run without an operator ever touching a config file.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("port", 4001)
	v.SetDefault("listen_addr", "/ip4/0.0.0.0/tcp/4001")
	v.SetDefault("enable_mdns", true)
	v.SetDefault("discovery_tag", "relaymesh")
	v.SetDefault("relay_reservation_timeout_ms", 15000)
	v.SetDefault("health_check_interval_ms", 30000)
	v.SetDefault("announce_interval_ms", 60000)
	v.SetDefault("auto_accept_channels_below_sats", core.AcceptAllThreshold)
	v.SetDefault("default_channel_lifetime_ms", int64(7*24*60*60*1000))
	v.SetDefault("min_capacity", 10000)
	v.SetDefault("max_capacity", core.AcceptAllThreshold)
	v.SetDefault("fee_rate_per_byte", 2)
	v.SetDefault("dust_threshold", 546)
	v.SetDefault("max_message_size_bytes", 1<<20)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("chain_service_url", "")
}

// Load reads a named config file (if present), merges RELAYMESH_-prefixed
// environment variable overrides, and unmarshals the result into AppConfig.
// An empty name loads "config.yaml" from the current directory or ./config.
func Load(name string) (*core.Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	applyDefaults(v)

	if name == "" {
		name = "config"
	}
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, fmt.Sprintf("load %s config", name))
		}
	}

	v.SetEnvPrefix("RELAYMESH")
	v.AutomaticEnv()

	var cfg core.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	AppConfig = cfg
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the RELAYMESH_CONFIG environment
// variable to select a config file name.
func LoadFromEnv() (*core.Config, error) {
	return Load(utils.EnvOrDefault("RELAYMESH_CONFIG", ""))
}
