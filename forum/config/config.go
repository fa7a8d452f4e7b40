// Package config layers the runtime configuration: a .env file for local
// development, an optional config.yaml, then environment variables on top.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Node  NodeConfig  `mapstructure:"node"`
	Store StoreConfig `mapstructure:"store"`
	Sync  SyncConfig  `mapstructure:"sync"`
	MDNS  MDNSConfig  `mapstructure:"mdns"`
}

type NodeConfig struct {
	// BaseURL of the dagnode REST API.
	BaseURL string `mapstructure:"base_url"`
	// ProtocolAddress hosts the thread index.
	ProtocolAddress string `mapstructure:"protocol_address"`
	// SignerURL accepts compose payloads for signing and submission.
	SignerURL string `mapstructure:"signer_url"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type SyncConfig struct {
	// Interval between background index refreshes in watch mode.
	Interval time.Duration `mapstructure:"interval"`
	// PruneInterval between expired-cache sweeps.
	PruneInterval time.Duration `mapstructure:"prune_interval"`
	// VerifyTimeout bounds post-submit confirmation polling.
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
}

type MDNSConfig struct {
	// Enabled turns on LAN node discovery when no base URL is configured.
	Enabled bool `mapstructure:"enabled"`
	// Advertise re-announces the discovered node for other LAN clients.
	Advertise bool `mapstructure:"advertise"`
}

// Load reads .env, then config.yaml from the working directory, then the
// DAGBBS_* environment. Missing files are fine; a file that exists but does
// not parse is fatal.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file, skipping")
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("DAGBBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("node.base_url", "")
	v.SetDefault("node.protocol_address", "")
	v.SetDefault("node.signer_url", "")
	v.SetDefault("store.path", "dagbbs.db")
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.prune_interval", 5*time.Minute)
	v.SetDefault("sync.verify_timeout", 60*time.Second)
	v.SetDefault("mdns.enabled", true)
	v.SetDefault("mdns.advertise", false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("config: no config.yaml, using defaults and environment")
		} else {
			return nil, fmt.Errorf("read config.yaml: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields every command needs. The protocol address has no
// sane default; the base URL may be empty only when mDNS discovery is on.
func (c *Config) Validate() error {
	if c.Node.ProtocolAddress == "" {
		return fmt.Errorf("node.protocol_address is required")
	}
	if c.Node.BaseURL == "" && !c.MDNS.Enabled {
		return fmt.Errorf("node.base_url is required when mdns is disabled")
	}
	return nil
}
