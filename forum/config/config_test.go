package config

import (
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("DAGBBS_NODE_BASE_URL", "http://node.local:8080")
	t.Setenv("DAGBBS_NODE_PROTOCOL_ADDRESS", "dag:proto")
	t.Setenv("DAGBBS_SYNC_INTERVAL", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.BaseURL != "http://node.local:8080" {
		t.Fatalf("base url: %q", cfg.Node.BaseURL)
	}
	if cfg.Node.ProtocolAddress != "dag:proto" {
		t.Fatalf("protocol address: %q", cfg.Node.ProtocolAddress)
	}
	if cfg.Sync.Interval != 45*time.Second {
		t.Fatalf("sync interval: %v", cfg.Sync.Interval)
	}
	// Untouched keys keep their defaults.
	if cfg.Store.Path != "dagbbs.db" {
		t.Fatalf("store path: %q", cfg.Store.Path)
	}
	if !cfg.MDNS.Enabled {
		t.Fatalf("mdns should default on")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("empty config accepted")
	}

	cfg.Node.ProtocolAddress = "dag:proto"
	cfg.MDNS.Enabled = false
	if err := cfg.Validate(); err == nil {
		t.Fatalf("missing base url accepted with mdns off")
	}

	cfg.MDNS.Enabled = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("discovery-backed config rejected: %v", err)
	}

	cfg.MDNS.Enabled = false
	cfg.Node.BaseURL = "http://node.local:8080"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("explicit base url rejected: %v", err)
	}
}
