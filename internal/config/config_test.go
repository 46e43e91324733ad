package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Port != 64738 {
		t.Errorf("default port = %d", cfg.Port)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxUsers != 1000 {
		t.Errorf("max_users = %d", cfg.MaxUsers)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"name":"test-hub","port":12345,"registry":{"heartbeat_interval":10,"timeout":45},"channel_ninja":true}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "test-hub" || cfg.Port != 12345 || !cfg.ChannelNinja {
		t.Errorf("overrides lost: %+v", cfg)
	}
	if cfg.Registry.HeartbeatInterval != 10 || cfg.Registry.Timeout != 45 {
		t.Errorf("nested overrides lost: %+v", cfg.Registry)
	}
	// Untouched keys keep their defaults.
	if cfg.Bandwidth != 558000 || cfg.Registry.MaxEdges != 64 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte("{not json"), 0o600)
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"port too high", func(c *Config) { c.Port = 70000 }},
		{"negative server id", func(c *Config) { c.ServerID = -1 }},
		{"heartbeat zero", func(c *Config) { c.Registry.HeartbeatInterval = 0 }},
		{"max users zero", func(c *Config) { c.MaxUsers = 0 }},
		{"nesting zero", func(c *Config) { c.ChannelNestingLimit = 0 }},
		{"bandwidth zero", func(c *Config) { c.Bandwidth = 0 }},
		{"blob enabled without path", func(c *Config) { c.BlobStore.Enabled = true }},
		{"bad username regex", func(c *Config) { c.UsernameRegex = "[" }},
		{"bad channel regex", func(c *Config) { c.ChannelNameRegex = "(" }},
		{"bad suggest version", func(c *Config) { c.Suggest.Version = "latest" }},
		{"kdf zero", func(c *Config) { c.KDFIterations = 0 }},
		{"autoban attempts zero", func(c *Config) { c.AutoBan.Attempts = 0 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestNameValidation(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if !cfg.ValidUsername("alice") || !cfg.ValidUsername("bot[dev]") {
		t.Error("valid usernames rejected")
	}
	if cfg.ValidUsername("") || cfg.ValidUsername("new\nline") {
		t.Error("invalid usernames accepted")
	}
	if !cfg.ValidChannelName("Lobby #1") {
		t.Error("valid channel name rejected")
	}
	if cfg.ValidChannelName("") {
		t.Error("empty channel name accepted")
	}
}

func TestSuggestVersionPacked(t *testing.T) {
	cfg := Default()
	cfg.Suggest.Version = "1.4.230"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	want := uint32(1)<<16 | uint32(4)<<8 | uint32(230)
	if cfg.SuggestVersion() != want {
		t.Errorf("packed = %#x, want %#x", cfg.SuggestVersion(), want)
	}

	cfg2 := Default()
	if err := cfg2.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg2.SuggestVersion() != 0 {
		t.Error("unset suggest version nonzero")
	}
}
