// Package config holds the named options for hub and edge nodes. Settings
// are stored as JSON; every option has a working default so a node starts
// with an empty file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the full option surface. Hub and edge share the struct; each
// reads the sections that concern it.
type Config struct {
	ServerID int    `json:"server_id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`

	HubAddr string `json:"hub_addr"`

	// HTTPAddr serves the admin/status API; empty disables it.
	HTTPAddr string `json:"http_addr"`

	TLS struct {
		Cert string `json:"cert"`
		Key  string `json:"key"`
		CA   string `json:"ca"`
	} `json:"tls"`
	RequireClientCert  bool `json:"require_client_cert"`
	RejectUnauthorized bool `json:"reject_unauthorized"`

	Registry struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
		Timeout           int `json:"timeout"`
		MaxEdges          int `json:"max_edges"`
	} `json:"registry"`

	Database struct {
		Path           string `json:"path"`
		BackupDir      string `json:"backup_dir"`
		BackupInterval int    `json:"backup_interval"`
		WALMode        bool   `json:"wal_mode"`
	} `json:"database"`

	BlobStore struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"blob_store"`

	Timeout int `json:"timeout"`

	MaxUsers            int `json:"max_users"`
	MaxUsersPerChannel  int `json:"max_users_per_channel"`
	ChannelNestingLimit int `json:"channel_nesting_limit"`

	Bandwidth          int    `json:"bandwidth"`
	WelcomeText        string `json:"welcome_text"`
	TextMessageLength  int    `json:"text_message_length"`
	ImageMessageLength int    `json:"image_message_length"`

	MessageLimit       float64 `json:"message_limit"`
	MessageBurst       int     `json:"message_burst"`
	PluginMessageLimit float64 `json:"plugin_message_limit"`
	PluginMessageBurst int     `json:"plugin_message_burst"`

	AllowHTML               bool `json:"allow_html"`
	DefaultChannel          int  `json:"default_channel"`
	RememberChannel         bool `json:"remember_channel"`
	RememberChannelDuration int  `json:"remember_channel_duration"`

	ListenersPerChannel int `json:"listeners_per_channel"`
	ListenersPerUser    int `json:"listeners_per_user"`

	UsernameRegex    string `json:"username_regex"`
	ChannelNameRegex string `json:"channel_name_regex"`

	AutoBan struct {
		Attempts                 int  `json:"attempts"`
		Timeframe                int  `json:"timeframe"`
		Duration                 int  `json:"duration"`
		BanSuccessfulConnections bool `json:"ban_successful_connections"`
	} `json:"auto_ban"`

	Suggest struct {
		Version    string `json:"version"`
		Positional *bool  `json:"positional,omitempty"`
		PushToTalk *bool  `json:"push_to_talk,omitempty"`
	} `json:"suggest"`

	KDFIterations int `json:"kdf_iterations"`

	ChannelNinja bool `json:"channel_ninja"`

	Debug bool `json:"debug"`

	// Compiled at Validate time.
	usernameRE    *regexp.Regexp
	channelNameRE *regexp.Regexp
	suggestU32    uint32
}

// Default returns a Config populated with working defaults.
func Default() Config {
	cfg := Config{
		Name:                    "Humble",
		Host:                    "0.0.0.0",
		Port:                    64738,
		HubAddr:                 "localhost:64740",
		Timeout:                 30,
		MaxUsers:                1000,
		MaxUsersPerChannel:      0,
		ChannelNestingLimit:     10,
		Bandwidth:               558000,
		WelcomeText:             "Welcome to Humble.",
		TextMessageLength:       5000,
		ImageMessageLength:      131072,
		MessageLimit:            1.0,
		MessageBurst:            5,
		PluginMessageLimit:      4.0,
		PluginMessageBurst:      15,
		DefaultChannel:          0,
		RememberChannel:         true,
		RememberChannelDuration: 0,
		ListenersPerChannel:     100,
		ListenersPerUser:        100,
		UsernameRegex:           `^[ \-=\w\[\]\{\}\(\)\@\|\.]+$`,
		ChannelNameRegex:        `^[ \-=\w\#\[\]\{\}\(\)\@\|]+$`,
		KDFIterations:           -1,
	}
	cfg.Registry.HeartbeatInterval = 30
	cfg.Registry.Timeout = 90
	cfg.Registry.MaxEdges = 64
	cfg.Database.Path = "humble.db"
	cfg.Database.BackupInterval = 3600
	cfg.Database.WALMode = true
	cfg.AutoBan.Attempts = 10
	cfg.AutoBan.Timeframe = 120
	cfg.AutoBan.Duration = 300
	return cfg
}

// Load reads path and merges it over the defaults, then validates. A
// missing file yields validated defaults; a malformed file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges and compiles the regex and version options.
func (c *Config) Validate() error {
	if c.ServerID < 0 {
		return fmt.Errorf("server_id must be non-negative, got %d", c.ServerID)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be in [1,65535], got %d", c.Port)
	}
	if c.Registry.HeartbeatInterval <= 0 {
		return fmt.Errorf("registry.heartbeat_interval must be > 0")
	}
	if c.Registry.Timeout <= 0 {
		return fmt.Errorf("registry.timeout must be > 0")
	}
	if c.Database.BackupInterval <= 0 {
		return fmt.Errorf("database.backup_interval must be > 0")
	}
	if c.BlobStore.Enabled && c.BlobStore.Path == "" {
		return fmt.Errorf("blob_store.path is required when blob_store.enabled")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if c.MaxUsers < 1 {
		return fmt.Errorf("max_users must be >= 1, got %d", c.MaxUsers)
	}
	if c.MaxUsersPerChannel < 0 {
		return fmt.Errorf("max_users_per_channel must be >= 0")
	}
	if c.ChannelNestingLimit < 1 {
		return fmt.Errorf("channel_nesting_limit must be >= 1")
	}
	if c.Bandwidth <= 0 {
		return fmt.Errorf("bandwidth must be > 0")
	}
	if c.TextMessageLength <= 0 {
		return fmt.Errorf("text_message_length must be > 0")
	}
	if c.DefaultChannel < 0 {
		return fmt.Errorf("default_channel must be >= 0")
	}
	if c.RememberChannelDuration < 0 {
		return fmt.Errorf("remember_channel_duration must be >= 0")
	}
	if c.ListenersPerChannel < 0 || c.ListenersPerUser < 0 {
		return fmt.Errorf("listener limits must be >= 0")
	}
	if c.AutoBan.Attempts < 1 {
		return fmt.Errorf("auto_ban.attempts must be >= 1")
	}
	if c.AutoBan.Timeframe <= 0 {
		return fmt.Errorf("auto_ban.timeframe must be > 0")
	}
	if c.KDFIterations == 0 || c.KDFIterations < -1 {
		return fmt.Errorf("kdf_iterations must be > 0 or -1 for auto")
	}

	var err error
	if c.usernameRE, err = regexp.Compile(c.UsernameRegex); err != nil {
		return fmt.Errorf("username_regex: %w", err)
	}
	if c.channelNameRE, err = regexp.Compile(c.ChannelNameRegex); err != nil {
		return fmt.Errorf("channel_name_regex: %w", err)
	}

	if c.Suggest.Version != "" {
		var major, minor, patch int
		if _, err := fmt.Sscanf(c.Suggest.Version, "%d.%d.%d", &major, &minor, &patch); err != nil {
			return fmt.Errorf("suggest.version %q: want MAJOR.MINOR.PATCH", c.Suggest.Version)
		}
		if major < 0 || minor < 0 || minor > 255 || patch < 0 || patch > 255 {
			return fmt.Errorf("suggest.version %q: components out of range", c.Suggest.Version)
		}
		c.suggestU32 = uint32(major)<<16 | uint32(minor)<<8 | uint32(patch)
	}
	return nil
}

// ValidUsername reports whether a name matches the configured pattern.
// Validate must have run.
func (c *Config) ValidUsername(name string) bool {
	return name != "" && c.usernameRE.MatchString(name)
}

// ValidChannelName reports whether a channel name matches the pattern.
func (c *Config) ValidChannelName(name string) bool {
	return name != "" && c.channelNameRE.MatchString(name)
}

// SuggestVersion returns suggest.version packed as Mumble's u32 encoding,
// or 0 when unset.
func (c *Config) SuggestVersion() uint32 {
	return c.suggestU32
}

// Save writes cfg to disk.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
