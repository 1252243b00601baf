package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type SourceConfig struct {
	BaseURL        string
	Token          string
	ItemLinkPrefix string
	FetchTimeout   time.Duration
}

type SinkConfig struct {
	BaseURL       string
	Token         string
	ChannelID     string
	BotUserID     string
	PostTimeout   time.Duration
	DeleteTimeout time.Duration
	FetchTimeout  time.Duration
}

type Config struct {
	SocketPath string
	DBPath     string
	Source     SourceConfig
	Sink       SinkConfig

	// Tracks is the authoritative track list. Empty means discover the
	// list from the source at startup.
	Tracks []string

	TickInterval     time.Duration
	MinPollInterval  time.Duration
	MaxPollInterval  time.Duration
	SeedPollInterval time.Duration
	SinkPollInterval time.Duration
	StartupWindow    time.Duration
	CreateSpacing    time.Duration
	DeleteBatchLimit int
}

func DefaultConfig() Config {
	return Config{
		SocketPath: defaultSocketPath(),
		DBPath:     defaultDBPath(),
		Source: SourceConfig{
			FetchTimeout: 30 * time.Second,
		},
		Sink: SinkConfig{
			PostTimeout:   10 * time.Second,
			DeleteTimeout: 5 * time.Second,
			FetchTimeout:  10 * time.Second,
		},
		TickInterval:     5 * time.Second,
		MinPollInterval:  5 * time.Minute,
		MaxPollInterval:  30 * time.Minute,
		SeedPollInterval: 10 * time.Minute,
		SinkPollInterval: 1 * time.Hour,
		StartupWindow:    5 * time.Minute,
		CreateSpacing:    2 * time.Second,
		DeleteBatchLimit: 10,
	}
}

// Duration accepts Go duration strings ("30s", "5m") in YAML configs.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", value.Kind)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// fileConfig is the on-disk shape. Durations are strings; everything else
// maps straight onto Config.
type fileConfig struct {
	SocketPath string `yaml:"socket_path"`
	DBPath     string `yaml:"db_path"`

	Source struct {
		BaseURL        string   `yaml:"base_url"`
		Token          string   `yaml:"token"`
		ItemLinkPrefix string   `yaml:"item_link_prefix"`
		FetchTimeout   Duration `yaml:"fetch_timeout"`
	} `yaml:"source"`

	Sink struct {
		BaseURL       string   `yaml:"base_url"`
		Token         string   `yaml:"token"`
		ChannelID     string   `yaml:"channel_id"`
		BotUserID     string   `yaml:"bot_user_id"`
		PostTimeout   Duration `yaml:"post_timeout"`
		DeleteTimeout Duration `yaml:"delete_timeout"`
		FetchTimeout  Duration `yaml:"fetch_timeout"`
	} `yaml:"sink"`

	Tracks []string `yaml:"tracks"`

	TickInterval     Duration `yaml:"tick_interval"`
	MinPollInterval  Duration `yaml:"min_poll_interval"`
	MaxPollInterval  Duration `yaml:"max_poll_interval"`
	SeedPollInterval Duration `yaml:"seed_poll_interval"`
	SinkPollInterval Duration `yaml:"sink_poll_interval"`
	StartupWindow    Duration `yaml:"startup_window"`
	CreateSpacing    Duration `yaml:"create_spacing"`
	DeleteBatchLimit int      `yaml:"delete_batch_limit"`
}

// Load reads a YAML config file over the defaults. Zero-valued fields in the
// file keep their defaults.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg := Config{
		SocketPath: file.SocketPath,
		DBPath:     file.DBPath,
		Source: SourceConfig{
			BaseURL:        file.Source.BaseURL,
			Token:          file.Source.Token,
			ItemLinkPrefix: file.Source.ItemLinkPrefix,
			FetchTimeout:   time.Duration(file.Source.FetchTimeout),
		},
		Sink: SinkConfig{
			BaseURL:       file.Sink.BaseURL,
			Token:         file.Sink.Token,
			ChannelID:     file.Sink.ChannelID,
			BotUserID:     file.Sink.BotUserID,
			PostTimeout:   time.Duration(file.Sink.PostTimeout),
			DeleteTimeout: time.Duration(file.Sink.DeleteTimeout),
			FetchTimeout:  time.Duration(file.Sink.FetchTimeout),
		},
		Tracks:           file.Tracks,
		TickInterval:     time.Duration(file.TickInterval),
		MinPollInterval:  time.Duration(file.MinPollInterval),
		MaxPollInterval:  time.Duration(file.MaxPollInterval),
		SeedPollInterval: time.Duration(file.SeedPollInterval),
		SinkPollInterval: time.Duration(file.SinkPollInterval),
		StartupWindow:    time.Duration(file.StartupWindow),
		CreateSpacing:    time.Duration(file.CreateSpacing),
		DeleteBatchLimit: file.DeleteBatchLimit,
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SocketPath == "" {
		c.SocketPath = d.SocketPath
	}
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.Source.FetchTimeout <= 0 {
		c.Source.FetchTimeout = d.Source.FetchTimeout
	}
	if c.Sink.PostTimeout <= 0 {
		c.Sink.PostTimeout = d.Sink.PostTimeout
	}
	if c.Sink.DeleteTimeout <= 0 {
		c.Sink.DeleteTimeout = d.Sink.DeleteTimeout
	}
	if c.Sink.FetchTimeout <= 0 {
		c.Sink.FetchTimeout = d.Sink.FetchTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.MinPollInterval <= 0 {
		c.MinPollInterval = d.MinPollInterval
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = d.MaxPollInterval
	}
	if c.SeedPollInterval <= 0 {
		c.SeedPollInterval = d.SeedPollInterval
	}
	if c.SinkPollInterval <= 0 {
		c.SinkPollInterval = d.SinkPollInterval
	}
	if c.StartupWindow <= 0 {
		c.StartupWindow = d.StartupWindow
	}
	if c.CreateSpacing <= 0 {
		c.CreateSpacing = d.CreateSpacing
	}
	if c.DeleteBatchLimit <= 0 {
		c.DeleteBatchLimit = d.DeleteBatchLimit
	}
	return c
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "trackmirror", "trackmirrord.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".trackmirrord.sock"
	}
	return filepath.Join(home, ".local", "state", "trackmirror", "trackmirrord.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "trackmirror.db"
	}
	return filepath.Join(home, ".local", "state", "trackmirror", "state.db")
}
