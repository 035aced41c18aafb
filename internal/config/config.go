package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir  string          `yaml:"data_dir"`
	Server   ServerConfig    `yaml:"server"`
	Label    LabelConfig     `yaml:"label"`
	Queue    QueueConfig     `yaml:"queue"`
	Printers PrintersConfig  `yaml:"printers"`
	Wireless WirelessConfig  `yaml:"wireless"`
	Hotplug  HotplugConfig   `yaml:"hotplug"`
	Database DatabaseConfig  `yaml:"database"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Auth     AuthConfig      `yaml:"auth"`
	Logging  LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// MessagesPerSecond limits inbound socket messages per connection.
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	MessageBurst      int     `yaml:"message_burst"`
}

type LabelConfig struct {
	WidthMM float64 `yaml:"width_mm"`
	DPI     int     `yaml:"dpi"`
	GapMM   float64 `yaml:"gap_mm"`
}

type QueueConfig struct {
	RetryDelay time.Duration `yaml:"retry_delay"`
	// MaxRetries bounds no-printer retries of the head job. Zero retries forever.
	MaxRetries int `yaml:"max_retries"`
}

type PrintersConfig struct {
	RelevanceKeywords []string         `yaml:"relevance_keywords"`
	PreferredKeywords []string         `yaml:"preferred_keywords"`
	EnumerateTimeout  time.Duration    `yaml:"enumerate_timeout"`
	ConnectionTimeout time.Duration    `yaml:"connection_timeout"`
	CUPS              CUPSConfig       `yaml:"cups"`
	Network           []NetworkPrinter `yaml:"network"`
}

type CUPSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	LpstatPath string `yaml:"lpstat_path"`
	LpPath     string `yaml:"lp_path"`
}

type NetworkPrinter struct {
	Name    string  `yaml:"name"`
	Address string  `yaml:"address"`
	Port    int     `yaml:"port"`
	DPI     int     `yaml:"dpi"`
	GapMM   float64 `yaml:"gap_mm"`
}

type WirelessConfig struct {
	Devices          []WirelessDevice `yaml:"devices"`
	Probe            string           `yaml:"probe"`
	ProbeTimeout     time.Duration    `yaml:"probe_timeout"`
	RefreshInterval  time.Duration    `yaml:"refresh_interval"`
	InitialScanDelay time.Duration    `yaml:"initial_scan_delay"`
	// SimulateSeed and SimulateFlipRate only apply to the "simulate" probe.
	SimulateSeed     int64   `yaml:"simulate_seed"`
	SimulateFlipRate float64 `yaml:"simulate_flip_rate"`
}

type WirelessDevice struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Device  string `yaml:"device"`
}

type HotplugConfig struct {
	Enabled bool `yaml:"enabled"`
}

type DatabaseConfig struct {
	Path        string `yaml:"path"`
	ArchivePath string `yaml:"archive_path"`
	ArchiveDays int    `yaml:"archive_days"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type AuthConfig struct {
	PasswordHash string        `yaml:"password_hash"`
	JWTSecret    string        `yaml:"jwt_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Enabled reports whether API authentication is configured.
func (a AuthConfig) Enabled() bool {
	return a.PasswordHash != ""
}

func defaults() *Config {
	return &Config{
		DataDir: "./data",
		Server: ServerConfig{
			Address:           "127.0.0.1:8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			MessagesPerSecond: 20,
			MessageBurst:      40,
		},
		Label: LabelConfig{
			WidthMM: 56,
			DPI:     203,
			GapMM:   2,
		},
		Queue: QueueConfig{
			RetryDelay: 5 * time.Second,
			MaxRetries: 0,
		},
		Printers: PrintersConfig{
			RelevanceKeywords: []string{"munbyn", "thermal", "label", "printer"},
			PreferredKeywords: []string{"munbyn", "thermal", "label"},
			EnumerateTimeout:  5 * time.Second,
			ConnectionTimeout: 10 * time.Second,
			CUPS: CUPSConfig{
				Enabled:    true,
				LpstatPath: "lpstat",
				LpPath:     "lp",
			},
		},
		Wireless: WirelessConfig{
			Probe:            "node",
			ProbeTimeout:     2 * time.Second,
			RefreshInterval:  10 * time.Second,
			InitialScanDelay: 2 * time.Second,
			SimulateFlipRate: 0.1,
		},
		Hotplug: HotplugConfig{
			Enabled: true,
		},
		Database: DatabaseConfig{
			Path:        "./data/instalabel.db",
			ArchivePath: "./data/archives",
			ArchiveDays: 30,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaults()
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overlays INSTALABEL_* environment variables onto c.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("INSTALABEL_ADDR"); v != "" {
		c.Server.Address = v
	}

	if v := os.Getenv("INSTALABEL_DATA_DIR"); v != "" {
		c.DataDir = v
	}

	if v := os.Getenv("INSTALABEL_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("INSTALABEL_ARCHIVE_PATH"); v != "" {
		c.Database.ArchivePath = v
	}

	if v := os.Getenv("INSTALABEL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("INSTALABEL_LABEL_WIDTH_MM"); v != "" {
		if width, err := strconv.ParseFloat(v, 64); err == nil {
			c.Label.WidthMM = width
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server address is required")
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Server.MessagesPerSecond <= 0 {
		return fmt.Errorf("messages per second must be positive")
	}

	if c.Label.WidthMM <= 0 {
		return fmt.Errorf("label width must be positive, got %v", c.Label.WidthMM)
	}

	if c.Label.DPI <= 0 {
		return fmt.Errorf("label dpi must be positive, got %d", c.Label.DPI)
	}

	if c.Label.GapMM < 0 {
		return fmt.Errorf("label gap must be non-negative")
	}

	if c.Queue.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}

	if len(c.Printers.RelevanceKeywords) == 0 {
		return fmt.Errorf("at least one printer relevance keyword is required")
	}

	if c.Printers.EnumerateTimeout < 0 {
		return fmt.Errorf("enumerate timeout must be non-negative")
	}

	if c.Printers.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout must be non-negative")
	}

	seen := make(map[string]bool)
	for i, p := range c.Printers.Network {
		if p.Name == "" {
			return fmt.Errorf("network printer %d: name is required", i)
		}
		if p.Address == "" {
			return fmt.Errorf("network printer %q: address is required", p.Name)
		}
		if p.Port < 0 || p.Port > 65535 {
			return fmt.Errorf("network printer %q: port must be between 0 and 65535, got %d", p.Name, p.Port)
		}
		if seen[p.Name] {
			return fmt.Errorf("network printer %q is declared twice", p.Name)
		}
		seen[p.Name] = true
	}

	for i, d := range c.Wireless.Devices {
		if d.Name == "" {
			return fmt.Errorf("wireless device %d: name is required", i)
		}
	}

	validProbes := map[string]bool{
		"node":     true,
		"dial":     true,
		"simulate": true,
	}

	if !validProbes[c.Wireless.Probe] {
		return fmt.Errorf("invalid wireless probe: %s (valid: node, dial, simulate)", c.Wireless.Probe)
	}

	if c.Wireless.RefreshInterval <= 0 {
		return fmt.Errorf("wireless refresh interval must be positive")
	}

	if c.Wireless.InitialScanDelay < 0 {
		return fmt.Errorf("wireless initial scan delay must be non-negative")
	}

	if c.Wireless.SimulateFlipRate < 0 || c.Wireless.SimulateFlipRate > 1 {
		return fmt.Errorf("simulate flip rate must be between 0 and 1")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Database.ArchiveDays < 0 {
		return fmt.Errorf("archive days must be non-negative")
	}

	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook %d: url is required", i)
		}
	}

	if c.Auth.Enabled() && c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token ttl must be positive")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, console)", c.Logging.Format)
	}

	return nil
}
