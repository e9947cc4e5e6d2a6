package config

import (
	"fmt"
	"path/filepath"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Remote  RemoteConfig
	Sync    SyncConfig
	Metrics MetricsConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port     int
	BindAddr string
	// DataDir holds the remote store database. Empty means
	// <Storage.DataDir>/server.
	DataDir string
}

// Addr returns the listen address of the remote store server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.BindAddr, s.Port)
}

type StorageConfig struct {
	DataDir string
}

type RemoteConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
}

type SyncConfig struct {
	UploadConcurrency int
	MaxAttempts       int
	PollInterval      time.Duration
	RefreshInterval   time.Duration
	FlushTimeout      time.Duration
}

type MetricsConfig struct {
	Enabled bool
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			BindAddr: "127.0.0.1",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Remote: RemoteConfig{
			BaseURL:   "http://127.0.0.1:4100",
			Timeout:   15 * time.Second,
			RateLimit: 10,
		},
		Sync: SyncConfig{
			UploadConcurrency: 4,
			MaxAttempts:       5,
			PollInterval:      2 * time.Second,
			RefreshInterval:   5 * time.Minute,
			FlushTimeout:      10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: com.notesync.app).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/notesync/config.json.
//
// Environment variables (NOTESYNC_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

// LoadFromFile reads configuration from the JSON file at path instead of the
// platform backend. Environment overrides still apply.
func LoadFromFile(path string) (Config, error) {
	return loadWith(openFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = filepath.Join(cfg.Storage.DataDir, "server")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	case c.Storage.DataDir == "":
		return fmt.Errorf("invalid config: storage.data_dir is required")
	case c.Remote.BaseURL == "":
		return fmt.Errorf("invalid config: remote.base_url is required")
	case c.Remote.Timeout <= 0:
		return fmt.Errorf("invalid config: remote.timeout must be positive")
	case c.Sync.UploadConcurrency <= 0:
		return fmt.Errorf("invalid config: sync.upload_concurrency must be positive")
	case c.Sync.MaxAttempts <= 0:
		return fmt.Errorf("invalid config: sync.max_attempts must be positive")
	case c.Sync.PollInterval <= 0 || c.Sync.RefreshInterval <= 0 || c.Sync.FlushTimeout <= 0:
		return fmt.Errorf("invalid config: sync intervals must be positive")
	}
	return nil
}
