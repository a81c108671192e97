package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server  ServerConfig
	Remote  RemoteConfig
	Queue   QueueConfig
	History HistoryConfig
	Network NetworkConfig
	Storage StorageConfig
	Log     LogConfig
}

// ServerConfig tunes the loopback management API.
type ServerConfig struct {
	Port int
}

// RemoteConfig points at the dream interpretation service.
type RemoteConfig struct {
	BaseURL       string
	TextTimeout   time.Duration
	AudioTimeout  time.Duration
	StatusTimeout time.Duration
	PollInterval  time.Duration
	PollMaxFails  int
}

// QueueConfig bounds automatic replay of durably queued requests.
type QueueConfig struct {
	MaxRetries int
}

// HistoryConfig bounds the stored interpretation history.
type HistoryConfig struct {
	Limit int
}

// NetworkConfig tunes the reachability monitor.
type NetworkConfig struct {
	ProbeInterval time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Remote: RemoteConfig{
			TextTimeout:   15 * time.Second,
			AudioTimeout:  30 * time.Second,
			StatusTimeout: 10 * time.Second,
			PollInterval:  5 * time.Second,
			PollMaxFails:  3,
		},
		Queue: QueueConfig{
			MaxRetries: 5,
		},
		History: HistoryConfig{
			Limit: 20,
		},
		Network: NetworkConfig{
			ProbeInterval: 15 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: com.dreamsync.app).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/dreamsync/config.json.
//
// Environment variables (DREAMSYNC_*) override backend values on all
// platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Remote.BaseURL == "" {
		msg := "missing required config: dream service base URL. " +
			"Set it via environment variable DREAMSYNC_REMOTE_BASE_URL " +
			"or `dreamsync config set remote.base_url <url>`"
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}
