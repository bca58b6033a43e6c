package domain

import "time"

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Download     DownloadConfig     `mapstructure:"download"`
	Network      NetworkConfig      `mapstructure:"network"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig contains HTTP API configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// RemoteConfig describes the remote library server
type RemoteConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// StorageConfig contains local persistence configuration
type StorageConfig struct {
	DatabasePath string `mapstructure:"database_path"`
	CacheDir     string `mapstructure:"cache_dir"`
	LogsDir      string `mapstructure:"logs_dir"`
}

// SyncConfig contains library synchronization configuration
type SyncConfig struct {
	PageSize          int           `mapstructure:"page_size"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	SyncOnStart       bool          `mapstructure:"sync_on_start"`
}

// DownloadConfig contains download-related configuration
type DownloadConfig struct {
	ConcurrentLimit      int           `mapstructure:"concurrent_limit"`
	MaxRetries           int           `mapstructure:"max_retries"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay        time.Duration `mapstructure:"retry_max_delay"`
	ChunkSize            int           `mapstructure:"chunk_size"`
	ProgressInterval     time.Duration `mapstructure:"progress_interval"`
	ProgressDelta        float64       `mapstructure:"progress_delta"`
	ClearCompletedPolicy string        `mapstructure:"clear_completed_policy"` // retain, evict
	AutoStartWorkers     bool          `mapstructure:"auto_start_workers"`
}

// NetworkConfig controls connectivity probing
type NetworkConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	CheckTimeout  time.Duration `mapstructure:"check_timeout"`
	FailThreshold int           `mapstructure:"fail_threshold"`
}

// NotificationConfig contains notification-related configuration
type NotificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Sound   bool   `mapstructure:"sound"`
	Method  string `mapstructure:"method"` // osascript, notify-send
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
}

// Clear-completed policies
const (
	ClearPolicyRetain = "retain"
	ClearPolicyEvict  = "evict"
)

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8090,
		},
		Remote: RemoteConfig{
			BaseURL:        "http://localhost:4533",
			RequestTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DatabasePath: "$HOME/.chora/library.db",
			CacheDir:     "$HOME/.chora/cache",
			LogsDir:      "$HOME/.chora/logs",
		},
		Sync: SyncConfig{
			PageSize:          200,
			MaxRetries:        4,
			RetryBaseDelay:    1 * time.Second,
			RetryMaxDelay:     30 * time.Second,
			RequestsPerSecond: 10,
			SyncOnStart:       true,
		},
		Download: DownloadConfig{
			ConcurrentLimit:      2,
			MaxRetries:           3,
			RetryDelay:           5 * time.Second,
			RetryMaxDelay:        2 * time.Minute,
			ChunkSize:            64 * 1024,
			ProgressInterval:     500 * time.Millisecond,
			ProgressDelta:        0.05,
			ClearCompletedPolicy: ClearPolicyRetain,
			AutoStartWorkers:     true,
		},
		Network: NetworkConfig{
			CheckInterval: 15 * time.Second,
			CheckTimeout:  5 * time.Second,
			FailThreshold: 2,
		},
		Notification: NotificationConfig{
			Enabled: false,
			Sound:   false,
			Method:  "notify-send",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stdout",
		},
	}
}
