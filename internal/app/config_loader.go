package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
)

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*domain.Config, error) {
	config := domain.DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.chora")
		v.AddConfigPath("/etc/chora")
	}

	// CHORA_DOWNLOAD_CONCURRENT_LIMIT=4 overrides download.concurrent_limit
	v.SetEnvPrefix("CHORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config = expandPaths(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// bindEnvKeys registers every known key so AutomaticEnv applies to keys that
// are absent from the config file.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"server.host", "server.port",
		"remote.base_url", "remote.token", "remote.request_timeout",
		"storage.database_path", "storage.cache_dir", "storage.logs_dir",
		"sync.page_size", "sync.max_retries", "sync.retry_base_delay",
		"sync.retry_max_delay", "sync.requests_per_second", "sync.sync_on_start",
		"download.concurrent_limit", "download.max_retries", "download.retry_delay",
		"download.retry_max_delay", "download.chunk_size", "download.progress_interval",
		"download.progress_delta", "download.clear_completed_policy", "download.auto_start_workers",
		"network.check_interval", "network.check_timeout", "network.fail_threshold",
		"notification.enabled", "notification.sound", "notification.method",
		"logging.level", "logging.format", "logging.output_path",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// expandPaths expands environment variables in path configurations
func expandPaths(config *domain.Config) *domain.Config {
	config.Storage.DatabasePath = expandPath(config.Storage.DatabasePath)
	config.Storage.CacheDir = expandPath(config.Storage.CacheDir)
	config.Storage.LogsDir = expandPath(config.Storage.LogsDir)

	if config.Logging.OutputPath != "stdout" && config.Logging.OutputPath != "stderr" {
		config.Logging.OutputPath = expandPath(config.Logging.OutputPath)
	}

	return config
}

// expandPath expands environment variables and ~ in paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	if strings.Contains(path, "$HOME") {
		if home, err := os.UserHomeDir(); err == nil {
			path = strings.ReplaceAll(path, "$HOME", home)
		}
	}

	return os.ExpandEnv(path)
}

// validateConfig validates the configuration
func validateConfig(config *domain.Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Remote.BaseURL == "" {
		return fmt.Errorf("remote base url not configured")
	}

	if config.Storage.DatabasePath == "" {
		return fmt.Errorf("database path not configured")
	}

	if config.Storage.CacheDir == "" {
		return fmt.Errorf("cache directory not configured")
	}

	if config.Sync.PageSize < 1 {
		return fmt.Errorf("sync page size must be at least 1")
	}

	if config.Sync.MaxRetries < 0 || config.Download.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	if config.Download.ConcurrentLimit < 1 {
		return fmt.Errorf("concurrent limit must be at least 1")
	}

	if config.Download.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be positive")
	}

	switch config.Download.ClearCompletedPolicy {
	case domain.ClearPolicyRetain, domain.ClearPolicyEvict:
	case "":
		config.Download.ClearCompletedPolicy = domain.ClearPolicyRetain
	default:
		return fmt.Errorf("unknown clear completed policy: %s", config.Download.ClearCompletedPolicy)
	}

	if config.Network.FailThreshold < 1 {
		config.Network.FailThreshold = 1
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	return nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *domain.Config, path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	// Round-trip through mapstructure so keys keep their snake_case names.
	settings := map[string]interface{}{}
	if err := mapstructure.Decode(config, &settings); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	for key, value := range settings {
		v.Set(key, value)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
