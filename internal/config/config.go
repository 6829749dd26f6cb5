package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	ServerURL               string `mapstructure:"server_url"`
	AuthToken               string `mapstructure:"auth_token"`
	ReconnectBaseMillis     int    `mapstructure:"reconnect_base_millis"`
	ReconnectMaxMillis      int    `mapstructure:"reconnect_max_millis"`
	ReconnectMaxAttempts    int    `mapstructure:"reconnect_max_attempts"`
	LogBufferCapacity       int    `mapstructure:"log_buffer_capacity"`
	SnapshotIntervalSeconds int    `mapstructure:"snapshot_interval_seconds"`
	CommandTimeoutSeconds   int    `mapstructure:"command_timeout_seconds"`
	LogFormat               string `mapstructure:"log_format"`
	LogLevel                string `mapstructure:"log_level"`
}

func Default() *Config {
	return &Config{
		ReconnectBaseMillis:     1000,
		ReconnectMaxMillis:      30000,
		ReconnectMaxAttempts:    10,
		LogBufferCapacity:       1000,
		SnapshotIntervalSeconds: 30,
		CommandTimeoutSeconds:   30,
		LogFormat:               "text",
		LogLevel:                "info",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("console")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SENTINEL")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Save(cfg *Config, cfgFile string) error {
	viper.Set("server_url", cfg.ServerURL)
	viper.Set("auth_token", cfg.AuthToken)
	viper.Set("reconnect_base_millis", cfg.ReconnectBaseMillis)
	viper.Set("reconnect_max_millis", cfg.ReconnectMaxMillis)
	viper.Set("reconnect_max_attempts", cfg.ReconnectMaxAttempts)
	viper.Set("log_buffer_capacity", cfg.LogBufferCapacity)
	viper.Set("snapshot_interval_seconds", cfg.SnapshotIntervalSeconds)
	viper.Set("command_timeout_seconds", cfg.CommandTimeoutSeconds)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("log_level", cfg.LogLevel)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "console.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (contains auth token)
	return os.Chmod(cfgPath, 0600)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "SentinelOps")
	case "darwin":
		return "/Library/Application Support/SentinelOps"
	default:
		return "/etc/sentinelops"
	}
}
