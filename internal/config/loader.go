package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for loopgate.yaml/.yml in
// standard locations. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("loopgate")
		viper.SetConfigType("yaml")
	}

	// SSE is on unless a config source explicitly disables it. The other
	// defaults are zero-value driven and filled in by Config.SetDefaults.
	viper.SetDefault("sse.enabled", true)

	// Environment variable support: LOOPGATE_SERVER_MIN_PORT etc.
	viper.SetEnvPrefix("LOOPGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a loopgate config file with
// an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".loopgate"),
		"/etc/loopgate",
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for loopgate.yaml or
// .yml and returns the first match, or empty string if none is found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "loopgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds all config keys for environment variable support.
// Example: LOOPGATE_SSE_HEARTBEAT_INTERVAL overrides sse.heartbeat_interval.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.port")
	_ = viper.BindEnv("server.min_port")
	_ = viper.BindEnv("server.max_port")

	_ = viper.BindEnv("sse.enabled")
	_ = viper.BindEnv("sse.path")
	_ = viper.BindEnv("sse.heartbeat_interval")

	_ = viper.BindEnv("ops.addr")

	_ = viper.BindEnv("audit.path")
	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.flush_interval")

	_ = viper.BindEnv("log_level")
}

// Load reads the configuration file, applies environment overrides and
// defaults, and validates the result.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// FileUsed returns the path of the configuration file that was loaded, or
// an empty string when running from environment variables only.
func FileUsed() string {
	return viper.ConfigFileUsed()
}
