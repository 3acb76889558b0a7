package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper points Viper at the configuration file and wires environment
// variables. If configFile is empty, standard locations are searched for
// titanium.yaml/.yml. The search requires an explicit YAML extension so
// the binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Nothing found: set name/type without search paths so
		// ReadInConfig returns ConfigFileNotFoundError, which callers
		// treat as env-vars-only mode.
		viper.SetConfigName("titanium")
		viper.SetConfigType("yaml")
	}

	// Environment overrides: TITANIUM_PROXY_ADDR -> proxy.addr
	viper.SetEnvPrefix("TITANIUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for titanium.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".titanium"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "titanium"))
		}
	} else {
		paths = append(paths, "/etc/titanium")
	}
	return findConfigFileInPaths(paths)
}

func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "titanium"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar config keys for environment overrides.
// Arrays (credentials, identities, bypass_list) stay file-only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("data_dir")

	_ = viper.BindEnv("proxy.addr")
	_ = viper.BindEnv("proxy.read_header_timeout")
	_ = viper.BindEnv("proxy.dial_timeout")
	_ = viper.BindEnv("proxy.shutdown_timeout")
	_ = viper.BindEnv("proxy.max_sessions")
	_ = viper.BindEnv("proxy.upstream_insecure")

	_ = viper.BindEnv("tls_inspection.enabled")
	_ = viper.BindEnv("tls_inspection.ca_dir")
	_ = viper.BindEnv("tls_inspection.cert_ttl")

	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.rate")
	_ = viper.BindEnv("rate_limit.burst")
	_ = viper.BindEnv("rate_limit.period")

	_ = viper.BindEnv("intercept.rules_file")
	_ = viper.BindEnv("intercept.fail_closed")

	_ = viper.BindEnv("capture.backend")
	_ = viper.BindEnv("capture.dir")
	_ = viper.BindEnv("capture.path")
	_ = viper.BindEnv("capture.channel_size")

	_ = viper.BindEnv("ops.enabled")
	_ = viper.BindEnv("ops.addr")
	_ = viper.BindEnv("ops.token_hash")

	_ = viper.BindEnv("logging.level")
	_ = viper.BindEnv("logging.format")
}

// LoadConfig reads the configuration file, applies environment overrides
// and defaults, validates, and returns the Config. A missing config file
// is not an error; defaults plus environment variables apply.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or
// "" in env-vars-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
