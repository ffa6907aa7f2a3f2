// Package config loads the controller's configuration from an optional
// YAML file plus environment variables.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all controller configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Runtime     RuntimeConfig     `mapstructure:"runtime"`
	Mirror      MirrorConfig      `mapstructure:"mirror"`
	Log         LogConfig         `mapstructure:"log"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Environment EnvironmentConfig `mapstructure:"environment"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// RegistryConfig holds filesystem-of-record configuration.
type RegistryConfig struct {
	Root string `mapstructure:"root"`
}

// ProxyConfig holds proxy configurator configuration.
type ProxyConfig struct {
	Root          string `mapstructure:"root"`
	ReloadCommand string `mapstructure:"reload_command"`
	ValidateCmd   string `mapstructure:"validate_command"`
}

// RuntimeConfig holds the container runtime driver configuration.
type RuntimeConfig struct {
	Bin     string `mapstructure:"bin"`
	Host    string `mapstructure:"host"`
	Network string `mapstructure:"network"`
}

// MirrorConfig holds the relational mirror configuration. An empty DSN
// disables mirroring entirely.
type MirrorConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig holds bearer-token auth configuration for the /tool surface.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// SchedulerConfig holds the cleanup job scheduler configuration.
type SchedulerConfig struct {
	IntervalMinutes    int `mapstructure:"interval_minutes"`
	ReconcileIntervalM int `mapstructure:"reconcile_interval_minutes"`
}

// PortRange is a closed-open integer port range.
type PortRange struct {
	Start int
	End   int
}

// EnvironmentConfig holds the environment-to-port-range table. Overridable
// via the "environment.ranges" config file section, e.g.:
//
//	environment:
//	  ranges:
//	    production: {start: 4100, end: 4500}
type EnvironmentConfig struct {
	Ranges map[string]PortRange `mapstructure:"ranges"`
}

func defaultEnvironmentConfig() EnvironmentConfig {
	return EnvironmentConfig{
		Ranges: map[string]PortRange{
			"production": {Start: 4100, End: 4500},
			"staging":    {Start: 4500, End: 5000},
			"preview":    {Start: 5000, End: 5500},
		},
	}
}

// defaultEnvironmentRangeDefaults mirrors defaultEnvironmentConfig in the
// shape viper.SetDefault wants, so a config file's "environment.ranges" can
// override individual entries while leaving the rest at their defaults.
func defaultEnvironmentRangeDefaults() map[string]any {
	out := map[string]any{}
	for env, rng := range defaultEnvironmentConfig().Ranges {
		out[env] = map[string]any{"start": rng.Start, "end": rng.End}
	}
	return out
}

// Load reads configuration from an optional file and the environment.
// Environment variables match the bare names spec.md §6 lists
// (REGISTRY_ROOT, PROXY_ROOT, APP_NETWORK, CONTAINER_RUNTIME_BIN) rather
// than a prefixed scheme, since those are the literal variables the
// external interface names.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("registry.root", "./data/registry")
	v.SetDefault("proxy.root", "./data/proxy")
	v.SetDefault("proxy.reload_command", "nginx -s reload")
	v.SetDefault("proxy.validate_command", "nginx -t")
	v.SetDefault("runtime.bin", "docker")
	v.SetDefault("runtime.host", "unix:///var/run/docker.sock")
	v.SetDefault("runtime.network", "tideway-network")
	v.SetDefault("mirror.dsn", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.token", "")
	v.SetDefault("scheduler.interval_minutes", 15)
	v.SetDefault("scheduler.reconcile_interval_minutes", 60)
	v.SetDefault("environment.ranges", defaultEnvironmentRangeDefaults())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("tideway")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tideway")
	}

	// Named env vars per spec.md §6, read as bare names (no prefix).
	_ = v.BindEnv("registry.root", "REGISTRY_ROOT")
	_ = v.BindEnv("proxy.root", "PROXY_ROOT")
	_ = v.BindEnv("runtime.network", "APP_NETWORK")
	_ = v.BindEnv("runtime.bin", "CONTAINER_RUNTIME_BIN")
	_ = v.BindEnv("mirror.dsn", "MIRROR_DSN")

	v.SetEnvPrefix("TIDEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Environment.Ranges) == 0 {
		cfg.Environment = defaultEnvironmentConfig()
	}

	return &cfg, nil
}

// LoadDefault returns configuration with only defaults applied, used by
// tests.
func LoadDefault() *Config {
	return &Config{
		Server:      ServerConfig{Host: "0.0.0.0", Port: 8080},
		Registry:    RegistryConfig{Root: "./data/registry"},
		Proxy:       ProxyConfig{Root: "./data/proxy", ReloadCommand: "nginx -s reload", ValidateCmd: "nginx -t"},
		Runtime:     RuntimeConfig{Bin: "docker", Host: "unix:///var/run/docker.sock", Network: "tideway-network"},
		Log:         LogConfig{Level: "info", Format: "json"},
		Scheduler:   SchedulerConfig{IntervalMinutes: 15, ReconcileIntervalM: 60},
		Environment: defaultEnvironmentConfig(),
	}
}
