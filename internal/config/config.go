// Package config loads the daemon configuration: a yaml file overlaid with
// GUILDRELAY_-prefixed environment variables, with ${VAR} substitution for
// secrets.
package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Redis       RedisConfig       `koanf:"redis"`
	Archive     ArchiveConfig     `koanf:"archive"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Health      HealthConfig      `koanf:"health"`
	Bridge      BridgeConfig      `koanf:"bridge"`
	Queue       QueueConfig       `koanf:"queue"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type ArchiveConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type CoordinatorConfig struct {
	DefaultTimeoutMS int64 `koanf:"default_timeout_ms"`
	OverallTimeoutMS int64 `koanf:"overall_timeout_ms"`
	StateTTLMS       int64 `koanf:"state_ttl_ms"`
	MaxRetries       int   `koanf:"max_retries"`
	ReplayCacheSize  int   `koanf:"replay_cache_size"`
}

type HealthConfig struct {
	FailureThreshold  int   `koanf:"failure_threshold"`
	RollingWindowMS   int64 `koanf:"rolling_window_ms"`
	RecoveryTimeoutMS int64 `koanf:"recovery_timeout_ms"`
	MonitorIntervalMS int64 `koanf:"monitor_interval_ms"`
}

type BridgeConfig struct {
	// URL is the bot process's bridge endpoint, dialed by the API process.
	URL string `koanf:"url"`
	// Token authenticates the persistent connection; empty disables auth.
	Token string `koanf:"token"`
	// Path is where the bot process mounts the bridge endpoint.
	Path string `koanf:"path"`
}

type QueueConfig struct {
	Name           string `koanf:"name"`
	Concurrency    int    `koanf:"concurrency"`
	MaxRetries     int    `koanf:"max_retries"`
	HandlerTimeout int64  `koanf:"handler_timeout_ms"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the config file (missing file is fine; env-only setups) and
// applies environment overrides. GUILDRELAY_SERVER__PORT=9000 maps to
// server.port.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider("GUILDRELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GUILDRELAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Redis.Password = substituteEnvVars(cfg.Redis.Password)
	cfg.Bridge.Token = substituteEnvVars(cfg.Bridge.Token)

	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                    8090,
		"redis.addr":                     "localhost:6379",
		"archive.path":                   "./data/guildrelay.db",
		"coordinator.default_timeout_ms": 5000,
		"coordinator.overall_timeout_ms": 30000,
		"coordinator.state_ttl_ms":       300000,
		"coordinator.max_retries":        2,
		"coordinator.replay_cache_size":  1024,
		"health.failure_threshold":       5,
		"health.rolling_window_ms":       30000,
		"health.recovery_timeout_ms":     15000,
		"health.monitor_interval_ms":     10000,
		"bridge.path":                    "/bridge",
		"queue.name":                     "bot-commands",
		"queue.concurrency":              4,
		"queue.max_retries":              2,
		"queue.handler_timeout_ms":       30000,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
