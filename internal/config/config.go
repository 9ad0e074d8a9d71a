// Package config loads service configuration from defaults, an optional YAML
// file and REAQTOR_* environment variables.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. REAQTOR_SCHEDULER_WORKERS.
const EnvPrefix = "REAQTOR"

// Config is the full service configuration.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Health    HealthConfig    `mapstructure:"health"`
	OTel      OTelConfig      `mapstructure:"otel"`
}

// SchedulerConfig sizes the physical scheduler.
type SchedulerConfig struct {
	Workers int `mapstructure:"workers"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AdminConfig configures the admin HTTP server. An empty Addr disables it.
type AdminConfig struct {
	Addr         string        `mapstructure:"addr"`
	PauseTimeout time.Duration `mapstructure:"pause_timeout"`
}

// HealthConfig configures the gRPC health server. An empty Addr disables it.
type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

// OTelConfig configures trace export. An empty Endpoint disables it.
type OTelConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{Workers: runtime.GOMAXPROCS(0)},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Admin:     AdminConfig{Addr: ":8080", PauseTimeout: 30 * time.Second},
		Health:    HealthConfig{Addr: ":9090"},
		OTel:      OTelConfig{Service: "reaqtor-sched"},
	}
}

// New returns a viper instance with defaults and environment overrides
// registered.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("scheduler.workers", d.Scheduler.Workers)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("admin.addr", d.Admin.Addr)
	v.SetDefault("admin.pause_timeout", d.Admin.PauseTimeout)
	v.SetDefault("health.addr", d.Health.Addr)
	v.SetDefault("otel.endpoint", d.OTel.Endpoint)
	v.SetDefault("otel.service", d.OTel.Service)
}

// ReadFile merges the YAML file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}
