// Package settings loads the engine settings: logging, run registry,
// snapshot store, HTTP server and pipeline discovery.
//
// Values come from defaults, an optional settings file and DATAFLOW_*
// environment variables, in increasing order of precedence. Nested keys
// map to variables with underscores: registry.dsn is DATAFLOW_REGISTRY_DSN.
package settings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/internal/persistence"
	"github.com/canectors/dataflow/internal/runstore"
)

// EnvPrefix is the prefix of every settings environment variable.
const EnvPrefix = "DATAFLOW"

// Settings is the complete engine configuration.
type Settings struct {
	Log       LogSettings      `mapstructure:"log"`
	Registry  RegistrySettings `mapstructure:"registry"`
	Snapshots SnapshotSettings `mapstructure:"snapshots"`
	Server    ServerSettings   `mapstructure:"server"`
	Engine    EngineSettings   `mapstructure:"engine"`
	Pipelines PipelineSettings `mapstructure:"pipelines"`
	Notify    NotifySettings   `mapstructure:"notify"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// RegistrySettings selects the run registry backend.
type RegistrySettings struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type SnapshotSettings struct {
	Backend       string        `mapstructure:"backend"`
	Path          string        `mapstructure:"path"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type ServerSettings struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type EngineSettings struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	NotifyTimeout  time.Duration `mapstructure:"notify_timeout"`
}

// PipelineSettings locates the pipeline documents loaded by serve.
type PipelineSettings struct {
	Dir string `mapstructure:"dir"`
}

// NotifySettings configures the webhook notifier. An empty URL disables it.
type NotifySettings struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")

	v.SetDefault("registry.driver", "memory")
	v.SetDefault("registry.dsn", "")

	v.SetDefault("snapshots.backend", persistence.BackendFile)
	v.SetDefault("snapshots.path", persistence.DefaultSnapshotPath)
	v.SetDefault("snapshots.redis_addr", "")
	v.SetDefault("snapshots.redis_password", "")
	v.SetDefault("snapshots.redis_db", 0)
	v.SetDefault("snapshots.ttl", 24*time.Hour)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("engine.default_timeout", 5*time.Minute)
	v.SetDefault("engine.notify_timeout", 10*time.Second)

	v.SetDefault("pipelines.dir", "./pipelines")
	v.SetDefault("notify.webhook_url", "")
}

// Load reads the settings. path names a settings file (YAML, JSON or TOML by
// extension); when empty, dataflow.yaml is looked up in the working
// directory and /etc/dataflow and may be absent.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading settings file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("dataflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dataflow")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading settings file: %w", err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks values that would otherwise fail late.
func (s *Settings) Validate() error {
	if _, err := logger.ParseLevel(s.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := logger.ParseFormat(s.Log.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}
	switch strings.ToLower(s.Snapshots.Backend) {
	case "", persistence.BackendFile, persistence.BackendMemory, persistence.BackendNone:
	case persistence.BackendRedis:
		if s.Snapshots.RedisAddr == "" {
			return errors.New("snapshots.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("snapshots.backend: unknown backend %q", s.Snapshots.Backend)
	}
	if s.Registry.Driver != "" && s.Registry.Driver != "memory" && s.Registry.DSN == "" {
		return fmt.Errorf("registry.dsn is required for driver %s", s.Registry.Driver)
	}
	if s.Engine.DefaultTimeout <= 0 {
		return errors.New("engine.default_timeout must be positive")
	}
	if s.Engine.NotifyTimeout < 0 {
		return errors.New("engine.notify_timeout must not be negative")
	}
	return nil
}

// ApplyLogging configures the logger package.
func (s *Settings) ApplyLogging() error {
	level, err := logger.ParseLevel(s.Log.Level)
	if err != nil {
		return err
	}
	format, err := logger.ParseFormat(s.Log.Format)
	if err != nil {
		return err
	}
	logger.SetLevelAndFormat(level, format)
	if s.Log.File != "" {
		return logger.SetLogFile(s.Log.File)
	}
	return nil
}

// RunStore returns the run registry configuration.
func (s *Settings) RunStore() runstore.Config {
	return runstore.Config{Driver: s.Registry.Driver, DSN: s.Registry.DSN}
}

// SnapshotStore returns the snapshot store configuration.
func (s *Settings) SnapshotStore() persistence.Config {
	return persistence.Config{
		Backend:       s.Snapshots.Backend,
		Path:          s.Snapshots.Path,
		RedisAddr:     s.Snapshots.RedisAddr,
		RedisPassword: s.Snapshots.RedisPassword,
		RedisDB:       s.Snapshots.RedisDB,
		TTL:           s.Snapshots.TTL,
	}
}
