// Package config loads memory-hub configuration from file, environment
// and flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the full memory-hub configuration.
type Config struct {
	DB        string          `mapstructure:"db" yaml:"db"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Writer    WriterConfig    `mapstructure:"writer" yaml:"writer"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Stream    StreamConfig    `mapstructure:"stream" yaml:"stream"`
	Webhook   WebhookConfig   `mapstructure:"webhook" yaml:"webhook"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Trust     TrustConfig     `mapstructure:"trust" yaml:"trust"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// WriterConfig controls the single writer lane and the read pool.
type WriterConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Readers     int           `mapstructure:"readers" yaml:"readers"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

// RetentionConfig holds the tier windows measured from event creation.
type RetentionConfig struct {
	Hot               time.Duration `mapstructure:"hot" yaml:"hot"`
	Warm              time.Duration `mapstructure:"warm" yaml:"warm"`
	Cold              time.Duration `mapstructure:"cold" yaml:"cold"`
	WarmMinImportance int           `mapstructure:"warm_min_importance" yaml:"warm_min_importance"`
	CompactInterval   time.Duration `mapstructure:"compact_interval" yaml:"compact_interval"`
}

type StreamConfig struct {
	Buffer int `mapstructure:"buffer" yaml:"buffer"`
}

type WebhookConfig struct {
	Workers          int           `mapstructure:"workers" yaml:"workers"`
	Queue            int           `mapstructure:"queue" yaml:"queue"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	BreakerThreshold int           `mapstructure:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown"`
}

type RegistryConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// TrustConfig holds the trust scorer constants. Negative deltas are larger
// in magnitude than positive ones.
type TrustConfig struct {
	Enforce  bool    `mapstructure:"enforce" yaml:"enforce"`
	MinScore float64 `mapstructure:"min_score" yaml:"min_score"`

	Initial   float64 `mapstructure:"initial" yaml:"initial"`
	Baseline  float64 `mapstructure:"baseline" yaml:"baseline"`
	DecayRate float64 `mapstructure:"decay_rate" yaml:"decay_rate"`

	HighValueWrite     float64 `mapstructure:"high_value_write" yaml:"high_value_write"`
	CrossAgentRecall   float64 `mapstructure:"cross_agent_recall" yaml:"cross_agent_recall"`
	ConsistentBehavior float64 `mapstructure:"consistent_behavior" yaml:"consistent_behavior"`
	QuickDelete        float64 `mapstructure:"quick_delete" yaml:"quick_delete"`
	WriteBurst         float64 `mapstructure:"write_burst" yaml:"write_burst"`
	Contradiction      float64 `mapstructure:"contradiction" yaml:"contradiction"`

	HighValueImportance int           `mapstructure:"high_value_importance" yaml:"high_value_importance"`
	QuickDeleteWindow   time.Duration `mapstructure:"quick_delete_window" yaml:"quick_delete_window"`
	BurstWindow         time.Duration `mapstructure:"burst_window" yaml:"burst_window"`
	BurstThreshold      int           `mapstructure:"burst_threshold" yaml:"burst_threshold"`
	ConsistencyInterval time.Duration `mapstructure:"consistency_interval" yaml:"consistency_interval"`
}

var envReplacer = strings.NewReplacer(".", "_")

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DB:     filepath.Join(home, ".memory-hub", "memory.db"),
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: "127.0.0.1:8765"},
		Writer: WriterConfig{
			Timeout:     5 * time.Second,
			Readers:     4,
			BusyTimeout: 5 * time.Second,
		},
		Retention: RetentionConfig{
			Hot:               48 * time.Hour,
			Warm:              14 * 24 * time.Hour,
			Cold:              30 * 24 * time.Hour,
			WarmMinImportance: 5,
			CompactInterval:   10 * time.Minute,
		},
		Stream: StreamConfig{Buffer: 64},
		Webhook: WebhookConfig{
			Workers:          4,
			Queue:            256,
			Timeout:          10 * time.Second,
			MaxAttempts:      5,
			BaseDelay:        time.Second,
			MaxDelay:         time.Minute,
			BreakerThreshold: 5,
			BreakerCooldown:  time.Minute,
		},
		Registry: RegistryConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Trust: DefaultTrust(),
	}
}

// DefaultTrust returns the default trust constants.
func DefaultTrust() TrustConfig {
	return TrustConfig{
		MinScore:            0.3,
		Initial:             1.0,
		Baseline:            0.5,
		DecayRate:           0.01,
		HighValueWrite:      0.02,
		CrossAgentRecall:    0.03,
		ConsistentBehavior:  0.01,
		QuickDelete:         -0.15,
		WriteBurst:          -0.20,
		Contradiction:       -0.10,
		HighValueImportance: 7,
		QuickDeleteWindow:   time.Minute,
		BurstWindow:         time.Minute,
		BurstThreshold:      20,
		ConsistencyInterval: time.Hour,
	}
}

// SetDefaults registers every default with v so that env vars and config
// files can override individual keys.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("db", d.DB)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("writer.timeout", d.Writer.Timeout)
	v.SetDefault("writer.readers", d.Writer.Readers)
	v.SetDefault("writer.busy_timeout", d.Writer.BusyTimeout)
	v.SetDefault("retention.hot", d.Retention.Hot)
	v.SetDefault("retention.warm", d.Retention.Warm)
	v.SetDefault("retention.cold", d.Retention.Cold)
	v.SetDefault("retention.warm_min_importance", d.Retention.WarmMinImportance)
	v.SetDefault("retention.compact_interval", d.Retention.CompactInterval)
	v.SetDefault("stream.buffer", d.Stream.Buffer)
	v.SetDefault("webhook.workers", d.Webhook.Workers)
	v.SetDefault("webhook.queue", d.Webhook.Queue)
	v.SetDefault("webhook.timeout", d.Webhook.Timeout)
	v.SetDefault("webhook.max_attempts", d.Webhook.MaxAttempts)
	v.SetDefault("webhook.base_delay", d.Webhook.BaseDelay)
	v.SetDefault("webhook.max_delay", d.Webhook.MaxDelay)
	v.SetDefault("webhook.breaker_threshold", d.Webhook.BreakerThreshold)
	v.SetDefault("webhook.breaker_cooldown", d.Webhook.BreakerCooldown)
	v.SetDefault("registry.idle_timeout", d.Registry.IdleTimeout)
	v.SetDefault("registry.sweep_interval", d.Registry.SweepInterval)
	v.SetDefault("trust.enforce", d.Trust.Enforce)
	v.SetDefault("trust.min_score", d.Trust.MinScore)
	v.SetDefault("trust.initial", d.Trust.Initial)
	v.SetDefault("trust.baseline", d.Trust.Baseline)
	v.SetDefault("trust.decay_rate", d.Trust.DecayRate)
	v.SetDefault("trust.high_value_write", d.Trust.HighValueWrite)
	v.SetDefault("trust.cross_agent_recall", d.Trust.CrossAgentRecall)
	v.SetDefault("trust.consistent_behavior", d.Trust.ConsistentBehavior)
	v.SetDefault("trust.quick_delete", d.Trust.QuickDelete)
	v.SetDefault("trust.write_burst", d.Trust.WriteBurst)
	v.SetDefault("trust.contradiction", d.Trust.Contradiction)
	v.SetDefault("trust.high_value_importance", d.Trust.HighValueImportance)
	v.SetDefault("trust.quick_delete_window", d.Trust.QuickDeleteWindow)
	v.SetDefault("trust.burst_window", d.Trust.BurstWindow)
	v.SetDefault("trust.burst_threshold", d.Trust.BurstThreshold)
	v.SetDefault("trust.consistency_interval", d.Trust.ConsistencyInterval)
}

// Load reads configuration into a Config. cfgFile may be empty, in which
// case ~/.memory-hub/config.yaml is used if present. A .env file in the
// working directory is loaded first so its values reach AutomaticEnv.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to load .env")
	}

	SetDefaults(v)
	v.SetEnvPrefix("MEMORY_HUB")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".memory-hub"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrapf(err, "failed to read config")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the components rely on.
func (c *Config) Validate() error {
	if c.DB == "" {
		return errors.New("db path is required")
	}
	if c.Writer.Timeout <= 0 {
		return errors.Errorf("writer.timeout must be positive, got %s", c.Writer.Timeout)
	}
	if c.Writer.Readers <= 0 {
		return errors.Errorf("writer.readers must be positive, got %d", c.Writer.Readers)
	}
	if !(c.Retention.Hot < c.Retention.Warm && c.Retention.Warm < c.Retention.Cold) {
		return errors.New("retention windows must satisfy hot < warm < cold")
	}
	if c.Retention.WarmMinImportance < 0 || c.Retention.WarmMinImportance > 10 {
		return errors.Errorf("retention.warm_min_importance must be within 0-10, got %d", c.Retention.WarmMinImportance)
	}
	if c.Webhook.Workers <= 0 || c.Webhook.MaxAttempts <= 0 {
		return errors.New("webhook.workers and webhook.max_attempts must be positive")
	}
	if c.Trust.QuickDelete >= 0 || c.Trust.WriteBurst >= 0 || c.Trust.Contradiction >= 0 {
		return errors.New("negative trust signals must have negative deltas")
	}
	if c.Trust.Baseline < 0 || c.Trust.Baseline > 1 || c.Trust.Initial < 0 || c.Trust.Initial > 1 {
		return errors.New("trust.baseline and trust.initial must be within [0,1]")
	}
	return nil
}
