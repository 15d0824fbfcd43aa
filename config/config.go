// Package config loads process configuration from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "COMPLAINTFLOW"

type Config struct {
	DatabaseURL string         `mapstructure:"database_url"`
	ParamsFile  string         `mapstructure:"params_file"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	Auth        AuthConfig     `mapstructure:"auth"`
	Kafka       KafkaConfig    `mapstructure:"kafka"`
	Outbox      OutboxConfig   `mapstructure:"outbox"`
	Height      HeightConfig   `mapstructure:"height"`
	Log         LogConfig      `mapstructure:"log"`
	Cache       CacheConfig    `mapstructure:"cache"`
	Database    DatabaseTuning `mapstructure:"database"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	VoteRate        float64       `mapstructure:"vote_rate"`
	VoteBurst       int           `mapstructure:"vote_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// BootstrapAuthority is installed as the engine authority on startup when
	// none has been set yet.
	BootstrapAuthority string `mapstructure:"bootstrap_authority"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type HeightConfig struct {
	Mode string `mapstructure:"mode"`
	// Genesis is an RFC 3339 timestamp; height 0 starts there.
	Genesis       string        `mapstructure:"genesis"`
	BlockInterval time.Duration `mapstructure:"block_interval"`
}

func (h HeightConfig) GenesisTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, h.Genesis)
	if err != nil {
		return time.Time{}, fmt.Errorf("config: height.genesis: %w", err)
	}
	return t, nil
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type CacheConfig struct {
	RoleTTL      time.Duration `mapstructure:"role_ttl"`
	ComplaintTTL time.Duration `mapstructure:"complaint_ttl"`
}

type DatabaseTuning struct {
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.vote_rate", 20.0)
	v.SetDefault("http.vote_burst", 40)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("kafka.topic", "complaintflow.events")
	v.SetDefault("outbox.poll_interval", time.Second)
	v.SetDefault("outbox.max_attempts", 5)
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("height.mode", "clock")
	v.SetDefault("height.genesis", "2024-01-01T00:00:00Z")
	v.SetDefault("height.block_interval", 10*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("cache.role_ttl", time.Minute)
	v.SetDefault("cache.complaint_ttl", 10*time.Minute)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_conn_idle_time", 5*time.Minute)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
}

// Load reads path (if non-empty) and overlays COMPLAINTFLOW_* environment
// variables. DATABASE_URL is honoured as a fallback for database_url.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database_url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return Config{}, fmt.Errorf("config: bind env: %w", err)
	}
	for _, key := range []string{
		"params_file", "http.addr", "http.vote_rate", "auth.jwt_secret", "auth.bootstrap_authority",
		"kafka.brokers", "kafka.topic", "outbox.poll_interval", "outbox.max_attempts",
		"height.mode", "height.genesis", "height.block_interval", "log.level", "log.format", "log.file",
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Height.Mode {
	case "clock", "counter":
	default:
		return fmt.Errorf("config: height.mode must be clock or counter, got %q", c.Height.Mode)
	}
	if _, err := c.Height.GenesisTime(); err != nil {
		return err
	}
	if c.Height.BlockInterval <= 0 {
		return fmt.Errorf("config: height.block_interval must be positive")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("config: outbox.max_attempts must be positive")
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
