package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Asynch    AsynchConfig    `yaml:"asynch"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	// FatalTopic is the downstream route that receives terminally failed
	// messages.
	FatalTopic string `yaml:"fatal_topic"`
	// ConfirmTopic is the downstream route that receives retried
	// confirmations.
	ConfirmTopic string `yaml:"confirm_topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// AsynchConfig tunes the asynchronous processing core.
type AsynchConfig struct {
	// RepairIntervalSeconds is both the repair job period and the idle
	// threshold after which a PROCESSING message counts as stuck.
	RepairIntervalSeconds int `yaml:"repair_interval_seconds"`
	// ConfirmationIntervalSeconds is the confirmation sweep period and the
	// rest time of a FAILED confirmation between retries.
	ConfirmationIntervalSeconds int `yaml:"confirmation_interval_seconds"`
	// FailedCountCeiling is the count of partial failures before a message is
	// terminally failed.
	FailedCountCeiling int `yaml:"failed_count_ceiling"`
	// FunnelExcludeFailed keeps FAILED messages out of guaranteed-order
	// competitor checks.
	FunnelExcludeFailed bool `yaml:"funnel_exclude_failed"`
	// ResetFailedCountOnProcessing clears a message's failure counter when it
	// re-enters PROCESSING after a repair cycle.
	ResetFailedCountOnProcessing bool `yaml:"reset_failed_count_on_processing"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Asynch.RepairIntervalSeconds == 0 {
		cfg.Asynch.RepairIntervalSeconds = 300
	}
	if cfg.Asynch.ConfirmationIntervalSeconds == 0 {
		cfg.Asynch.ConfirmationIntervalSeconds = 60
	}
	if cfg.Asynch.FailedCountCeiling == 0 {
		cfg.Asynch.FailedCountCeiling = 3
	}
}
