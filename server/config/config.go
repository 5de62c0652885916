package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/cyclopcam/alertbridge/pkg/dbh"
	"github.com/cyclopcam/alertbridge/server/log"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen        = ":8080"
	DefaultDatabaseFile  = "alerts.sqlite"
	DefaultRedisChannel  = "alertbridge.alerts"
	DefaultKafkaTopic    = "camera-alerts"
	DefaultKafkaMaxQueue = 1000
)

// Redis is the optional cluster relay. Disabled when Addr is empty.
type Redis struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// Kafka is the optional alert export. Disabled when Brokers is empty.
type Kafka struct {
	Brokers  string `yaml:"brokers"` // Comma separated host:port
	Topic    string `yaml:"topic"`
	MaxQueue int    `yaml:"maxQueue"`
}

type Config struct {
	Listen          string       `yaml:"listen"`          // eg ":8080"
	LogLevel        string       `yaml:"logLevel"`        // debug, info, warning, error, critical
	Database        dbh.DBConfig `yaml:"database"`        // sqlite3 or postgres
	IngestRateLimit int          `yaml:"ingestRateLimit"` // Max alerts per minute per client IP. 0 means unlimited.
	LiveSendQueue   int          `yaml:"liveSendQueue"`   // Frames buffered per live session before dropping
	Redis           Redis        `yaml:"redis"`
	Kafka           Kafka        `yaml:"kafka"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:   DefaultListen,
		LogLevel: "info",
		Database: dbh.MakeSqliteConfig(DefaultDatabaseFile),
		Redis: Redis{
			Channel: DefaultRedisChannel,
		},
		Kafka: Kafka{
			Topic:    DefaultKafkaTopic,
			MaxQueue: DefaultKafkaMaxQueue,
		},
	}
}

// LoadConfig reads filename on top of the defaults.
// Keys that are missing from the file keep their default values.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error parsing %v as YAML: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.IngestRateLimit < 0 {
		return fmt.Errorf("ingestRateLimit may not be negative (%v)", c.IngestRateLimit)
	}
	if c.LiveSendQueue < 0 {
		return fmt.Errorf("liveSendQueue may not be negative (%v)", c.LiveSendQueue)
	}
	if c.Redis.Addr != "" && c.Redis.Channel == "" {
		return errors.New("redis.channel is empty")
	}
	if c.Kafka.Brokers != "" {
		if c.Kafka.Topic == "" {
			return errors.New("kafka.topic is empty")
		}
		if c.Kafka.MaxQueue < 0 {
			return fmt.Errorf("kafka.maxQueue may not be negative (%v)", c.Kafka.MaxQueue)
		}
	}
	return nil
}
