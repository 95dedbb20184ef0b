package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppConf struct {
	Env            string `mapstructure:"env"`
	Port           int    `mapstructure:"port"`
	ShutdownSecond int    `mapstructure:"shutdown_seconds"`
	LogLevel       string `mapstructure:"log_level"`
}

type MongoConf struct {
	URI            string `mapstructure:"uri"`
	Database       string `mapstructure:"database"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type RedisConf struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConf struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type NATSConf struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type EventsConf struct {
	Driver string `mapstructure:"driver"` // kafka | nats | none
}

type AWSConf struct {
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	Endpoint string `mapstructure:"endpoint"`
}

type S3Conf struct {
	PublicRead bool `mapstructure:"public_read"`
	PresignTTL int  `mapstructure:"presign_ttl_seconds"`
}

type JWTConf struct {
	Algorithm     string `mapstructure:"algorithm"` // RS256 | HS256
	PublicKeyPath string `mapstructure:"public_key_path"`
	Secret        string `mapstructure:"secret"`
}

type LimitsConf struct {
	SendsPerMinute      int `mapstructure:"sends_per_minute"`
	WSMessagesPerSecond int `mapstructure:"ws_messages_per_second"`
}

type RetryConf struct {
	MaxAttempts       int `mapstructure:"max_attempts"`
	InitialIntervalMS int `mapstructure:"initial_interval_ms"`
}

type Config struct {
	App    AppConf    `mapstructure:"app"`
	Mongo  MongoConf  `mapstructure:"mongo"`
	Redis  RedisConf  `mapstructure:"redis"`
	Kafka  KafkaConf  `mapstructure:"kafka"`
	NATS   NATSConf   `mapstructure:"nats"`
	Events EventsConf `mapstructure:"events"`
	AWS    AWSConf    `mapstructure:"aws"`
	S3     S3Conf     `mapstructure:"s3"`
	JWT    JWTConf    `mapstructure:"jwt"`
	Limits LimitsConf `mapstructure:"limits"`
	Retry  RetryConf  `mapstructure:"retry"`

	// derived
	ShutdownTimeout time.Duration
	StoreTimeout    time.Duration
	PresignTTL      time.Duration
	RetryInterval   time.Duration
}

// Load reads .env (if present), then path (or CONFIG_PATH, or ./config.yaml
// when it exists), then environment overrides such as MONGO_URI or
// JWT_SECRET.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	cfg.derive()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "production")
	v.SetDefault("app.port", 8085)
	v.SetDefault("app.shutdown_seconds", 15)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "chatsync")
	v.SetDefault("mongo.timeout_seconds", 3)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chatsync:")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "chat.events")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "chat")
	v.SetDefault("events.driver", "none")
	v.SetDefault("aws.region", "")
	v.SetDefault("aws.bucket", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("s3.public_read", false)
	v.SetDefault("s3.presign_ttl_seconds", 600)
	v.SetDefault("jwt.algorithm", "HS256")
	v.SetDefault("jwt.public_key_path", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("limits.sends_per_minute", 60)
	v.SetDefault("limits.ws_messages_per_second", 10)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval_ms", 100)
}

func (c *Config) derive() {
	c.ShutdownTimeout = time.Duration(c.App.ShutdownSecond) * time.Second
	c.StoreTimeout = time.Duration(c.Mongo.TimeoutSeconds) * time.Second
	c.PresignTTL = time.Duration(c.S3.PresignTTL) * time.Second
	c.RetryInterval = time.Duration(c.Retry.InitialIntervalMS) * time.Millisecond
}

func (c *Config) validate() error {
	var errs []error
	if c.App.Port <= 0 {
		errs = append(errs, errors.New("app.port must be positive"))
	}
	if c.Mongo.URI == "" {
		errs = append(errs, errors.New("mongo.uri is required"))
	}
	switch c.JWT.Algorithm {
	case "HS256":
		if c.JWT.Secret == "" {
			errs = append(errs, errors.New("jwt.secret is required for HS256"))
		}
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			errs = append(errs, errors.New("jwt.public_key_path is required for RS256"))
		}
	default:
		errs = append(errs, fmt.Errorf("jwt.algorithm %q not supported", c.JWT.Algorithm))
	}
	switch c.Events.Driver {
	case "none", "":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required for events.driver=kafka"))
		}
	case "nats":
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required for events.driver=nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("events.driver %q not supported", c.Events.Driver))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// Development reports whether the service runs in a development env.
func (c *Config) Development() bool {
	switch c.App.Env {
	case "development", "dev", "local":
		return true
	}
	return false
}
