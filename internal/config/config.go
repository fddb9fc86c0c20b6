package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store backends supported by the server.
const (
	StoreMongo  = "mongo"
	StoreSQLite = "sqlite"
)

// envPrefix is prepended to every environment variable, so the key
// "http-addr" is resolved from WATERTANK_HTTP_ADDR.
const envPrefix = "WATERTANK"

// Config holds the runtime settings for the telemetry hub. Values are
// resolved from command-line flags, then WATERTANK_ environment
// variables, then the built-in defaults.
type Config struct {
	HTTPAddr string
	CoAPAddr string

	Store    string
	MongoURI string
	MongoDB  string
	DataDir  string

	MQTTBroker   string
	MQTTUsername string
	MQTTPassword string
	MQTTTopic    string

	RedisAddr     string
	RedisPassword string
	CacheTTL      time.Duration

	StaticDir string
	LogLevel  string

	MonitorInterval time.Duration
	ShutdownTimeout time.Duration
}

// Load reads an optional .env file, then resolves the configuration
// from the environment. When flags is non-nil, changed flags take
// precedence over environment variables.
func Load(flags *pflag.FlagSet) (*Config, error) {
	// Missing .env files are fine, the environment is authoritative.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind command flags: %w", err)
		}
	}

	cfg := &Config{
		HTTPAddr:        v.GetString("http-addr"),
		CoAPAddr:        v.GetString("coap-addr"),
		Store:           v.GetString("store"),
		MongoURI:        v.GetString("mongo-uri"),
		MongoDB:         v.GetString("mongo-db"),
		DataDir:         v.GetString("data-dir"),
		MQTTBroker:      v.GetString("mqtt-broker"),
		MQTTUsername:    v.GetString("mqtt-username"),
		MQTTPassword:    v.GetString("mqtt-password"),
		MQTTTopic:       v.GetString("mqtt-topic"),
		RedisAddr:       v.GetString("redis-addr"),
		RedisPassword:   v.GetString("redis-password"),
		CacheTTL:        v.GetDuration("cache-ttl"),
		StaticDir:       v.GetString("static-dir"),
		LogLevel:        v.GetString("log-level"),
		MonitorInterval: v.GetDuration("monitor-interval"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http-addr", ":8000")
	v.SetDefault("coap-addr", ":5684")
	v.SetDefault("store", StoreMongo)
	v.SetDefault("mongo-uri", "mongodb://localhost:27017")
	v.SetDefault("mongo-db", "water_tank_db")
	v.SetDefault("data-dir", "/var/lib/water-tank")
	v.SetDefault("mqtt-broker", "")
	v.SetDefault("mqtt-username", "")
	v.SetDefault("mqtt-password", "")
	v.SetDefault("mqtt-topic", "tanks/+/data")
	v.SetDefault("redis-addr", "")
	v.SetDefault("redis-password", "")
	v.SetDefault("cache-ttl", 24*time.Hour)
	v.SetDefault("static-dir", "static")
	v.SetDefault("log-level", "info")
	v.SetDefault("monitor-interval", 10*time.Minute)
	v.SetDefault("shutdown-timeout", 5*time.Second)
}

// Validate checks the configuration for values the server cannot start
// with.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("mongo store requires a mongo URI")
		}
	case StoreSQLite:
		if c.DataDir == "" {
			return fmt.Errorf("sqlite store requires a data directory")
		}
	default:
		return fmt.Errorf("unknown store %q (expected %q or %q)", c.Store, StoreMongo, StoreSQLite)
	}

	if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
		return fmt.Errorf("invalid HTTP listen address %q: %w", c.HTTPAddr, err)
	}
	if _, _, err := net.SplitHostPort(c.CoAPAddr); err != nil {
		return fmt.Errorf("invalid CoAP listen address %q: %w", c.CoAPAddr, err)
	}

	if c.MQTTBroker != "" && c.MQTTTopic == "" {
		return fmt.Errorf("mqtt broker configured without a topic")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive, got %s", c.CacheTTL)
	}
	if c.MonitorInterval < 0 {
		return fmt.Errorf("monitor interval must not be negative, got %s", c.MonitorInterval)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return nil
}

// ParseLogLevel returns the logrus level configured by LogLevel. Call
// Validate first; unparseable levels fall back to info.
func (c *Config) ParseLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
