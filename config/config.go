// Package config loads endpoint settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"muxrpc/codec"
	"muxrpc/protocol"
	"muxrpc/transport"
)

type RateLimit struct {
	RPS   float64 `yaml:"rps"` // 0 disables rate limiting
	Burst int     `yaml:"burst"`
}

type Etcd struct {
	Endpoints []string `yaml:"endpoints"` // empty disables the connection registry
	TTL       int64    `yaml:"ttl"`       // lease TTL in seconds
}

// Config is the file format shared by the demo server and client.
// Durations are Go duration strings ("5s", "100ms").
type Config struct {
	Listen            string        `yaml:"listen"`
	Codec             string        `yaml:"codec"` // json | binary | proto
	MaxFrameSize      uint32        `yaml:"maxFrameSize"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"` // 0 disables heartbeats
	FlushTimeout      time.Duration `yaml:"flushTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	HandlerTimeout    time.Duration `yaml:"handlerTimeout"` // 0 disables the timeout middleware
	LogLevel          string        `yaml:"logLevel"`
	RateLimit         RateLimit     `yaml:"rateLimit"`
	Etcd              Etcd          `yaml:"etcd"`
}

// Default returns the configuration used for every field the file leaves out.
func Default() *Config {
	return &Config{
		Listen:          "127.0.0.1:9090",
		Codec:           "json",
		MaxFrameSize:    protocol.DefaultMaxFrameSize,
		RequestTimeout:  transport.DefaultRequestTimeout,
		SweepInterval:   transport.DefaultSweepInterval,
		FlushTimeout:    transport.DefaultFlushTimeout,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		Etcd:            Etcd{TTL: 10},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(f, cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address is empty")
	}
	if _, err := c.CodecType(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.MaxFrameSize == 0 {
		return errors.New("config: maxFrameSize must be positive")
	}
	for name, d := range map[string]time.Duration{
		"requestTimeout":    c.RequestTimeout,
		"sweepInterval":     c.SweepInterval,
		"flushTimeout":      c.FlushTimeout,
		"shutdownTimeout":   c.ShutdownTimeout,
		"heartbeatInterval": c.HeartbeatInterval,
		"handlerTimeout":    c.HandlerTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s is negative", name)
		}
	}
	if c.RequestTimeout == 0 || c.SweepInterval == 0 {
		return errors.New("config: requestTimeout and sweepInterval must be positive")
	}
	if c.RateLimit.RPS < 0 || (c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0) {
		return errors.New("config: rateLimit needs a positive burst")
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.TTL <= 0 {
		return errors.New("config: etcd ttl must be positive")
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// CodecType maps the codec name to its codec type.
func (c *Config) CodecType() (codec.CodecType, error) {
	return codec.ParseCodecType(c.Codec)
}

// TransportOptions builds connection options logging to logger.
func (c *Config) TransportOptions(logger *zap.Logger) transport.Options {
	return transport.Options{
		MaxFrameSize:      c.MaxFrameSize,
		RequestTimeout:    c.RequestTimeout,
		SweepInterval:     c.SweepInterval,
		HeartbeatInterval: c.HeartbeatInterval,
		FlushTimeout:      c.FlushTimeout,
		Logger:            logger,
	}
}
