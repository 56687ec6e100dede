package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/whisper/linechat/internal/chat"
	"github.com/whisper/linechat/internal/transport"
)

// Config is read from the environment, after an optional .env file.
type Config struct {
	ListenAddr   string `env:"LISTEN_ADDR,default=0.0.0.0:6379" validate:"required,hostname_port"`
	WSListenAddr string `env:"WS_LISTEN_ADDR" validate:"omitempty,hostname_port"`
	AdminAddr    string `env:"ADMIN_ADDR" validate:"omitempty,hostname_port"`
	LogLevel     string `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	ServerName   string `env:"SERVER_NAME"`

	MailboxSize    int           `env:"MAILBOX_SIZE,default=128" validate:"min=1"`
	OverflowPolicy string        `env:"OVERFLOW_POLICY,default=block" validate:"oneof=block drop-newest drop-oldest disconnect"`
	MaxLineBytes   int           `env:"MAX_LINE_BYTES,default=65536" validate:"min=1"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT,default=0s" validate:"gte=0"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT,default=0s" validate:"gte=0"`
	DrainTimeout   time.Duration `env:"DRAIN_TIMEOUT,default=5s" validate:"gt=0"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s" validate:"gt=0"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=10s" validate:"gte=0"`

	RedisAddr       string        `env:"REDIS_ADDR" validate:"omitempty,hostname_port"`
	PresenceTTL     time.Duration `env:"PRESENCE_TTL,default=1h" validate:"gt=0"`
	RateLimitLines  int           `env:"RATE_LIMIT_LINES,default=0" validate:"min=0"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW,default=10s" validate:"gt=0"`

	NATSURL     string `env:"NATS_URL" validate:"omitempty,url"`
	DatabaseURL string `env:"DATABASE_URL"`
}

var errRateLimitWithoutRedis = errors.New("RATE_LIMIT_LINES requires REDIS_ADDR")

// loadConfig reads .env if present, decodes the environment and validates it.
func loadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "linechat-1"
	}
	return cfg, nil
}

func (c Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.RateLimitLines > 0 && c.RedisAddr == "" {
		return errRateLimitWithoutRedis
	}
	return nil
}

func (c Config) hub() chat.HubConfig {
	// validate has already restricted the policy to known names.
	policy, _ := chat.ParseOverflowPolicy(c.OverflowPolicy)
	return chat.HubConfig{
		MailboxSize:  c.MailboxSize,
		Overflow:     policy,
		DrainTimeout: c.DrainTimeout,
	}
}

func (c Config) tcp() transport.TCPConfig {
	return transport.TCPConfig{
		Addr:         c.ListenAddr,
		MaxLineBytes: c.MaxLineBytes,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}
}

func (c Config) ws() transport.WSConfig {
	return transport.WSConfig{
		Addr:         c.WSListenAddr,
		MaxLineBytes: c.MaxLineBytes,
		WriteTimeout: c.WriteTimeout,
		Heartbeat: transport.HeartbeatConfig{
			Interval: c.HeartbeatInterval,
			Timeout:  c.HeartbeatTimeout,
		},
	}
}
