package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds everything a terminal needs to join the sync plane. Values
// come from the environment (a .env file is loaded by main before parsing).
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// Identity of the terminal this process runs on.
	DeviceID    string `env:"DEVICE_ID"`
	DisplayRole string `env:"DEVICE_DISPLAY_ROLE" envDefault:"sales_assistant"`
	Priority    int    `env:"DEVICE_PRIORITY" envDefault:"50"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`

	ElectionTimeout time.Duration `env:"ELECTION_TIMEOUT" envDefault:"30s"`
	ElectionRetries int           `env:"ELECTION_RETRIES" envDefault:"3"`
	ElectionBackoff time.Duration `env:"ELECTION_BACKOFF" envDefault:"1s"`

	ConflictWindow time.Duration `env:"SYNC_CONFLICT_WINDOW" envDefault:"5s"`

	// PeerAddrTemplate expands a device id into a reachable base URL. On
	// a LAN where terminals are named after their device ids the default
	// works as is. PeerWSTemplate does the same for the event channel.
	PeerAddrTemplate string `env:"PEER_ADDR_TEMPLATE" envDefault:"http://%s:8080"`
	PeerWSTemplate   string `env:"PEER_WS_TEMPLATE" envDefault:"ws://%s:8080/ws"`

	JWTSecret        string        `env:"JWT_SECRET"`
	JWTExpiry        time.Duration `env:"JWT_EXPIRY" envDefault:"24h"`
	EnrollSecretHash string        `env:"ENROLL_SECRET_HASH"`
	// EnrollSecret is the plaintext this terminal presents when it
	// authenticates against the master as a client.
	EnrollSecret string `env:"ENROLL_SECRET"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("DEVICE_ID is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.Priority < 0 || cfg.Priority > 100 {
		return nil, errors.New("DEVICE_PRIORITY must be between 0 and 100")
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		return nil, errors.New("HEARTBEAT_TIMEOUT must exceed HEARTBEAT_INTERVAL")
	}

	return cfg, nil
}
