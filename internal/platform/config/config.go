package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" default:"127.0.0.1:8000"`
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	MaxLife     time.Duration `env:"MAX_LIFE" default:"600s"`
	SendTimeout time.Duration `env:"SEND_TIMEOUT" default:"5s"`

	MaxConnections      int     `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectRate         float64 `env:"CONNECT_RATE" default:"10"`
	ConnectBurst        int     `env:"CONNECT_BURST" default:"20"`

	// TrustProxy keys connection limits on X-Forwarded-For when the peer is a
	// loopback or private address. Enable only behind a reverse proxy.
	TrustProxy bool `env:"TRUST_PROXY" default:"false"`
}

// TLSEnabled reports whether both certificate and key paths are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return errors.New("LISTEN_ADDR is required")
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if cfg.MaxLife <= 0 {
		return fmt.Errorf("MAX_LIFE must be positive, got %s", cfg.MaxLife)
	}
	if cfg.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive, got %s", cfg.SendTimeout)
	}
	if cfg.MaxConnections <= 0 || cfg.MaxConnectionsPerIP <= 0 {
		return errors.New("MAX_CONNECTIONS and MAX_CONNECTIONS_PER_IP must be positive")
	}
	if cfg.ConnectRate <= 0 || cfg.ConnectBurst <= 0 {
		return errors.New("CONNECT_RATE and CONNECT_BURST must be positive")
	}
	return nil
}
