package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if err := c.Realtime.validate(); err != nil {
		return err
	}

	if c.Auth.TokenFile == "" {
		return errors.New("auth.token_file is required")
	}
	if c.Auth.PollInterval <= 0 {
		return errors.New("auth.poll_interval must be > 0")
	}

	if c.Database.Enabled {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.Writer.BatchSize < 1 {
			return errors.New("writer.batch_size must be >= 1")
		}
		if c.Writer.FlushInterval <= 0 {
			return errors.New("writer.flush_interval must be > 0")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required")
		}
		if c.Redis.DB < 0 {
			return errors.New("redis.db must be >= 0")
		}
	}

	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (r *RealtimeConfig) validate() error {
	if r.Origin == "" {
		return errors.New("realtime.origin is required")
	}
	u, err := url.Parse(r.Origin)
	if err != nil {
		return fmt.Errorf("realtime.origin is invalid: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("realtime.origin scheme must be http, https, ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("realtime.origin must include a host")
	}
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("realtime.path must start with /, got %q", r.Path)
	}
	if r.ConnectTimeout <= 0 {
		return errors.New("realtime.connect_timeout must be > 0")
	}
	if r.ReconnectBaseDelay <= 0 {
		return errors.New("realtime.reconnect_base_delay must be > 0")
	}
	if r.MaxReconnectAttempts < 1 {
		return errors.New("realtime.max_reconnect_attempts must be >= 1")
	}
	if r.PingInterval > 0 && r.PongWait <= r.PingInterval {
		return fmt.Errorf("realtime.pong_wait (%s) must exceed ping_interval (%s)", r.PongWait, r.PingInterval)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// ParseLevel maps logging.level to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", level)
}
