package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Scheduler    SchedulerConfig    `json:"scheduler,omitempty"`
	Dispatch     DispatchConfig     `json:"dispatch,omitempty"`
	Web          WebConfig          `json:"web,omitempty"`
	Housekeeping HousekeepingConfig `json:"housekeeping,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// Timeout is a Go duration string bounding each API call ("10s" default).
	Timeout string `json:"timeout,omitempty"`

	// Offline skips token verification at startup. Used in tests.
	Offline bool `json:"offline,omitempty"`
}

type LoggingConfig struct {
	// Level: trace|debug|info|warn|error. Default info.
	Level   string           `json:"level,omitempty"`
	Console bool             `json:"console,omitempty"`
	File    FileLogConfig    `json:"file,omitempty"`
	Channel ChannelLogConfig `json:"channel,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// ChannelLogConfig mirrors warnings and errors into a Telegram channel.
type ChannelLogConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	ChannelID  int64  `json:"channel_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type StorageConfig struct {
	// Driver: "sqlite" (default) or "memory".
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`

	// BusyTimeout is a Go duration string for the sqlite busy handler.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// EvalInterval is a Go duration string for the periodic evaluation pass.
	EvalInterval string `json:"eval_interval,omitempty"`
}

type DispatchConfig struct {
	// RatePerSec throttles outbound channel posts. Default 20.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type WebConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`

	// Token is required on every request via the X-Auth-Token header.
	Token string `json:"token,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type HousekeepingConfig struct {
	Enabled bool `json:"enabled,omitempty"`

	// PurgeSchedule is a cron expression; default "17 3 * * *" (daily, 03:17).
	PurgeSchedule string `json:"purge_schedule,omitempty"`

	// RetainFor keeps retired rows around for this long before deletion.
	// Go duration string; default "720h" (30 days).
	RetainFor string `json:"retain_for,omitempty"`
}

// Validate checks the fields whose errors would otherwise surface deep inside
// a service at an awkward time.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" && !c.Telegram.Offline {
		return errors.New("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.timeout", c.Telegram.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.eval_interval", c.Scheduler.EvalInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"web.read_timeout", c.Web.ReadTimeout},
		{"web.write_timeout", c.Web.WriteTimeout},
		{"web.idle_timeout", c.Web.IdleTimeout},
		{"housekeeping.retain_for", c.Housekeeping.RetainFor},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Web.Enabled {
		if strings.TrimSpace(c.Web.Addr) == "" {
			return errors.New("web.addr is required when web.enabled")
		}
		if strings.TrimSpace(c.Web.Token) == "" {
			return errors.New("web.token is required when web.enabled")
		}
	}
	if c.Logging.Channel.Enabled && c.Logging.Channel.ChannelID == 0 {
		return errors.New("logging.channel.channel_id is required when enabled")
	}
	if c.Scheduler.Workers < 0 || c.Scheduler.QueueSize < 0 {
		return fmt.Errorf("scheduler: workers/queue_size must be >= 0")
	}
	return nil
}

// TelegramTimeout returns the bound for outbound API calls.
func (c *Config) TelegramTimeout() time.Duration {
	d, err := ParseDurationOrDefault("telegram.timeout", c.Telegram.Timeout, 10*time.Second)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// StoreConfig maps the storage section onto the store's own config type.
func (c *Config) StoreConfig() storage.Config {
	busy, _ := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
	}
}

// LogConfig maps the logging section onto logx's config type.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
		Channel: logx.ChannelConfig{
			Enabled:    c.Logging.Channel.Enabled,
			MinLevel:   c.Logging.Channel.MinLevel,
			RatePerSec: c.Logging.Channel.RatePerSec,
		},
	}
}
