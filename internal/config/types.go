package config

import (
	"fmt"
	"os"
	"strings"
)

type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Uploads   UploadsConfig   `json:"uploads"`
}

type HTTPConfig struct {
	// Addr is the listen address for the API, e.g. "127.0.0.1:3001".
	Addr string `json:"addr"`
}

// TelegramConfig configures the outbound messaging client.
//
// Token falls back to the SENDLATER_TELEGRAM_TOKEN environment variable when
// empty, so the secret can stay out of the config file (.env is honored).
type TelegramConfig struct {
	Token string `json:"token,omitempty"`

	// PollTimeout is a Go duration string (long-poll timeout). Default "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`

	// RatePerSec caps outbound sends per second. Default 20.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the SQLite task/receipt store.
type StorageConfig struct {
	Path string `json:"path"`

	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls trigger behavior.
type SchedulerConfig struct {
	// Timezone is an IANA TZ name, e.g. "Asia/Jakarta". Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// UploadsConfig controls media attachment storage.
type UploadsConfig struct {
	// Dir is where uploaded attachments are persisted. Default "./uploads".
	Dir string `json:"dir,omitempty"`

	// SweepAt is the daily HH:MM at which orphaned attachments are pruned.
	// Default "00:00".
	SweepAt string `json:"sweep_at,omitempty"`
}

// ResolveToken returns the bot token, preferring the config file and falling
// back to the environment.
func (c TelegramConfig) ResolveToken() string {
	if t := strings.TrimSpace(c.Token); t != "" {
		return t
	}
	return strings.TrimSpace(os.Getenv("SENDLATER_TELEGRAM_TOKEN"))
}

// Validate checks cross-field constraints that strict decoding can't express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if at := strings.TrimSpace(c.Uploads.SweepAt); at != "" {
		if _, _, err := ParseHHMM(at); err != nil {
			return fmt.Errorf("uploads.sweep_at: %w", err)
		}
	}
	return nil
}
