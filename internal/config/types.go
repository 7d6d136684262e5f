package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration document. It accepts YAML or JSON; YAML is
// coerced to JSON and both are decoded strictly (unknown fields rejected).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Store    StoreConfig    `json:"store,omitempty"`
	Gateway  GatewayConfig  `json:"gateway,omitempty"`
	Webhooks WebhookConfig  `json:"webhooks,omitempty"`

	// Maintenance controls the periodic housekeeping job (store checkpoint,
	// dead-letter pruning). Cron spec in standard 5-field form.
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type ServerConfig struct {
	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string `json:"addr"`
	// Name is the author shown on injected system messages.
	Name string `json:"name,omitempty"`
	// AdminPassword guards the /api/admin surface (HTTP Basic, user "admin").
	// An empty password disables the admin surface entirely.
	AdminPassword string `json:"admin_password,omitempty"`
	// WelcomeMessage, if set, is sent to each viewer on connect.
	WelcomeMessage string `json:"welcome_message,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"` // pointer: omitted means enabled
	File    struct {
		Enabled bool   `json:"enabled,omitempty"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// ConsoleEnabled treats an omitted console flag as true.
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

// StoreConfig selects the message log backend.
//
// Driver values:
//   - "memory" (default): history lives for the process lifetime
//   - "sqlite": history persists across restarts
type StoreConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type GatewayConfig struct {
	SendBuffer      int    `json:"send_buffer,omitempty"`
	MaxMessageBytes int64  `json:"max_message_bytes,omitempty"`
	PingInterval    string `json:"ping_interval,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	// MessageRate / MessageBurst throttle inbound messages per viewer.
	MessageRate  float64 `json:"message_rate,omitempty"`
	MessageBurst int     `json:"message_burst,omitempty"`
}

type WebhookConfig struct {
	QueueSize     int    `json:"queue_size,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
}

type MaintenanceConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// Spec is a cron expression; defaults to hourly when enabled.
	Spec string `json:"spec,omitempty"`
	// DeadLetterTTL bounds how long webhook dead-letter records are kept.
	DeadLetterTTL string `json:"dead_letter_ttl,omitempty"`
}

// Duration parses a duration-string field like webhooks.retry_base.
// An empty value means "unset" and yields zero; negative values are rejected
// because no timeout or interval in this config makes sense below zero.
func Duration(field, value string) (time.Duration, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	switch {
	case err != nil:
		return 0, fmt.Errorf("config: %s: %q is not a duration: %w", field, value, err)
	case d < 0:
		return 0, fmt.Errorf("config: %s: negative duration %q", field, value)
	}
	return d, nil
}

// DurationOr is Duration with a fallback for unset fields.
func DurationOr(field, value string, fallback time.Duration) (time.Duration, error) {
	d, err := Duration(field, value)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return fallback, nil
	}
	return d, nil
}
