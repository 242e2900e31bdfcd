// Package config defines the service configuration, loaded from a JSON file
// with defaults for local development against a plain Mosquitto broker.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jbeghtol/openmoxie/errors"
)

// Config is the complete service configuration.
type Config struct {
	Version   string          `json:"version"`
	Service   ServiceConfig   `json:"service"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Inference InferenceConfig `json:"inference"`
	Chat      ChatConfig      `json:"chat"`
	HTTP      HTTPConfig      `json:"http"`
}

// ServiceConfig holds service identity and logging.
type ServiceConfig struct {
	Name      string `json:"name"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	ClientID string `json:"client_id"`
	UseTLS   bool   `json:"use_tls"`
	Username string `json:"username,omitempty"`
	// TokenFile points at a file holding the broker password token. It is
	// re-read on every (re)connect so rotated tokens take effect without a
	// restart. Empty means connect without credentials.
	TokenFile string `json:"token_file,omitempty"`
	// ServiceDeviceID is the service's own device identity on the broker.
	ServiceDeviceID string `json:"service_device_id"`
	KeepAliveSec    int    `json:"keep_alive_sec,omitempty"`
	ConnectTimeout  int    `json:"connect_timeout_sec,omitempty"`
}

// InferenceConfig holds the chat completion backend settings.
type InferenceConfig struct {
	BaseURL           string  `json:"base_url,omitempty"`
	APIKey            string  `json:"api_key,omitempty"`
	TimeoutSec        int     `json:"timeout_sec,omitempty"`
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
}

// ChatConfig sizes the remote chat worker pool.
type ChatConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

// HTTPConfig holds the preview/metrics HTTP listener.
type HTTPConfig struct {
	ListenAddr string `json:"listen_addr,omitempty"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Service: ServiceConfig{
			Name:      "moxied",
			LogLevel:  "info",
			LogFormat: "json",
		},
		MQTT: MQTTConfig{
			Host:            "localhost",
			Port:            8883,
			ClientID:        "openmoxie",
			UseTLS:          true,
			Username:        "unknown",
			ServiceDeviceID: "d_openmoxie-service",
			KeepAliveSec:    60,
			ConnectTimeout:  30,
		},
		Inference: InferenceConfig{
			TimeoutSec:        30,
			RequestsPerSecond: 5,
		},
		Chat: ChatConfig{
			Workers:   5,
			QueueSize: 64,
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8001",
		},
	}
}

// Load reads a JSON configuration file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "read "+path)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "parse "+path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for required fields and sane ranges.
func (c *Config) Validate() error {
	if c.MQTT.Host == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "mqtt.host")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: mqtt.port %d out of range", errors.ErrInvalidConfig, c.MQTT.Port),
			"config", "Validate", "mqtt.port")
	}
	if c.MQTT.ClientID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "mqtt.client_id")
	}
	if c.MQTT.ServiceDeviceID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "mqtt.service_device_id")
	}
	if c.Inference.TimeoutSec < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: inference.timeout_sec negative", errors.ErrInvalidConfig),
			"config", "Validate", "inference.timeout_sec")
	}
	if c.Chat.Workers < 0 || c.Chat.QueueSize < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: chat pool sizes must be non-negative", errors.ErrInvalidConfig),
			"config", "Validate", "chat")
	}
	return nil
}

// KeepAlive returns the broker keep-alive interval.
func (c MQTTConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSec) * time.Second
}

// ConnectTimeoutDuration returns the broker connect timeout.
func (c MQTTConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// Timeout returns the inference request timeout.
func (c InferenceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}
