package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeghtol/openmoxie/errors"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"mqtt": {
			"host": "broker.example.com",
			"port": 1883,
			"client_id": "openmoxie-prod",
			"use_tls": false,
			"service_device_id": "d_service"
		},
		"chat": {"workers": 10}
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "broker.example.com", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.False(t, cfg.MQTT.UseTLS)
	assert.Equal(t, 10, cfg.Chat.Workers)
	// Untouched sections keep their defaults.
	assert.Equal(t, "moxied", cfg.Service.Name)
	assert.Equal(t, 64, cfg.Chat.QueueSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	_, err := Load(path)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.MQTT.Host = "" }},
		{"port out of range", func(c *Config) { c.MQTT.Port = 70000 }},
		{"missing client id", func(c *Config) { c.MQTT.ClientID = "" }},
		{"missing service device id", func(c *Config) { c.MQTT.ServiceDeviceID = "" }},
		{"negative timeout", func(c *Config) { c.Inference.TimeoutSec = -1 }},
		{"negative workers", func(c *Config) { c.Chat.Workers = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}
