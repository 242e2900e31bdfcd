// Package store defines the persistence contracts the protocol core depends
// on: chat configurations, device records, schedules, and mentor behaviors.
// The durable engine behind these interfaces lives outside this service; the
// in-memory implementation here backs tests and single-process deployments.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Device permit states.
type Permit int

const (
	PermitUnknown Permit = iota + 1
	PermitPending
	PermitAllowed
)

// String returns the permit name.
func (p Permit) String() string {
	switch p {
	case PermitUnknown:
		return "unknown"
	case PermitPending:
		return "pending"
	case PermitAllowed:
		return "allowed"
	default:
		return "invalid"
	}
}

// ChatConfig is one stored conversational module configuration. ContentID
// may be pipe-delimited; each id registers under the same module factory.
type ChatConfig struct {
	Name        string  `json:"name"`
	ModuleID    string  `json:"module_id"`
	ContentID   string  `json:"content_id"`
	Prompt      string  `json:"prompt"`
	Opener      string  `json:"opener"`
	MaxHistory  int     `json:"max_history"`
	MaxTurns    int     `json:"max_turns"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
	// FilterHook names a compiled-in pre/post filter pair. Empty means none.
	FilterHook string `json:"filter_hook,omitempty"`
}

// DeviceRecord is the stored state for one device.
type DeviceRecord struct {
	DeviceID        string          `json:"device_id"`
	Email           string          `json:"email,omitempty"`
	Permit          Permit          `json:"permit"`
	Config          map[string]any  `json:"config,omitempty"`
	Schedule        json.RawMessage `json:"schedule,omitempty"`
	MentorBehaviors json.RawMessage `json:"mentor_behaviors,omitempty"`
	Connected       bool            `json:"connected"`
	IP              string          `json:"ip,omitempty"`
	LastConnected   time.Time       `json:"last_connected,omitempty"`
}

// ChatStore enumerates chat configurations for registry rebuilds.
type ChatStore interface {
	ListChatConfigs(ctx context.Context) ([]ChatConfig, error)
}

// DeviceStore tracks device lifecycle and serves per-device data queries.
type DeviceStore interface {
	MarkConnected(ctx context.Context, deviceID, ip string) error
	MarkDisconnected(ctx context.Context, deviceID string) error
	DeviceConfig(ctx context.Context, deviceID string) (map[string]any, error)
	Schedule(ctx context.Context, deviceID string) (json.RawMessage, error)
	MentorBehaviors(ctx context.Context, deviceID string) (json.RawMessage, error)
}

// Store combines every persistence concern the service consumes.
type Store interface {
	ChatStore
	DeviceStore
}
