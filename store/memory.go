package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is a concurrency-safe in-memory Store. Devices unknown to the
// store are created on first contact with a pending permit.
type MemoryStore struct {
	mu      sync.RWMutex
	chats   []ChatConfig
	devices map[string]*DeviceRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*DeviceRecord),
	}
}

// PutChatConfig adds or replaces a chat configuration by name.
func (s *MemoryStore) PutChatConfig(cfg ChatConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.chats {
		if existing.Name == cfg.Name {
			s.chats[i] = cfg
			return
		}
	}
	s.chats = append(s.chats, cfg)
}

// ListChatConfigs implements ChatStore.
func (s *MemoryStore) ListChatConfigs(_ context.Context) ([]ChatConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChatConfig, len(s.chats))
	copy(out, s.chats)
	return out, nil
}

// PutDevice adds or replaces a device record.
func (s *MemoryStore) PutDevice(rec DeviceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[rec.DeviceID] = &rec
}

// Device returns a copy of the device record, if present.
func (s *MemoryStore) Device(deviceID string) (DeviceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.devices[deviceID]
	if !ok {
		return DeviceRecord{}, false
	}
	return *rec, true
}

func (s *MemoryStore) deviceLocked(deviceID string) *DeviceRecord {
	rec, ok := s.devices[deviceID]
	if !ok {
		rec = &DeviceRecord{DeviceID: deviceID, Permit: PermitPending}
		s.devices[deviceID] = rec
	}
	return rec
}

// MarkConnected implements DeviceStore.
func (s *MemoryStore) MarkConnected(_ context.Context, deviceID, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.deviceLocked(deviceID)
	rec.Connected = true
	rec.IP = ip
	rec.LastConnected = time.Now()
	return nil
}

// MarkDisconnected implements DeviceStore.
func (s *MemoryStore) MarkDisconnected(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.deviceLocked(deviceID)
	rec.Connected = false
	rec.IP = ""
	return nil
}

// DeviceConfig implements DeviceStore.
func (s *MemoryStore) DeviceConfig(_ context.Context, deviceID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.devices[deviceID]; ok && rec.Config != nil {
		out := make(map[string]any, len(rec.Config))
		for k, v := range rec.Config {
			out[k] = v
		}
		return out, nil
	}
	return map[string]any{}, nil
}

// Schedule implements DeviceStore.
func (s *MemoryStore) Schedule(_ context.Context, deviceID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.devices[deviceID]; ok && rec.Schedule != nil {
		return rec.Schedule, nil
	}
	return json.RawMessage(`{}`), nil
}

// MentorBehaviors implements DeviceStore.
func (s *MemoryStore) MentorBehaviors(_ context.Context, deviceID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.devices[deviceID]; ok && rec.MentorBehaviors != nil {
		return rec.MentorBehaviors, nil
	}
	return json.RawMessage(`{}`), nil
}

// ConnectedCount returns the number of devices currently marked connected.
func (s *MemoryStore) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.devices {
		if rec.Connected {
			count++
		}
	}
	return count
}
