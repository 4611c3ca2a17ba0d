// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	devices   map[string]*Device         // keyed by serial
	authority map[string]map[string]bool // serial -> user id -> granted
	records   map[string]*DrcRecord      // keyed by record ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		devices:   make(map[string]*Device),
		authority: make(map[string]map[string]bool),
		records:   make(map[string]*DrcRecord),
	}
}

// UpsertDevice stores a device keyed by serial.
func (m *MockStore) UpsertDevice(ctx context.Context, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Make a copy to avoid external modification
	d := *device
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	m.devices[d.Serial] = &d
	return nil
}

// GetDevice retrieves a device by serial.
func (m *MockStore) GetDevice(ctx context.Context, serial string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, ok := m.devices[serial]
	if !ok {
		return nil, ErrNotFound
	}
	d := *device
	return &d, nil
}

// ListDevices returns all devices in a workspace ordered by serial.
func (m *MockStore) ListDevices(ctx context.Context, workspaceID string) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var devices []*Device
	for _, device := range m.devices {
		if device.WorkspaceID != workspaceID {
			continue
		}
		d := *device
		devices = append(devices, &d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Serial < devices[j].Serial })
	return devices, nil
}

// SetDeviceOnline updates the online flag of a known device.
func (m *MockStore) SetDeviceOnline(ctx context.Context, serial string, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[serial]
	if !ok {
		return ErrNotFound
	}
	device.Online = online
	device.LastSeenAt = at
	return nil
}

// HasControlAuthority reports whether a grant exists.
func (m *MockStore) HasControlAuthority(ctx context.Context, serial, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authority[serial][userID], nil
}

// GrantControlAuthority records a grant.
func (m *MockStore) GrantControlAuthority(ctx context.Context, serial, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.authority[serial] == nil {
		m.authority[serial] = make(map[string]bool)
	}
	m.authority[serial][userID] = true
	return nil
}

// RevokeControlAuthority removes a grant.
func (m *MockStore) RevokeControlAuthority(ctx context.Context, serial, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.authority[serial], userID)
	return nil
}

// RecordDrcEnter stores an audit row.
func (m *MockStore) RecordDrcEnter(ctx context.Context, rec *DrcRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := *rec
	m.records[r.ID] = &r
	return nil
}

// RecordDrcExit closes an audit row.
func (m *MockStore) RecordDrcExit(ctx context.Context, recordID string, exitedAt time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordID]
	if !ok {
		return ErrNotFound
	}
	t := exitedAt
	rec.ExitedAt = &t
	rec.ExitReason = reason
	return nil
}

// ListDrcRecords returns recent audit rows for a serial, newest first.
func (m *MockStore) ListDrcRecords(ctx context.Context, serial string, limit int) ([]*DrcRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*DrcRecord
	for _, rec := range m.records {
		if rec.Serial != serial {
			continue
		}
		r := *rec
		records = append(records, &r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].EnteredAt.After(records[j].EnteredAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
