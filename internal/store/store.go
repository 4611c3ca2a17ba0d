// ABOUTME: Store interface and data types for dock-gateway persistence
// ABOUTME: Defines Device, control authority, and DRC audit records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Device represents a dock known to the platform, addressed by serial number.
type Device struct {
	Serial      string
	WorkspaceID string
	Nickname    string
	ProductType string
	Online      bool
	LastSeenAt  time.Time
	CreatedAt   time.Time
}

// DrcRecord is one audit row for a direct-remote-control session.
type DrcRecord struct {
	ID          string
	Serial      string
	WorkspaceID string
	UserID      string
	Username    string
	EnteredAt   time.Time
	ExitedAt    *time.Time
	ExitReason  string
}

// Exit reasons recorded on DRC session close.
const (
	ExitReasonUser    = "user_exit"
	ExitReasonOffline = "device_offline"
	ExitReasonForced  = "forced"
)

// Store is the persistence boundary consumed by the gateway.
type Store interface {
	// Devices
	UpsertDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, serial string) (*Device, error)
	ListDevices(ctx context.Context, workspaceID string) ([]*Device, error)
	SetDeviceOnline(ctx context.Context, serial string, online bool, at time.Time) error

	// Control authority: which users may fly/control a device.
	HasControlAuthority(ctx context.Context, serial, userID string) (bool, error)
	GrantControlAuthority(ctx context.Context, serial, userID string) error
	RevokeControlAuthority(ctx context.Context, serial, userID string) error

	// DRC session audit
	RecordDrcEnter(ctx context.Context, rec *DrcRecord) error
	RecordDrcExit(ctx context.Context, recordID string, exitedAt time.Time, reason string) error
	ListDrcRecords(ctx context.Context, serial string, limit int) ([]*DrcRecord, error)

	Close() error
}
