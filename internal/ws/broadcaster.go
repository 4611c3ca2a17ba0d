// ABOUTME: Best-effort fan-out of typed notifications to WebSocket connections.
// ABOUTME: Serializes once per batch, skips and cleans closed connections mid-delivery.

package ws

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Business codes carried in the notification envelope.
const (
	BizCodeDeviceOnline  = "device_online"
	BizCodeDeviceOffline = "device_offline"
	BizCodeDeviceOSD     = "device_osd"
	BizCodeDrcStatus     = "drc_status_notify"
)

// Notification is the envelope pushed to WebSocket clients.
type Notification struct {
	BizCode   string `json:"biz_code"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// NewNotification wraps a payload with its business code and the current time.
func NewNotification(bizCode string, data any) *Notification {
	return &Notification{
		BizCode:   bizCode,
		Version:   "1.0",
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// Broadcaster delivers notifications to connections resolved through the
// SessionRegistry. Delivery is best effort: a dead connection is closed and
// removed, never surfaced as an error to the caller.
type Broadcaster struct {
	registry *SessionRegistry
	logger   *slog.Logger
}

// NewBroadcaster creates a broadcaster over the given registry.
func NewBroadcaster(registry *SessionRegistry, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		registry: registry,
		logger:   logger.With("component", "broadcaster"),
	}
}

// Send serializes a notification and writes it to one connection. A closed
// connection is cleaned up and the send dropped; only serialization failure
// is reported, since it indicates a programming error in the payload type.
func (b *Broadcaster) Send(conn *Connection, msg *Notification) error {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("marshaling notification", "biz_code", msg.BizCode, "error", err)
		return err
	}
	b.deliver(conn, data, msg.BizCode)
	return nil
}

// SendBatch serializes once and writes to each open connection. A closed
// connection encountered mid-batch is skipped and cleaned; delivery to the
// remaining connections continues.
func (b *Broadcaster) SendBatch(conns []*Connection, msg *Notification) error {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("marshaling notification", "biz_code", msg.BizCode, "error", err)
		return err
	}
	for _, conn := range conns {
		b.deliver(conn, data, msg.BizCode)
	}
	return nil
}

// Broadcast resolves every connection in a workspace and fans the payload out
// under a bizCode envelope.
func (b *Broadcaster) Broadcast(workspaceID, bizCode string, payload any) {
	conns := b.registry.GetByWorkspace(workspaceID)
	if len(conns) == 0 {
		return
	}
	// Marshal failure is already logged inside SendBatch.
	_ = b.SendBatch(conns, NewNotification(bizCode, payload))
}

// BroadcastToUserType is Broadcast narrowed to one user type.
func (b *Broadcaster) BroadcastToUserType(workspaceID string, userType UserType, bizCode string, payload any) {
	conns := b.registry.GetByWorkspaceAndUserType(workspaceID, userType)
	if len(conns) == 0 {
		return
	}
	_ = b.SendBatch(conns, NewNotification(bizCode, payload))
}

// deliver writes pre-serialized bytes to one connection, evicting it from the
// registry if the write fails or the connection is already closed.
func (b *Broadcaster) deliver(conn *Connection, data []byte, bizCode string) {
	if !conn.IsOpen() {
		b.evict(conn)
		return
	}
	if err := conn.Write(data); err != nil {
		b.logger.Debug("dropping dead connection",
			"connection_id", conn.ID,
			"biz_code", bizCode,
			"error", err,
		)
		b.evict(conn)
	}
}

func (b *Broadcaster) evict(conn *Connection) {
	conn.Close()
	b.registry.Remove(conn.Identity.Key(), conn.ID)
}
