// ABOUTME: Represents a single WebSocket client connection and its identity.
// ABOUTME: Serializes writes and tracks open/closed state for the registry.

package ws

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// UserType identifies which kind of client holds a connection.
type UserType int

const (
	UserTypeWeb   UserType = 1
	UserTypePilot UserType = 2
	UserTypeDock  UserType = 3
)

// String returns the wire name of the user type.
func (u UserType) String() string {
	switch u {
	case UserTypeWeb:
		return "web"
	case UserTypePilot:
		return "pilot"
	case UserTypeDock:
		return "dock"
	default:
		return "unknown"
	}
}

// Identity is the authenticated owner of a connection.
type Identity struct {
	WorkspaceID string
	UserID      string
	Username    string
	UserType    UserType
}

// Key derives the registry grouping key for this identity.
func (i Identity) Key() SessionKey {
	return SessionKey{
		WorkspaceID: i.WorkspaceID,
		UserType:    i.UserType,
		UserID:      i.UserID,
	}
}

// Socket is the minimal surface the connection needs from the underlying
// transport. *websocket.Conn satisfies it; tests substitute fakes.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Connection is one live realtime client link. It is owned by the
// SessionRegistry; a connection never moves between workspaces.
type Connection struct {
	ID       string
	Identity Identity

	sock   Socket
	mu     sync.Mutex
	closed bool
	logger *slog.Logger
}

// NewConnection wraps an accepted socket with its authenticated identity.
func NewConnection(id string, identity Identity, sock Socket, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ID:       id,
		Identity: identity,
		sock:     sock,
		logger:   logger.With("connection_id", id),
	}
}

// Write sends a text frame to the client. Writes are serialized; concurrent
// callers do not interleave frames. Returns ErrConnectionClosed if the
// connection has been closed.
func (c *Connection) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		// The socket is no longer usable; mark closed so later sends fail fast.
		c.closed = true
		return err
	}
	return nil
}

// Ping sends a control ping frame. The server keepalive loop uses it to
// detect dead peers between data frames.
func (c *Connection) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.closed = true
		return err
	}
	return nil
}

// Close shuts the underlying socket. Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	if err := c.sock.Close(); err != nil {
		c.logger.Debug("closing socket", "error", err)
	}
}

// IsOpen reports whether the connection can still accept writes.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}
