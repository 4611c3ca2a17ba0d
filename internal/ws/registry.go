// ABOUTME: Tracks live WebSocket connections grouped by workspace, user type, and user id.
// ABOUTME: Central lookup for targeted fan-out; safe for concurrent mutation and reads.

package ws

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrConnectionClosed indicates a write was attempted on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// SessionKey is the composite grouping key for connections. A key resolves to
// zero or more live connections: a user may hold several at once (tabs,
// devices).
type SessionKey struct {
	WorkspaceID string
	UserType    UserType
	UserID      string
}

// SessionRegistry tracks all live connections. Lookups return snapshot
// slices, so callers iterate free of concurrent put/remove effects.
type SessionRegistry struct {
	mu     sync.RWMutex
	groups map[SessionKey]map[string]*Connection // key -> connection id -> conn
	logger *slog.Logger
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(logger *slog.Logger) *SessionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRegistry{
		groups: make(map[SessionKey]map[string]*Connection),
		logger: logger.With("component", "sessions"),
	}
}

// Put adds a connection under its session key. Re-adding the same connection
// id replaces the stale entry rather than duplicating it; the replaced
// connection is closed.
func (r *SessionRegistry) Put(conn *Connection) {
	key := conn.Identity.Key()

	r.mu.Lock()
	group, ok := r.groups[key]
	if !ok {
		group = make(map[string]*Connection)
		r.groups[key] = group
	}
	stale := group[conn.ID]
	group[conn.ID] = conn
	r.mu.Unlock()

	if stale != nil && stale != conn {
		stale.Close()
	}

	r.logger.Info("session added",
		"connection_id", conn.ID,
		"workspace_id", key.WorkspaceID,
		"user_id", key.UserID,
		"user_type", key.UserType.String(),
	)
}

// Remove drops one connection from its group. No-op if absent.
func (r *SessionRegistry) Remove(key SessionKey, connectionID string) {
	r.mu.Lock()
	group, ok := r.groups[key]
	if ok {
		if _, exists := group[connectionID]; exists {
			delete(group, connectionID)
			if len(group) == 0 {
				delete(r.groups, key)
			}
			r.mu.Unlock()
			r.logger.Info("session removed",
				"connection_id", connectionID,
				"workspace_id", key.WorkspaceID,
				"user_id", key.UserID,
			)
			return
		}
	}
	r.mu.Unlock()
}

// GetByWorkspace returns a snapshot of every live connection in a workspace.
// An unknown workspace yields an empty slice.
func (r *SessionRegistry) GetByWorkspace(workspaceID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for key, group := range r.groups {
		if key.WorkspaceID != workspaceID {
			continue
		}
		for _, conn := range group {
			conns = append(conns, conn)
		}
	}
	return conns
}

// GetByWorkspaceAndUserType returns a snapshot of the workspace's connections
// held by one user type.
func (r *SessionRegistry) GetByWorkspaceAndUserType(workspaceID string, userType UserType) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for key, group := range r.groups {
		if key.WorkspaceID != workspaceID || key.UserType != userType {
			continue
		}
		for _, conn := range group {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Count returns the total number of live connections.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, group := range r.groups {
		total += len(group)
	}
	return total
}
