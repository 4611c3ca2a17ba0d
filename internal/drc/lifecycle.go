// ABOUTME: State machine governing a device's direct-remote-control channel.
// ABOUTME: Handles connect/enter/exit transitions, scoped token issuance, and forced release.

package drc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airhive/dock-gateway/internal/auth"
	"github.com/airhive/dock-gateway/internal/dispatch"
	"github.com/airhive/dock-gateway/internal/store"
	"github.com/airhive/dock-gateway/internal/transport"
	"github.com/airhive/dock-gateway/internal/ws"
)

// Lifecycle errors surfaced to the API layer.
var (
	ErrAuthorityDenied = errors.New("user lacks control authority for device")
	ErrAlreadyActive   = errors.New("drc session already active for device")
	ErrDeviceOffline   = errors.New("device is offline")
	ErrNotActive       = errors.New("no drc session for device")
)

// State is the per-device DRC channel state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateEntering
	StateActive
	StateExiting
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateEntering:
		return "entering"
	case StateActive:
		return "active"
	case StateExiting:
		return "exiting"
	default:
		return "unknown"
	}
}

// Session is one device's control session. At most one exists per serial.
type Session struct {
	Serial      string
	WorkspaceID string
	UserID      string
	Username    string
	State       State
	Token       string
	RecordID    string
	EnteredAt   time.Time
}

// DeviceCaller is the outbound command surface (implemented by dispatch.Dispatcher).
type DeviceCaller interface {
	Call(ctx context.Context, target dispatch.Target, method string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// SessionStore is the persistence surface the lifecycle needs.
type SessionStore interface {
	GetDevice(ctx context.Context, serial string) (*store.Device, error)
	HasControlAuthority(ctx context.Context, serial, userID string) (bool, error)
	RecordDrcEnter(ctx context.Context, rec *store.DrcRecord) error
	RecordDrcExit(ctx context.Context, recordID string, exitedAt time.Time, reason string) error
}

// Notifier pushes DRC status changes to realtime clients.
type Notifier interface {
	BroadcastToUserType(workspaceID string, userType ws.UserType, bizCode string, payload any)
}

// Options carries per-session tunables supplied by the requesting client.
type Options struct {
	OsdFrequency int `json:"osd_frequency"`
	HsiFrequency int `json:"hsi_frequency"`
}

// BrokerParams is what a client needs to attach to the control broker.
type BrokerParams struct {
	BrokerURL string   `json:"mqtt_broker"`
	ClientID  string   `json:"client_id"`
	Token     string   `json:"token"`
	ExpiresAt int64    `json:"expires_at"`
	PubTopics []string `json:"pub_topics,omitempty"`
	SubTopics []string `json:"sub_topics,omitempty"`
}

// statusNotification is broadcast to web clients on every transition.
type statusNotification struct {
	Serial string `json:"sn"`
	State  string `json:"state"`
	UserID string `json:"user_id,omitempty"`
}

// Config holds the lifecycle's deployment-chosen constants.
type Config struct {
	BrokerURL   string
	CallTimeout time.Duration
	TokenTTL    time.Duration
}

// Device methods invoked over the services channel.
const (
	methodEnter = "drc_mode_enter"
	methodExit  = "drc_mode_exit"
)

// Lifecycle owns every per-device DRC session. State per serial is mutated
// only while the lifecycle lock reserves the serial, so two concurrent
// connects cannot both observe IDLE and both proceed; the blocking device
// round-trips happen outside the lock.
type Lifecycle struct {
	cfg      Config
	caller   DeviceCaller
	sessions map[string]*Session // serial -> session, absent means IDLE
	mu       sync.Mutex
	tokens   auth.TokenIssuer
	store    SessionStore
	notifier Notifier
	logger   *slog.Logger
}

// NewLifecycle creates the DRC lifecycle manager.
func NewLifecycle(cfg Config, caller DeviceCaller, tokens auth.TokenIssuer, st SessionStore, notifier Notifier, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		cfg:      cfg,
		caller:   caller,
		sessions: make(map[string]*Session),
		tokens:   tokens,
		store:    st,
		notifier: notifier,
		logger:   logger.With("component", "drc"),
	}
}

// Connect begins a control session: IDLE -> CONNECTING. It validates the
// user's control authority and the device's presence, reserves the serial,
// and returns the broker parameters the client connects with. A second
// Connect while CONNECTING or ACTIVE fails with ErrAlreadyActive.
func (l *Lifecycle) Connect(ctx context.Context, serial string, user ws.Identity) (*BrokerParams, error) {
	ok, err := l.store.HasControlAuthority(ctx, serial, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("checking control authority: %w", err)
	}
	if !ok {
		return nil, ErrAuthorityDenied
	}

	device, err := l.store.GetDevice(ctx, serial)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrDeviceOffline
		}
		return nil, fmt.Errorf("looking up device: %w", err)
	}
	if !device.Online {
		return nil, ErrDeviceOffline
	}

	l.mu.Lock()
	if existing, exists := l.sessions[serial]; exists {
		l.mu.Unlock()
		l.logger.Warn("connect rejected, session exists",
			"serial", serial,
			"state", existing.State.String(),
			"holder", existing.UserID,
		)
		return nil, ErrAlreadyActive
	}
	session := &Session{
		Serial:      serial,
		WorkspaceID: user.WorkspaceID,
		UserID:      user.UserID,
		Username:    user.Username,
		State:       StateConnecting,
	}
	l.sessions[serial] = session
	l.mu.Unlock()

	now := time.Now()
	token, err := l.tokens.Issue(auth.Claims{
		UserID:      user.UserID,
		Username:    user.Username,
		WorkspaceID: user.WorkspaceID,
		UserType:    int(user.UserType),
	}, l.cfg.TokenTTL)
	if err != nil {
		l.release(serial)
		return nil, fmt.Errorf("issuing broker token: %w", err)
	}

	l.logger.Info("drc connecting", "serial", serial, "user_id", user.UserID)
	l.notifyStatus(&Session{Serial: serial, WorkspaceID: user.WorkspaceID, UserID: user.UserID, State: StateConnecting})

	return &BrokerParams{
		BrokerURL: l.cfg.BrokerURL,
		ClientID:  user.UserID + "-" + uuid.New().String()[:8],
		Token:     token,
		ExpiresAt: now.Add(l.cfg.TokenTTL).Unix(),
	}, nil
}

// Enter completes the transition: CONNECTING -> ACTIVE. It instructs the
// device to open its control channel and, on acknowledgment, issues the
// scoped control token and records the session. On device nack or timeout
// the serial rolls back to IDLE and the error is surfaced.
func (l *Lifecycle) Enter(ctx context.Context, serial string, user ws.Identity, opts Options) (*BrokerParams, error) {
	l.mu.Lock()
	session, exists := l.sessions[serial]
	switch {
	case !exists:
		l.mu.Unlock()
		return nil, ErrNotActive
	case session.State != StateConnecting:
		l.mu.Unlock()
		return nil, ErrAlreadyActive
	case session.UserID != user.UserID:
		l.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	// The serial leaves CONNECTING before the lock drops, so a concurrent
	// Enter cannot also reach the device round-trip.
	session.State = StateEntering
	l.mu.Unlock()

	acl := auth.DrcACL(serial)
	payload := map[string]any{
		"mqtt_broker":   l.cfg.BrokerURL,
		"up_topic":      transport.DrcUpTopic(serial),
		"down_topic":    transport.DrcDownTopic(serial),
		"osd_frequency": opts.OsdFrequency,
		"hsi_frequency": opts.HsiFrequency,
	}

	// Blocking device round-trip happens with the serial reserved but the
	// lock released.
	if _, err := l.caller.Call(ctx, dispatch.Target{Serial: serial}, methodEnter, payload, l.cfg.CallTimeout); err != nil {
		l.releaseIfEntering(serial, user.UserID)
		l.logger.Warn("drc enter failed, rolled back", "serial", serial, "error", err)
		return nil, err
	}

	now := time.Now()
	token, err := l.tokens.Issue(auth.Claims{
		UserID:      user.UserID,
		Username:    user.Username,
		WorkspaceID: user.WorkspaceID,
		UserType:    int(user.UserType),
		ACL:         acl,
	}, l.cfg.TokenTTL)
	if err != nil {
		l.releaseIfEntering(serial, user.UserID)
		return nil, fmt.Errorf("issuing control token: %w", err)
	}

	recordID := uuid.New().String()
	if err := l.store.RecordDrcEnter(ctx, &store.DrcRecord{
		ID:          recordID,
		Serial:      serial,
		WorkspaceID: user.WorkspaceID,
		UserID:      user.UserID,
		Username:    user.Username,
		EnteredAt:   now,
	}); err != nil {
		// Audit failure does not abort the session; the device is already in
		// control mode.
		l.logger.Error("recording drc enter", "serial", serial, "error", err)
	}

	l.mu.Lock()
	session, exists = l.sessions[serial]
	if !exists || session.State != StateEntering || session.UserID != user.UserID {
		// Force-released while we were talking to the device; the serial may
		// even belong to a fresh session by now. Close the audit row this
		// call opened and report the session gone.
		l.mu.Unlock()
		if err := l.store.RecordDrcExit(ctx, recordID, time.Now(), store.ExitReasonForced); err != nil {
			l.logger.Error("closing orphaned drc audit row", "serial", serial, "error", err)
		}
		return nil, ErrNotActive
	}
	session.State = StateActive
	session.Token = token
	session.RecordID = recordID
	session.EnteredAt = now
	snap := *session
	l.mu.Unlock()

	l.logger.Info("drc active", "serial", serial, "user_id", user.UserID)
	l.notifyStatus(&snap)

	return &BrokerParams{
		BrokerURL: l.cfg.BrokerURL,
		ClientID:  user.UserID + "-drc",
		Token:     token,
		ExpiresAt: now.Add(l.cfg.TokenTTL).Unix(),
		PubTopics: acl.Pub,
		SubTopics: acl.Sub,
	}, nil
}

// Exit closes a control session: ACTIVE -> EXITING -> IDLE. The device is
// instructed to close its channel; the session is released and the token
// revoked even if the device does not acknowledge, since a dangling local
// session would block the serial forever. Exit without a session returns
// ErrNotActive.
func (l *Lifecycle) Exit(ctx context.Context, serial string, user ws.Identity) error {
	l.mu.Lock()
	session, exists := l.sessions[serial]
	if !exists || session.State != StateActive {
		l.mu.Unlock()
		return ErrNotActive
	}
	if session.UserID != user.UserID {
		l.mu.Unlock()
		return ErrAuthorityDenied
	}
	session.State = StateExiting
	recordID := session.RecordID
	snap := *session
	l.mu.Unlock()

	l.notifyStatus(&snap)

	_, callErr := l.caller.Call(ctx, dispatch.Target{Serial: serial}, methodExit, nil, l.cfg.CallTimeout)

	reason := store.ExitReasonUser
	if callErr != nil {
		reason = store.ExitReasonForced
		l.logger.Warn("drc exit not acknowledged, releasing anyway", "serial", serial, "error", callErr)
	}

	l.release(serial)
	if recordID != "" {
		if err := l.store.RecordDrcExit(ctx, recordID, time.Now(), reason); err != nil {
			l.logger.Error("recording drc exit", "serial", serial, "error", err)
		}
	}

	l.logger.Info("drc released", "serial", serial, "user_id", user.UserID)
	l.notifyStatus(&Session{Serial: serial, WorkspaceID: snap.WorkspaceID, State: StateIdle})
	return callErr
}

// ForceRelease drops a session from any state without a device round-trip.
// Used when the device goes offline or the controlling client disappears.
// No-op if the serial is idle.
func (l *Lifecycle) ForceRelease(serial, reason string) {
	l.mu.Lock()
	session, exists := l.sessions[serial]
	if !exists {
		l.mu.Unlock()
		return
	}
	delete(l.sessions, serial)
	l.mu.Unlock()

	if session.RecordID != "" {
		if err := l.store.RecordDrcExit(context.Background(), session.RecordID, time.Now(), reason); err != nil {
			l.logger.Error("recording forced drc exit", "serial", serial, "error", err)
		}
	}

	l.logger.Info("drc force released", "serial", serial, "reason", reason)
	l.notifyStatus(&Session{Serial: serial, WorkspaceID: session.WorkspaceID, State: StateIdle})
}

// GetSession returns a copy of the session for a serial, or nil when idle.
func (l *Lifecycle) GetSession(serial string) *Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	session, exists := l.sessions[serial]
	if !exists {
		return nil
	}
	s := *session
	return &s
}

// release drops the serial's session unconditionally.
func (l *Lifecycle) release(serial string) {
	l.mu.Lock()
	delete(l.sessions, serial)
	l.mu.Unlock()
}

// releaseIfEntering rolls back a failed enter, but only while the session is
// still the one that enter reserved. A serial that was force-released and
// reconnected in the meantime belongs to someone else now.
func (l *Lifecycle) releaseIfEntering(serial, userID string) {
	l.mu.Lock()
	if s, ok := l.sessions[serial]; ok && s.State == StateEntering && s.UserID == userID {
		delete(l.sessions, serial)
	}
	l.mu.Unlock()
}

// notifyStatus pushes the session state to the workspace's web clients.
func (l *Lifecycle) notifyStatus(session *Session) {
	if l.notifier == nil {
		return
	}
	l.notifier.BroadcastToUserType(session.WorkspaceID, ws.UserTypeWeb, ws.BizCodeDrcStatus, statusNotification{
		Serial: session.Serial,
		State:  session.State.String(),
		UserID: session.UserID,
	})
}
