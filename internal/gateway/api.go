// ABOUTME: HTTP API handlers for the DRC lifecycle, device listing, and the
// ABOUTME: WebSocket notification endpoint.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/airhive/dock-gateway/internal/auth"
	"github.com/airhive/dock-gateway/internal/dispatch"
	"github.com/airhive/dock-gateway/internal/drc"
	"github.com/airhive/dock-gateway/internal/store"
	"github.com/airhive/dock-gateway/internal/transport"
	"github.com/airhive/dock-gateway/internal/ws"
)

const (
	// pongWait is how long a client may stay silent before the read loop
	// gives up on it; pingInterval must be shorter.
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// apiResponse is the JSON envelope for every API response. Code 0 means
// success; error codes mirror the HTTP status.
type apiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// drcRequest is the JSON request body for the DRC connect/enter/exit
// endpoints. Frequencies are only read by enter.
type drcRequest struct {
	Serial       string `json:"sn"`
	OsdFrequency int    `json:"osd_frequency,omitempty"`
	HsiFrequency int    `json:"hsi_frequency,omitempty"`
}

// deviceResponse is one device in the GET devices listing.
type deviceResponse struct {
	Serial      string `json:"sn"`
	Nickname    string `json:"nickname,omitempty"`
	ProductType string `json:"product_type,omitempty"`
	Online      bool   `json:"online"`
	LastSeenAt  int64  `json:"last_seen_at,omitempty"`
}

// routes builds the HTTP handler tree. Everything except the health probes
// requires a verified token.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("GET /readyz", g.handleReady)

	authed := auth.HTTPMiddleware(g.tokens)
	mux.Handle("GET /ws", authed(http.HandlerFunc(g.handleWS)))
	mux.Handle("GET /api/v1/workspaces/{workspace_id}/devices", authed(http.HandlerFunc(g.handleListDevices)))
	mux.Handle("POST /api/v1/workspaces/{workspace_id}/drc/connect", authed(http.HandlerFunc(g.handleDrcConnect)))
	mux.Handle("POST /api/v1/workspaces/{workspace_id}/drc/enter", authed(http.HandlerFunc(g.handleDrcEnter)))
	mux.Handle("POST /api/v1/workspaces/{workspace_id}/drc/exit", authed(http.HandlerFunc(g.handleDrcExit)))

	return mux
}

// writeResult writes the success envelope.
func (g *Gateway) writeResult(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(apiResponse{Code: 0, Message: "ok", Data: data}); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

// writeError writes an error envelope with the given HTTP status.
func (g *Gateway) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiResponse{Code: status, Message: message}); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

// writeDrcError maps the error taxonomy onto HTTP statuses.
func (g *Gateway) writeDrcError(w http.ResponseWriter, err error) {
	var devErr *dispatch.DeviceError
	switch {
	case errors.Is(err, drc.ErrAuthorityDenied):
		g.writeError(w, http.StatusForbidden, "no control authority over device")
	case errors.Is(err, drc.ErrAlreadyActive):
		g.writeError(w, http.StatusConflict, "device control session already active")
	case errors.Is(err, drc.ErrNotActive):
		g.writeError(w, http.StatusConflict, "no active control session")
	case errors.Is(err, drc.ErrDeviceOffline):
		g.writeError(w, http.StatusPreconditionFailed, "device is offline")
	case errors.Is(err, store.ErrNotFound):
		g.writeError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, dispatch.ErrCallTimeout):
		g.writeError(w, http.StatusGatewayTimeout, "device did not reply in time")
	case errors.Is(err, transport.ErrPublish):
		g.writeError(w, http.StatusBadGateway, "could not reach broker")
	case errors.As(err, &devErr):
		g.writeError(w, http.StatusBadGateway, fmt.Sprintf("device rejected %s with code %d", devErr.Method, devErr.Code))
	default:
		g.logger.Error("drc request failed", "error", err)
		g.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// requestIdentity checks the caller's workspace against the path and returns
// the caller identity. A false return means a response has been written.
func (g *Gateway) requestIdentity(w http.ResponseWriter, r *http.Request) (ws.Identity, bool) {
	claims := auth.FromContext(r.Context())
	if claims == nil {
		g.writeError(w, http.StatusUnauthorized, "missing authentication")
		return ws.Identity{}, false
	}
	if claims.WorkspaceID != r.PathValue("workspace_id") {
		g.writeError(w, http.StatusForbidden, "workspace mismatch")
		return ws.Identity{}, false
	}
	return identityFromClaims(claims), true
}

func identityFromClaims(c *auth.Claims) ws.Identity {
	return ws.Identity{
		WorkspaceID: c.WorkspaceID,
		UserID:      c.UserID,
		Username:    c.Username,
		UserType:    ws.UserType(c.UserType),
	}
}

// parseDrcRequest decodes the body and requires a device serial.
func (g *Gateway) parseDrcRequest(w http.ResponseWriter, r *http.Request) (*drcRequest, bool) {
	var req drcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if req.Serial == "" {
		g.writeError(w, http.StatusBadRequest, "sn is required")
		return nil, false
	}
	return &req, true
}

func (g *Gateway) handleDrcConnect(w http.ResponseWriter, r *http.Request) {
	user, ok := g.requestIdentity(w, r)
	if !ok {
		return
	}
	req, ok := g.parseDrcRequest(w, r)
	if !ok {
		return
	}

	params, err := g.drc.Connect(r.Context(), req.Serial, user)
	if err != nil {
		g.writeDrcError(w, err)
		return
	}
	g.writeResult(w, params)
}

func (g *Gateway) handleDrcEnter(w http.ResponseWriter, r *http.Request) {
	user, ok := g.requestIdentity(w, r)
	if !ok {
		return
	}
	req, ok := g.parseDrcRequest(w, r)
	if !ok {
		return
	}

	params, err := g.drc.Enter(r.Context(), req.Serial, user, drc.Options{
		OsdFrequency: req.OsdFrequency,
		HsiFrequency: req.HsiFrequency,
	})
	if err != nil {
		g.writeDrcError(w, err)
		return
	}
	g.writeResult(w, params)
}

func (g *Gateway) handleDrcExit(w http.ResponseWriter, r *http.Request) {
	user, ok := g.requestIdentity(w, r)
	if !ok {
		return
	}
	req, ok := g.parseDrcRequest(w, r)
	if !ok {
		return
	}

	if err := g.drc.Exit(r.Context(), req.Serial, user); err != nil {
		g.writeDrcError(w, err)
		return
	}
	g.writeResult(w, nil)
}

func (g *Gateway) handleListDevices(w http.ResponseWriter, r *http.Request) {
	user, ok := g.requestIdentity(w, r)
	if !ok {
		return
	}

	devices, err := g.store.ListDevices(r.Context(), user.WorkspaceID)
	if err != nil {
		g.logger.Error("listing devices", "workspace_id", user.WorkspaceID, "error", err)
		g.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		resp := deviceResponse{
			Serial:      d.Serial,
			Nickname:    d.Nickname,
			ProductType: d.ProductType,
			Online:      d.Online,
		}
		if !d.LastSeenAt.IsZero() {
			resp.LastSeenAt = d.LastSeenAt.UnixMilli()
		}
		out = append(out, resp)
	}
	g.writeResult(w, map[string]any{"devices": out})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth happens before the upgrade; browser origin adds nothing.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades the request and registers the connection for
// notifications. The identity comes from the verified token, never from the
// request body.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	if claims == nil {
		g.writeError(w, http.StatusUnauthorized, "missing authentication")
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error to the client.
		g.logger.Error("websocket upgrade", "error", err)
		return
	}

	identity := identityFromClaims(claims)
	conn := ws.NewConnection(uuid.NewString(), identity, sock, g.logger)
	g.registry.Put(conn)
	g.logger.Info("websocket connected",
		"connection_id", conn.ID,
		"workspace_id", identity.WorkspaceID,
		"user_id", identity.UserID,
		"user_type", identity.UserType.String(),
	)

	go g.readLoop(conn, sock)
}

// readLoop drains inbound frames until the peer goes away, then removes the
// connection from the registry. Clients talk to the gateway over the REST
// API; the socket is push-only, so frames are read for keepalive handling
// and discarded.
func (g *Gateway) readLoop(conn *ws.Connection, sock *websocket.Conn) {
	defer func() {
		g.registry.Remove(conn.Identity.Key(), conn.ID)
		conn.Close()
		g.logger.Info("websocket disconnected", "connection_id", conn.ID)
	}()

	_ = sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go g.pingLoop(conn, stop)

	for {
		if _, _, err := sock.ReadMessage(); err != nil {
			return
		}
	}
}

// pingLoop keeps the peer's pong handler busy so dead connections surface as
// read deadline errors in the read loop.
func (g *Gateway) pingLoop(conn *ws.Connection, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				conn.Close()
				return
			}
		}
	}
}
