// ABOUTME: Gateway orchestrator wiring the store, MQTT transport, dispatch
// ABOUTME: layer, and DRC lifecycle behind one HTTP/WebSocket server.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/airhive/dock-gateway/internal/auth"
	"github.com/airhive/dock-gateway/internal/config"
	"github.com/airhive/dock-gateway/internal/dedupe"
	"github.com/airhive/dock-gateway/internal/dispatch"
	"github.com/airhive/dock-gateway/internal/drc"
	"github.com/airhive/dock-gateway/internal/store"
	"github.com/airhive/dock-gateway/internal/transport"
	"github.com/airhive/dock-gateway/internal/ws"
)

// Gateway coordinates the dock-gateway server components: the MQTT transport
// toward devices, the WebSocket/HTTP surface toward users, and everything
// wired between them.
type Gateway struct {
	config      *config.Config
	store       store.Store
	bus         transport.PubSub
	registry    *ws.SessionRegistry
	broadcaster *ws.Broadcaster
	table       *dispatch.PendingCallTable
	dispatcher  *dispatch.Dispatcher
	drc         *drc.Lifecycle
	tokens      *auth.JWTService
	httpServer  *http.Server
	logger      *slog.Logger

	// dedupe drops replayed inbound event and telemetry messages
	dedupe *dedupe.Cache
}

// initStore creates the store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("DOCK_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway instance with the given configuration, opening the
// database and connecting to the MQTT broker.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	bus, err := transport.NewMQTTClient(transport.MQTTConfig{
		BrokerURL: cfg.MQTT.BrokerURL,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		ClientID:  cfg.MQTT.ClientID,
	}, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connecting transport: %w", err)
	}

	return newGateway(cfg, s, bus, logger), nil
}

// newGateway wires components around externally supplied store and transport.
// Tests use it to substitute fakes for both.
func newGateway(cfg *config.Config, s store.Store, bus transport.PubSub, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	tokens := auth.NewJWTService([]byte(cfg.Auth.JWTSecret))
	registry := ws.NewSessionRegistry(logger.With("component", "session-registry"))
	broadcaster := ws.NewBroadcaster(registry, logger.With("component", "broadcaster"))
	table := dispatch.NewPendingCallTable(cfg.DRC.SweepInterval, logger.With("component", "pending-calls"))
	dispatcher := dispatch.NewDispatcher(bus, table, logger.With("component", "dispatch"))
	lifecycle := drc.NewLifecycle(drc.Config{
		BrokerURL:   cfg.MQTT.BrokerURL,
		CallTimeout: cfg.DRC.CallTimeout,
		TokenTTL:    cfg.DRC.TokenTTL,
	}, dispatcher, tokens, s, broadcaster, logger)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		bus:         bus,
		registry:    registry,
		broadcaster: broadcaster,
		table:       table,
		dispatcher:  dispatcher,
		drc:         lifecycle,
		tokens:      tokens,
		dedupe:      dedupe.New(5*time.Minute, 100_000), // TTL 5min, max 100k entries
		logger:      logger.With("component", "gateway"),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw
}

// subscribeTopics registers the inbound MQTT handlers. The transport replays
// these subscriptions after a reconnect.
func (g *Gateway) subscribeTopics() error {
	subs := []struct {
		filter  string
		handler transport.Handler
	}{
		{transport.ServicesReplyFilter(), g.dispatcher.HandleReply},
		{transport.StatusFilter(), g.handleStatus},
		{transport.OSDFilter(), g.handleOSD},
		{transport.EventsFilter(), g.handleEvent},
	}
	for _, s := range subs {
		if err := g.bus.Subscribe(s.filter, s.handler); err != nil {
			return fmt.Errorf("subscribing %s: %w", s.filter, err)
		}
	}
	return nil
}

// Run starts the gateway and blocks until the context is canceled or the
// HTTP server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.subscribeTopics(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already
// canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, fails in-flight device calls, and closes
// the transport and store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.table.Close()
	g.dedupe.Close()
	g.bus.Close()

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness along with the live session count.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.registry.Count())
}
