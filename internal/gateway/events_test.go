// ABOUTME: Tests for inbound MQTT handlers: presence updates, telemetry
// ABOUTME: passthrough, event fan-out, and duplicate suppression.

package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airhive/dock-gateway/internal/drc"
	"github.com/airhive/dock-gateway/internal/store"
	"github.com/airhive/dock-gateway/internal/transport"
	"github.com/airhive/dock-gateway/internal/ws"
)

// stubSocket records frames written to a registered test connection.
type stubSocket struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *stubSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.frames = append(s.frames, buf)
	return nil
}

func (s *stubSocket) Close() error { return nil }

func (s *stubSocket) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = string(f)
	}
	return out
}

// registerClient attaches a fake ws client to the gateway registry.
func registerClient(g *Gateway, id, userID string, userType ws.UserType) *stubSocket {
	sock := &stubSocket{}
	conn := ws.NewConnection(id, ws.Identity{
		WorkspaceID: testWorkspace,
		UserID:      userID,
		Username:    userID,
		UserType:    userType,
	}, sock, nil)
	g.registry.Put(conn)
	return sock
}

func statusPayload(t *testing.T, tid string, online bool) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"tid":       tid,
		"bid":       "bid-1",
		"method":    "update_status",
		"timestamp": time.Now().UnixMilli(),
		"data":      map[string]any{"online": online},
	})
	require.NoError(t, err)
	return data
}

func TestHandleStatusUpdatesPresence(t *testing.T) {
	s := seededStore(t)
	require.NoError(t, s.SetDeviceOnline(context.Background(), testSerial, false, time.Now()))
	g := newTestGateway(t, s, newFakeBus())
	web := registerClient(g, "conn-web", "user-1", ws.UserTypeWeb)

	g.handleStatus(transport.StatusTopic(testSerial), statusPayload(t, "tid-on", true))

	device, err := s.GetDevice(context.Background(), testSerial)
	require.NoError(t, err)
	assert.True(t, device.Online)

	frames := web.all()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0], ws.BizCodeDeviceOnline)
	assert.Contains(t, frames[0], testSerial)
}

func TestHandleStatusOfflineReleasesControl(t *testing.T) {
	bus := newFakeBus()
	g := newTestGateway(t, seededStore(t), bus)
	ackDevice(g, bus)
	ctx := context.Background()

	user := ws.Identity{WorkspaceID: testWorkspace, UserID: "user-1", Username: "user-1", UserType: ws.UserTypePilot}
	_, err := g.drc.Connect(ctx, testSerial, user)
	require.NoError(t, err)
	_, err = g.drc.Enter(ctx, testSerial, user, drc.Options{OsdFrequency: 10, HsiFrequency: 1})
	require.NoError(t, err)
	require.NotNil(t, g.drc.GetSession(testSerial))

	g.handleStatus(transport.StatusTopic(testSerial), statusPayload(t, "tid-off", false))

	assert.Nil(t, g.drc.GetSession(testSerial))

	records, err := g.store.ListDrcRecords(ctx, testSerial, 10)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, store.ExitReasonOffline, records[0].ExitReason)
	require.NotNil(t, records[0].ExitedAt)
}

func TestHandleStatusUnknownDevice(t *testing.T) {
	g := newTestGateway(t, store.NewMockStore(), newFakeBus())
	web := registerClient(g, "conn-web", "user-1", ws.UserTypeWeb)

	g.handleStatus(transport.StatusTopic("no-such-SN"), statusPayload(t, "tid-x", true))

	assert.Empty(t, web.all())
}

func TestHandleOSDReachesWebOnly(t *testing.T) {
	g := newTestGateway(t, seededStore(t), newFakeBus())
	web := registerClient(g, "conn-web", "user-1", ws.UserTypeWeb)
	pilot := registerClient(g, "conn-pilot", "user-2", ws.UserTypePilot)

	payload, err := json.Marshal(map[string]any{
		"tid":       "osd-tid-1",
		"timestamp": time.Now().UnixMilli(),
		"data":      map[string]any{"latitude": 52.52, "longitude": 13.405},
	})
	require.NoError(t, err)

	g.handleOSD(transport.OSDTopic(testSerial), payload)

	frames := web.all()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0], ws.BizCodeDeviceOSD)
	assert.Contains(t, frames[0], "52.52")
	assert.Empty(t, pilot.all())
}

func TestInboundDuplicatesDropped(t *testing.T) {
	g := newTestGateway(t, seededStore(t), newFakeBus())
	web := registerClient(g, "conn-web", "user-1", ws.UserTypeWeb)

	payload, err := json.Marshal(map[string]any{
		"tid":  "osd-dup",
		"data": map[string]any{"height": 120},
	})
	require.NoError(t, err)

	g.handleOSD(transport.OSDTopic(testSerial), payload)
	g.handleOSD(transport.OSDTopic(testSerial), payload)

	assert.Len(t, web.all(), 1)
}

func TestHandleEventBroadcastsMethod(t *testing.T) {
	g := newTestGateway(t, seededStore(t), newFakeBus())
	web := registerClient(g, "conn-web", "user-1", ws.UserTypeWeb)

	payload, err := json.Marshal(map[string]any{
		"tid":    "evt-1",
		"method": "hms",
		"data":   map[string]any{"level": 2, "message": "battery low"},
	})
	require.NoError(t, err)

	g.handleEvent(transport.EventsTopic(testSerial), payload)

	frames := web.all()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0], `"biz_code":"hms"`)
	assert.Contains(t, frames[0], "battery low")
}

func TestMalformedInboundIgnored(t *testing.T) {
	g := newTestGateway(t, seededStore(t), newFakeBus())
	web := registerClient(g, "conn-web", "user-1", ws.UserTypeWeb)

	g.handleStatus(transport.StatusTopic(testSerial), []byte("{not json"))
	g.handleOSD(transport.OSDTopic(testSerial), []byte("{not json"))
	g.handleEvent(transport.EventsTopic(testSerial), []byte("{not json"))

	assert.Empty(t, web.all())
}
