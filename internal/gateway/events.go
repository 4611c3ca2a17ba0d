// ABOUTME: Inbound MQTT handlers for device status, telemetry, and events.
// ABOUTME: Updates presence state and fans notifications out to ws clients.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/airhive/dock-gateway/internal/store"
	"github.com/airhive/dock-gateway/internal/transport"
	"github.com/airhive/dock-gateway/internal/ws"
)

// inboundMessage is the envelope devices publish on the status, osd and
// events topics. Data stays raw; only the handlers that care decode it.
type inboundMessage struct {
	Tid       string          `json:"tid"`
	Bid       string          `json:"bid"`
	Method    string          `json:"method"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// statusData is the decoded payload of a status message.
type statusData struct {
	Online bool `json:"online"`
}

// handleStatus processes a device presence update: persist the online flag,
// notify web clients, and tear down any control session when the device
// drops offline.
func (g *Gateway) handleStatus(topic string, payload []byte) {
	serial := transport.SerialFromTopic(topic)
	if serial == "" {
		return
	}

	msg, ok := g.decodeInbound(topic, payload, "status")
	if !ok {
		return
	}

	var status statusData
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		g.logger.Warn("malformed status data", "topic", topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := g.store.SetDeviceOnline(ctx, serial, status.Online, time.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.logger.Debug("status for unknown device", "sn", serial)
		} else {
			g.logger.Error("updating device presence", "sn", serial, "error", err)
		}
		return
	}

	device, err := g.store.GetDevice(ctx, serial)
	if err != nil {
		g.logger.Error("loading device after presence update", "sn", serial, "error", err)
		return
	}

	bizCode := ws.BizCodeDeviceOnline
	if !status.Online {
		bizCode = ws.BizCodeDeviceOffline
		// A device that dropped off cannot hold a control session.
		g.drc.ForceRelease(serial, store.ExitReasonOffline)
	}

	g.logger.Info("device presence changed", "sn", serial, "online", status.Online)
	g.broadcaster.Broadcast(device.WorkspaceID, bizCode, map[string]any{
		"sn":     serial,
		"online": status.Online,
	})
}

// handleOSD relays device telemetry to the web clients of the device's
// workspace. The payload is passed through untouched.
func (g *Gateway) handleOSD(topic string, payload []byte) {
	serial := transport.SerialFromTopic(topic)
	if serial == "" {
		return
	}

	msg, ok := g.decodeInbound(topic, payload, "osd")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	device, err := g.store.GetDevice(ctx, serial)
	if err != nil {
		g.logger.Debug("osd for unknown device", "sn", serial)
		return
	}

	g.broadcaster.BroadcastToUserType(device.WorkspaceID, ws.UserTypeWeb, ws.BizCodeDeviceOSD, map[string]any{
		"sn":   serial,
		"host": msg.Data,
	})
}

// handleEvent relays device event reports to every client in the workspace.
func (g *Gateway) handleEvent(topic string, payload []byte) {
	serial := transport.SerialFromTopic(topic)
	if serial == "" {
		return
	}

	msg, ok := g.decodeInbound(topic, payload, "event")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	device, err := g.store.GetDevice(ctx, serial)
	if err != nil {
		g.logger.Debug("event for unknown device", "sn", serial)
		return
	}

	g.broadcaster.Broadcast(device.WorkspaceID, msg.Method, map[string]any{
		"sn":     serial,
		"output": msg.Data,
	})
}

// decodeInbound parses the envelope and drops duplicates. The broker
// delivers at least once; the tid makes redelivery detectable.
func (g *Gateway) decodeInbound(topic string, payload []byte, kind string) (*inboundMessage, bool) {
	var msg inboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		g.logger.Warn("malformed inbound message", "topic", topic, "error", err)
		return nil, false
	}
	if msg.Tid != "" && g.dedupe.Seen(kind+":"+msg.Tid) {
		g.logger.Debug("duplicate inbound message dropped", "topic", topic, "tid", msg.Tid)
		return nil, false
	}
	return &msg, true
}
