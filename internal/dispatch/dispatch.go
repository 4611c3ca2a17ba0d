// ABOUTME: Outbound method-call dispatch to gateway devices over pub/sub.
// ABOUTME: Builds addressed envelopes, publishes, and awaits correlated replies.

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/airhive/dock-gateway/internal/transport"
)

// Target identifies the physical device (dock) a call is addressed to.
type Target struct {
	Serial string
}

// DeviceError carries the device-side result code of a failed method call.
type DeviceError struct {
	Code   int
	Method string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device reported error code %d for %s", e.Code, e.Method)
}

// serviceRequest is the outbound wire envelope. tid is the transaction id
// used for correlation; bid groups the calls of one business flow.
type serviceRequest struct {
	Tid       string `json:"tid"`
	Bid       string `json:"bid"`
	Method    string `json:"method"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// ServiceReply is the inbound wire envelope published on the reply topic.
type ServiceReply struct {
	Tid       string    `json:"tid"`
	Bid       string    `json:"bid"`
	Method    string    `json:"method"`
	Timestamp int64     `json:"timestamp"`
	Data      ReplyData `json:"data"`
}

// ReplyData carries the device result code and the method-specific output.
// A zero result code means success.
type ReplyData struct {
	Result int             `json:"result"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Dispatcher is the outbound half of the pub/sub integration. Call publishes
// a method-addressed message and blocks on the correlated reply;
// FireAndForget publishes without registering a pending call.
type Dispatcher struct {
	pub    transport.Publisher
	table  *PendingCallTable
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher over the given publisher and table.
func NewDispatcher(pub transport.Publisher, table *PendingCallTable, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		pub:    pub,
		table:  table,
		logger: logger.With("component", "dispatch"),
	}
}

// Call instructs a device to execute a method and returns its output.
// The pending entry is registered before publishing so a fast reply cannot
// slip past the table; if the publish itself fails the entry is released and
// the transport error reported immediately.
func (d *Dispatcher) Call(ctx context.Context, target Target, method string, payload any, timeout time.Duration) (json.RawMessage, error) {
	tid := uuid.New().String()
	key := CorrelationKey{Serial: target.Serial, Method: method, RequestID: tid}

	call, err := d.table.Register(key, timeout)
	if err != nil {
		return nil, err
	}

	req := serviceRequest{
		Tid:       tid,
		Bid:       uuid.New().String(),
		Method:    method,
		Timestamp: time.Now().UnixMilli(),
		Data:      payload,
	}
	data, err := json.Marshal(req)
	if err != nil {
		d.table.Release(key)
		return nil, fmt.Errorf("marshaling %s request: %w", method, err)
	}

	if err := d.pub.Publish(transport.ServicesTopic(target.Serial), data); err != nil {
		// Never wait on a message that was not sent.
		d.table.Release(key)
		return nil, err
	}

	d.logger.Debug("method call published",
		"serial", target.Serial,
		"method", method,
		"tid", tid,
	)

	raw, err := d.table.Await(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("calling %s on %s: %w", method, target.Serial, err)
	}

	var reply ServiceReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decoding %s reply from %s: %w", method, target.Serial, err)
	}
	if reply.Data.Result != 0 {
		return nil, &DeviceError{Code: reply.Data.Result, Method: method}
	}
	return reply.Data.Output, nil
}

// FireAndForget publishes a method message without waiting for a reply.
// Used for commands with no meaningful synchronous response.
func (d *Dispatcher) FireAndForget(target Target, method string, payload any) error {
	req := serviceRequest{
		Tid:       uuid.New().String(),
		Bid:       uuid.New().String(),
		Method:    method,
		Timestamp: time.Now().UnixMilli(),
		Data:      payload,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", method, err)
	}
	return d.pub.Publish(transport.ServicesTopic(target.Serial), data)
}

// HandleReply is the inbound side: it parses a reply envelope from a device
// reply topic and resolves the matching pending call. Late or duplicate
// replies resolve nothing and are dropped quietly by the table.
func (d *Dispatcher) HandleReply(topic string, payload []byte) {
	serial := transport.SerialFromTopic(topic)
	if serial == "" {
		d.logger.Warn("reply on unexpected topic", "topic", topic)
		return
	}

	var reply ServiceReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		d.logger.Warn("undecodable reply", "topic", topic, "error", err)
		return
	}
	if reply.Tid == "" {
		d.logger.Warn("reply without tid", "topic", topic, "method", reply.Method)
		return
	}

	key := CorrelationKey{Serial: serial, Method: reply.Method, RequestID: reply.Tid}
	d.table.Resolve(key, payload)
}
