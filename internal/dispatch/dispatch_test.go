// ABOUTME: Tests for outbound method dispatch and inbound reply routing.
// ABOUTME: Uses a fake publisher to simulate device replies and transport failures.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/airhive/dock-gateway/internal/transport"
)

// fakePublisher records published messages and can simulate failures or a
// device that replies after a delay.
type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error

	// replyWith, when set, spawns a simulated device reply after replyDelay.
	replyWith  func(req serviceRequest) ServiceReply
	replyDelay time.Duration
	dispatcher *Dispatcher
}

type publishedMessage struct {
	topic   string
	payload []byte
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return err
	}
	p.messages = append(p.messages, publishedMessage{topic: topic, payload: payload})
	reply := p.replyWith
	delay := p.replyDelay
	d := p.dispatcher
	p.mu.Unlock()

	if reply == nil || d == nil {
		return nil
	}

	var req serviceRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	go func() {
		time.Sleep(delay)
		resp := reply(req)
		data, _ := json.Marshal(resp)
		d.HandleReply("thing/product/SN1/services_reply", data)
	}()
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func okReply(req serviceRequest) ServiceReply {
	return ServiceReply{
		Tid:       req.Tid,
		Bid:       req.Bid,
		Method:    req.Method,
		Timestamp: time.Now().UnixMilli(),
		Data:      ReplyData{Result: 0, Output: json.RawMessage(`{"status":"ok"}`)},
	}
}

func newTestDispatcher(t *testing.T, pub *fakePublisher) *Dispatcher {
	t.Helper()
	table := NewPendingCallTable(50*time.Millisecond, nil)
	t.Cleanup(table.Close)
	d := NewDispatcher(pub, table, nil)
	pub.dispatcher = d
	return d
}

func TestCallResolvesWithReply(t *testing.T) {
	pub := &fakePublisher{replyWith: okReply, replyDelay: 20 * time.Millisecond}
	d := newTestDispatcher(t, pub)

	out, err := d.Call(context.Background(), Target{Serial: "SN1"}, "drc_mode_enter", map[string]any{"mqtt_broker": "tcp://b:1883"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(out) != `{"status":"ok"}` {
		t.Errorf("Call() output = %s", out)
	}

	if pub.count() != 1 {
		t.Fatalf("published %d messages, want 1", pub.count())
	}
	pub.mu.Lock()
	msg := pub.messages[0]
	pub.mu.Unlock()
	if msg.topic != "thing/product/SN1/services" {
		t.Errorf("published to %q", msg.topic)
	}

	var req serviceRequest
	if err := json.Unmarshal(msg.payload, &req); err != nil {
		t.Fatalf("unmarshaling published request: %v", err)
	}
	if req.Method != "drc_mode_enter" || req.Tid == "" || req.Bid == "" {
		t.Errorf("malformed request envelope: %+v", req)
	}
}

func TestCallTimesOutWithoutReply(t *testing.T) {
	pub := &fakePublisher{} // never replies
	d := newTestDispatcher(t, pub)

	start := time.Now()
	_, err := d.Call(context.Background(), Target{Serial: "SN1"}, "drc_mode_enter", nil, 100*time.Millisecond)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("Call() error = %v, want ErrCallTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Call() returned after %v, before the timeout", elapsed)
	}
	// Table must be empty afterwards.
	if got := d.table.Len(); got != 0 {
		t.Errorf("table Len() = %d after timeout, want 0", got)
	}
}

func TestCallDeviceError(t *testing.T) {
	pub := &fakePublisher{
		replyWith: func(req serviceRequest) ServiceReply {
			r := okReply(req)
			r.Data = ReplyData{Result: 514300}
			return r
		},
	}
	d := newTestDispatcher(t, pub)

	_, err := d.Call(context.Background(), Target{Serial: "SN1"}, "drc_mode_enter", nil, time.Second)
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("Call() error = %v, want DeviceError", err)
	}
	if devErr.Code != 514300 {
		t.Errorf("DeviceError.Code = %d, want 514300", devErr.Code)
	}
}

func TestCallPublishFailureLeavesNoPendingEntry(t *testing.T) {
	pub := &fakePublisher{err: transport.ErrPublish}
	d := newTestDispatcher(t, pub)

	_, err := d.Call(context.Background(), Target{Serial: "SN1"}, "drc_mode_enter", nil, time.Second)
	if !errors.Is(err, transport.ErrPublish) {
		t.Fatalf("Call() error = %v, want ErrPublish", err)
	}
	if got := d.table.Len(); got != 0 {
		t.Errorf("table Len() = %d after publish failure, want 0", got)
	}
}

func TestFireAndForget(t *testing.T) {
	pub := &fakePublisher{}
	d := newTestDispatcher(t, pub)

	if err := d.FireAndForget(Target{Serial: "SN1"}, "drc_heartbeat", map[string]int{"seq": 1}); err != nil {
		t.Fatalf("FireAndForget() error = %v", err)
	}
	if pub.count() != 1 {
		t.Errorf("published %d messages, want 1", pub.count())
	}
	if got := d.table.Len(); got != 0 {
		t.Errorf("table Len() = %d, want 0 (no pending call)", got)
	}
}

func TestHandleReplyIgnoresGarbage(t *testing.T) {
	pub := &fakePublisher{}
	d := newTestDispatcher(t, pub)

	d.HandleReply("thing/product/SN1/services_reply", []byte(`not json`))
	d.HandleReply("bogus/topic", []byte(`{}`))
	d.HandleReply("thing/product/SN1/services_reply", []byte(`{"method":"x"}`)) // missing tid
}

func TestEndToEndLateAndMissingReplies(t *testing.T) {
	t.Run("reply after 500ms within 2s deadline", func(t *testing.T) {
		pub := &fakePublisher{replyWith: okReply, replyDelay: 500 * time.Millisecond}
		d := newTestDispatcher(t, pub)

		out, err := d.Call(context.Background(), Target{Serial: "SN1"}, "enter_drc", nil, 2*time.Second)
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if string(out) != `{"status":"ok"}` {
			t.Errorf("Call() output = %s", out)
		}
		if got := d.table.Len(); got != 0 {
			t.Errorf("table Len() = %d, want 0", got)
		}
	})

	t.Run("no reply within 2s fails with timeout", func(t *testing.T) {
		pub := &fakePublisher{}
		d := newTestDispatcher(t, pub)

		_, err := d.Call(context.Background(), Target{Serial: "SN1"}, "enter_drc", nil, 2*time.Second)
		if !errors.Is(err, ErrCallTimeout) {
			t.Fatalf("Call() error = %v, want ErrCallTimeout", err)
		}
		if got := d.table.Len(); got != 0 {
			t.Errorf("table Len() = %d, want 0", got)
		}
	})
}
