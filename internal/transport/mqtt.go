// ABOUTME: MQTT implementation of the pub/sub transport using paho.
// ABOUTME: Owns the broker client lifecycle, QoS policy, and resubscription.

package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	// qosAtLeastOnce is used for all service traffic. Duplicate deliveries
	// are tolerated upstream (pending-call resolution is idempotent, events
	// are deduped by message id).
	qosAtLeastOnce = 1

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// MQTTConfig holds broker connection parameters.
type MQTTConfig struct {
	BrokerURL string
	Username  string
	Password  string
	ClientID  string
}

// MQTTClient implements PubSub over an MQTT 3.1.1 broker.
type MQTTClient struct {
	client mqtt.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]Handler // topic filter -> handler, replayed on reconnect
}

// NewMQTTClient connects to the broker and returns a ready transport.
// Subscriptions registered through Subscribe are re-established automatically
// after a reconnect.
func NewMQTTClient(cfg MQTTConfig, logger *slog.Logger) (*MQTTClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &MQTTClient{
		logger: logger.With("component", "mqtt"),
		subs:   make(map[string]Handler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn("broker connection lost", "error", err)
		})

	c.client = mqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connecting to broker %s: timeout", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to broker %s: %w", cfg.BrokerURL, err)
	}

	c.logger.Info("connected to broker", "url", cfg.BrokerURL, "client_id", cfg.ClientID)
	return c, nil
}

// Publish sends a payload to a topic. Failure is reported immediately as
// ErrPublish so callers never wait on a message that was not sent.
func (c *MQTTClient) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, qosAtLeastOnce, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: publish to %s timed out", ErrPublish, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return nil
}

// Subscribe registers a handler for a topic filter. Each inbound message is
// handed to the handler on its own goroutine so a slow handler cannot stall
// the broker client loop.
func (c *MQTTClient) Subscribe(topicFilter string, handler Handler) error {
	c.mu.Lock()
	c.subs[topicFilter] = handler
	c.mu.Unlock()

	return c.subscribe(topicFilter, handler)
}

func (c *MQTTClient) subscribe(topicFilter string, handler Handler) error {
	token := c.client.Subscribe(topicFilter, qosAtLeastOnce, func(_ mqtt.Client, msg mqtt.Message) {
		// Copy out of the paho buffer before leaving the callback.
		payload := make([]byte, len(msg.Payload()))
		copy(payload, msg.Payload())
		go handler(msg.Topic(), payload)
	})
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("subscribing to %s: timeout", topicFilter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topicFilter, err)
	}
	c.logger.Debug("subscribed", "filter", topicFilter)
	return nil
}

// onConnect replays subscriptions after an (re)connect.
func (c *MQTTClient) onConnect(_ mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]Handler, len(c.subs))
	for f, h := range c.subs {
		subs[f] = h
	}
	c.mu.Unlock()

	for filter, handler := range subs {
		if err := c.subscribe(filter, handler); err != nil {
			c.logger.Error("resubscribe failed", "filter", filter, "error", err)
		}
	}
}

// Close disconnects from the broker, allowing in-flight work to drain.
func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
	c.logger.Info("disconnected from broker")
}
