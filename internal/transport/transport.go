// ABOUTME: Pub/sub transport boundary consumed by the dispatch layer.
// ABOUTME: Defines publish/subscribe interfaces independent of the broker product.

package transport

import "errors"

// ErrPublish indicates the transport could not hand the message to the broker.
var ErrPublish = errors.New("transport publish failed")

// Handler processes one inbound message for a subscribed topic filter.
// Handlers are invoked on independent goroutines; they must not block on the
// transport itself.
type Handler func(topic string, payload []byte)

// Publisher is the outbound half of the pub/sub boundary.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Subscriber is the inbound half. The topic filter may contain broker
// wildcards (+, #).
type Subscriber interface {
	Subscribe(topicFilter string, handler Handler) error
}

// PubSub is the full transport surface the gateway wires against.
type PubSub interface {
	Publisher
	Subscriber
	Close()
}
