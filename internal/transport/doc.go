// Package transport is the pub/sub boundary between the gateway and its
// devices. It defines the publish/subscribe interfaces, the topic naming
// scheme, and the MQTT implementation used in production.
package transport
