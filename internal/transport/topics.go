// ABOUTME: Topic name construction for the device messaging namespace.
// ABOUTME: Single place that knows how serial numbers map onto broker topics.

package transport

import "strings"

// Topic namespace roots.
const (
	productRoot = "thing/product/"
	drcRoot     = "thing/drc/"
)

// ServicesTopic is the outbound method-call topic for a device.
func ServicesTopic(serial string) string {
	return productRoot + serial + "/services"
}

// ServicesReplyTopic carries the device's replies to method calls.
func ServicesReplyTopic(serial string) string {
	return productRoot + serial + "/services_reply"
}

// ServicesReplyFilter subscribes to every device's reply topic.
func ServicesReplyFilter() string {
	return productRoot + "+/services_reply"
}

// EventsTopic carries device-initiated events (progress, alarms).
func EventsTopic(serial string) string {
	return productRoot + serial + "/events"
}

// EventsFilter subscribes to every device's event topic.
func EventsFilter() string {
	return productRoot + "+/events"
}

// StatusTopic carries online/offline announcements for a device.
func StatusTopic(serial string) string {
	return productRoot + serial + "/status"
}

// StatusFilter subscribes to every device's status topic.
func StatusFilter() string {
	return productRoot + "+/status"
}

// OSDTopic carries periodic telemetry for a device.
func OSDTopic(serial string) string {
	return productRoot + serial + "/osd"
}

// OSDFilter subscribes to every device's telemetry topic.
func OSDFilter() string {
	return productRoot + "+/osd"
}

// DrcUpTopic is where the device publishes high-rate control feedback.
func DrcUpTopic(serial string) string {
	return drcRoot + serial + "/drone/up"
}

// DrcDownTopic is where the controlling user publishes high-rate commands.
func DrcDownTopic(serial string) string {
	return drcRoot + serial + "/drone/down"
}

// SerialFromTopic extracts the device serial from a namespace topic, or ""
// if the topic does not match the expected shape.
func SerialFromTopic(topic string) string {
	rest, ok := strings.CutPrefix(topic, productRoot)
	if !ok {
		if rest, ok = strings.CutPrefix(topic, drcRoot); !ok {
			return ""
		}
	}
	serial, _, found := strings.Cut(rest, "/")
	if !found {
		return ""
	}
	return serial
}
