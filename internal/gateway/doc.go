// Package gateway assembles the dock-gateway server: the MQTT transport
// toward docks and drones, the authenticated HTTP/WebSocket surface toward
// users, and the dispatch and DRC machinery between them.
package gateway
