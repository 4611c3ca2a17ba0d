// Package auth provides JWT issuance and verification for dock-gateway.
//
// Two token flavors share one claim layout: general user tokens (no ACL)
// gate the HTTP API and WebSocket endpoint, and DRC control tokens carry a
// broker topic ACL scoped to exactly one device's control channel. Claims
// are mapped to and from the JWT claim set by explicit hand-written
// conversion so the wire layout stays visible and round-trip tested.
package auth
