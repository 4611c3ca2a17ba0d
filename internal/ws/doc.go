// Package ws tracks realtime WebSocket client connections and fans
// notifications out to them.
//
// The SessionRegistry groups connections by (workspace, user type, user id);
// a user may hold several concurrent connections. The Broadcaster resolves
// target groups through the registry and delivers best effort: closed or
// broken connections are evicted and delivery continues for the rest.
package ws
