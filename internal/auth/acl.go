// ABOUTME: Broker topic ACL construction for DRC control sessions.
// ABOUTME: Scopes a token to exactly one device's up/down control topics.

package auth

import "github.com/airhive/dock-gateway/internal/transport"

// DrcACL builds the topic scope for one user's control session on one device:
// publish on the command downlink, subscribe to the feedback uplink. Nothing
// else in the namespace is reachable with this token.
func DrcACL(serial string) ACL {
	return ACL{
		Pub: []string{transport.DrcDownTopic(serial)},
		Sub: []string{transport.DrcUpTopic(serial)},
	}
}
