// Package drc owns the direct-remote-control lifecycle for dock devices:
// the IDLE/CONNECTING/ACTIVE/EXITING state machine, scoped control-token
// issuance, and forced release on device loss.
package drc
