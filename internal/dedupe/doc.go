// Package dedupe provides replay suppression for at-least-once message
// delivery using a time-based, size-bounded cache of seen message ids.
package dedupe
