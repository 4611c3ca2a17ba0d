// Package dispatch correlates asynchronous method calls to dock devices over
// the pub/sub transport.
//
// # Request/Reply Correlation
//
// When calling a device method, the dispatcher:
//
//  1. Generates a fresh transaction id (tid)
//  2. Registers a pending entry keyed by (serial, method, tid)
//  3. Publishes the addressed envelope on the device's services topic
//  4. Blocks on the entry until the reply topic delivers a matching tid
//
// The PendingCallTable guarantees at-most-one resolution per key: the reply
// handler, the await timeout, caller cancellation, and the background sweep
// all contend on an atomic check-and-remove, and whichever pops the entry
// wins. Late or duplicate replies resolve nothing and are dropped.
//
// # Failure Modes
//
//   - ErrDuplicateCorrelation: correlation key collision at register time
//   - ErrCallTimeout: no reply before the deadline (entry removed)
//   - transport.ErrPublish: broker unreachable; no pending entry is left behind
//   - DeviceError: the device replied with a nonzero result code
package dispatch
