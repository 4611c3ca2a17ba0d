// ABOUTME: Correlates asynchronous request/reply pairs exchanged over the pub/sub transport.
// ABOUTME: Enforces at-most-one resolution per key under concurrent reply/timeout races.

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Correlation errors surfaced to callers.
var (
	ErrDuplicateCorrelation = errors.New("correlation key already pending")
	ErrCallTimeout          = errors.New("call timed out")
)

// CorrelationKey ties an outbound request to its eventual asynchronous reply.
// RequestID is freshly generated per call, so collisions mean a caller bug.
type CorrelationKey struct {
	Serial    string
	Method    string
	RequestID string
}

// callResult is what a resolved call delivers to its awaiter.
type callResult struct {
	payload []byte
	err     error
}

// PendingCall is one in-flight request awaiting a correlated reply.
// The done channel is buffered so resolution never blocks on the awaiter.
type PendingCall struct {
	key      CorrelationKey
	created  time.Time
	deadline time.Time
	done     chan callResult
}

// PendingCallTable tracks in-flight calls. An entry is mutated exactly once:
// the matching reply, an Await timeout, a cancellation, or the background
// sweep removes it, and whichever pops the entry from the map wins.
type PendingCallTable struct {
	mu     sync.Mutex
	calls  map[CorrelationKey]*PendingCall
	logger *slog.Logger

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewPendingCallTable creates a table and starts its background sweep, which
// expires abandoned entries so the table cannot grow without bound.
func NewPendingCallTable(sweepInterval time.Duration, logger *slog.Logger) *PendingCallTable {
	if logger == nil {
		logger = slog.Default()
	}
	t := &PendingCallTable{
		calls:         make(map[CorrelationKey]*PendingCall),
		logger:        logger.With("component", "pending"),
		sweepInterval: sweepInterval,
		stop:          make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Register creates a pending entry for a correlation key. Must be called
// before the request is published. Returns ErrDuplicateCorrelation if the key
// is already in flight.
func (t *PendingCallTable) Register(key CorrelationKey, timeout time.Duration) (*PendingCall, error) {
	now := time.Now()
	call := &PendingCall{
		key:      key,
		created:  now,
		deadline: now.Add(timeout),
		done:     make(chan callResult, 1),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.calls[key]; exists {
		return nil, ErrDuplicateCorrelation
	}
	t.calls[key] = call
	return call, nil
}

// Resolve fulfills the pending call for a key with the reply payload and
// wakes the awaiter. If no entry exists (already resolved, timed out, or
// never registered) the reply is late or duplicated and this is a no-op.
func (t *PendingCallTable) Resolve(key CorrelationKey, payload []byte) {
	t.resolve(key, callResult{payload: payload})
}

// Fail fulfills the pending call for a key with an error. No-op when absent.
func (t *PendingCallTable) Fail(key CorrelationKey, err error) {
	t.resolve(key, callResult{err: err})
}

// resolve pops the entry and delivers the result while holding the lock.
// Popping under the lock is what guarantees at-most-one resolution: the
// buffered send cannot block, and every other path checks the map first.
func (t *PendingCallTable) resolve(key CorrelationKey, res callResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	call, ok := t.calls[key]
	if !ok {
		t.logger.Debug("reply for unknown correlation key",
			"serial", key.Serial,
			"method", key.Method,
			"request_id", key.RequestID,
		)
		return
	}
	delete(t.calls, key)
	call.done <- res
}

// Release removes a pending entry without delivering a result. Used when the
// publish that should have followed Register failed. No-op when absent.
func (t *PendingCallTable) Release(key CorrelationKey) {
	t.mu.Lock()
	delete(t.calls, key)
	t.mu.Unlock()
}

// Await blocks until the call resolves, its deadline passes, or ctx is done.
// On timeout the entry is removed atomically and ErrCallTimeout returned; a
// reply racing with the timeout wins only if it popped the entry first, in
// which case its buffered result is already waiting for us.
func (t *PendingCallTable) Await(ctx context.Context, call *PendingCall) ([]byte, error) {
	timer := time.NewTimer(time.Until(call.deadline))
	defer timer.Stop()

	select {
	case res := <-call.done:
		return res.payload, res.err

	case <-timer.C:
		if t.tryRemove(call.key) {
			return nil, ErrCallTimeout
		}
		// A resolution won the race; its result is in the buffer.
		res := <-call.done
		return res.payload, res.err

	case <-ctx.Done():
		// Cancellation releases the entry rather than leaking it.
		if t.tryRemove(call.key) {
			return nil, ctx.Err()
		}
		res := <-call.done
		return res.payload, res.err
	}
}

// tryRemove removes an entry and reports whether it was still present.
func (t *PendingCallTable) tryRemove(key CorrelationKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.calls[key]; !ok {
		return false
	}
	delete(t.calls, key)
	return true
}

// Len returns the number of in-flight calls.
func (t *PendingCallTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Close stops the background sweep and fails any remaining entries.
func (t *PendingCallTable) Close() {
	t.stopOnce.Do(func() { close(t.stop) })

	t.mu.Lock()
	defer t.mu.Unlock()
	for key, call := range t.calls {
		delete(t.calls, key)
		call.done <- callResult{err: ErrCallTimeout}
	}
}

// sweep periodically expires entries past their deadline, even if nobody is
// currently awaiting them.
func (t *PendingCallTable) sweep() {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.expire(now)
		}
	}
}

func (t *PendingCallTable) expire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, call := range t.calls {
		if now.Before(call.deadline) {
			continue
		}
		delete(t.calls, key)
		call.done <- callResult{err: ErrCallTimeout}
		t.logger.Debug("expired pending call",
			"serial", key.Serial,
			"method", key.Method,
			"request_id", key.RequestID,
			"age", now.Sub(call.created),
		)
	}
}
