package txnclient

import (
	"context"
	"sync"
)

// latch is a one-shot countdown gate: finish() opens it exactly once,
// await() blocks until it is open (or the caller's context is done). It is
// the only blocking primitive this package uses, mirroring the
// close(stopChan)-then-receive idiom already used for shutdown signaling
// in core/replication/eventsender and core/replication/log_replication
// (ReplicaConnectionInfo.StopChan), rather than a sync.Cond or a
// third-party notification library.
type latch struct {
	once sync.Once
	ch   chan struct{}
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

// finish opens the latch. Safe to call more than once; only the first call
// has any effect.
func (l *latch) finish() {
	l.once.Do(func() { close(l.ch) })
}

// await blocks until finish() has been called or ctx is done. A cancelled
// context is converted to ErrReconnectAborted: per spec §5, interruption
// while awaiting a successor is fatal to the transaction, it cannot be
// un-split.
func (l *latch) await(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ErrReconnectAborted
	}
}
