package txnclient

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// QueueEntry is one in-flight request waiting on the parent's per-proxy
// connection queue: sent towards the old connection but not yet
// acknowledged when a reconnect started, so it must be retried against
// whichever proxy ends up handling this transaction after the reconnect
// (spec §4.3).
type QueueEntry struct {
	Request  TransactionRequest
	Callback ResponseCallback
}

// ConnectionQueue is the parent-owned seam ReplayMessages drains: the
// in-flight requests queued against one transaction at the moment its
// connection died. Out of scope here per spec §1 (owned by ProxyHistory);
// EntryQueue below is a reference implementation a Parent can embed.
type ConnectionQueue interface {
	// TakeFor removes and returns every entry queued for id, in the order
	// they were enqueued. Must be safe to call from the connection thread.
	TakeFor(id TransactionIdentifier) []QueueEntry
}

// EntryQueue is a minimal, mutex-guarded ConnectionQueue implementation,
// the same in-place-filter idiom core/write_engine/wal uses to drain a
// pending-segment slice.
type EntryQueue struct {
	mu      sync.Mutex
	entries []QueueEntry
}

// Enqueue appends an in-flight entry for id.
func (q *EntryQueue) Enqueue(id TransactionIdentifier, request TransactionRequest, callback ResponseCallback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, QueueEntry{Request: request, Callback: callback})
	_ = id // id addressing is left to a richer ConnectionQueue; EntryQueue is single-transaction.
}

// TakeFor removes and returns every queued entry, in FIFO order.
func (q *EntryQueue) TakeFor(TransactionIdentifier) []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	taken := q.entries
	q.entries = nil
	return taken
}

// StartReconnect installs a transient SUCCESSOR phase over whatever phase
// this proxy was in, under the intrusive monitor that also serializes the
// DirectCommit/CanCommit fast paths (spec §5, §9). Must never be called
// while holding the parent's connection queue lock: ReplayMessages below
// takes that lock by calling into queue.TakeFor, and if the caller already
// held it while also holding t.mu, a concurrent fast-path commit taking
// t.mu first and then blocking on the parent's queue lock would deadlock
// against it (AB-BA).
func (t *ProxyTransaction) StartReconnect(ctx context.Context) *successorState {
	t.mu.Lock()
	defer t.mu.Unlock()

	// internalSeal's OPEN->SEALED CAS (transaction.go) never takes t.mu: it
	// races the connection thread unsynchronized, same as the Java
	// original's seal(), which is safe there only because
	// STATE_UPDATER.getAndSet is a single atomic read-and-replace. A
	// Load() here followed by a later Store() would reopen exactly that
	// TOCTOU window in Go (internalSeal's CAS could land in between and
	// have its result silently clobbered). Swap is the read-and-replace
	// equivalent of getAndSet, so prev can never be stale.
	state := newSuccessorState()
	prev := t.ph.Swap(&phase{kind: phaseSuccessor, succ: state})
	if prev.kind == phaseSuccessor {
		panic(fmt.Sprintf("txnclient: proxy %s: StartReconnect called twice", t.id))
	}
	state.prev = prev
	t.logger.Debug("reconnect started", zap.Stringer("id", t.id), zap.Stringer("prevPhase", prev))
	t.metrics.recordReconnect(ctx)
	return state
}

// ReplayMessages binds successor into the SUCCESSOR phase installed by
// StartReconnect, then replays both axes of state onto it exactly once, in
// order (spec §4.3, §8 invariant 4):
//
//  1. the successful-request log, drained from this proxy and replayed
//     onto successor's adapter;
//  2. the in-flight connection queue, forwarded with its original
//     callbacks so a caller blocked on one of those callbacks still gets a
//     response;
//  3. if this proxy was already sealed when the reconnect began, the
//     adapter's residual state and the seal itself, so the successor ends
//     up sealed too.
//
// Must run on the connection thread, strictly before FinishReconnect.
func (t *ProxyTransaction) ReplayMessages(ctx context.Context, successor *ProxyTransaction, queue ConnectionQueue) {
	state := t.currentSuccessorState()
	state.setSuccessor(successor)

	for _, entry := range t.log.drain() {
		switch e := entry.(type) {
		case requestEntry:
			successor.adapter.HandleForwardedRemoteRequest(e.request, noopCallback)
		case incrementEntry:
			successor.seq.incrementSequence(e.delta)
		default:
			panic(fmt.Sprintf("txnclient: proxy %s: unknown log entry type %T", t.id, entry))
		}
	}

	for _, entry := range queue.TakeFor(t.id) {
		t.ReplayRequest(successor, entry.Request, entry.Callback)
	}

	if state.prev == sealedPhase {
		t.adapter.FlushState(successor)
		successor.EnsureSealed(ctx)
	}

	t.logger.Debug("reconnect messages replayed", zap.Stringer("id", t.id), zap.Stringer("successor", successor.id))
}

// FinishReconnect releases every application thread parked in
// awaitSuccessor. Must run strictly after ReplayMessages has bound the
// successor field, since await() panics if the latch opens before that
// happens.
func (t *ProxyTransaction) FinishReconnect() {
	t.currentSuccessorState().latch.finish()
	t.logger.Debug("reconnect finished", zap.Stringer("id", t.id))
}

// ReplayRequest retries one in-flight request that was queued against this
// (the predecessor's) connection, routing it to successor via whichever of
// ForwardToLocal/ForwardToRemote matches successor's adapter kind (spec
// §4.3). The request is re-sent through this proxy's own adapter, since
// only it knows how to address the successor from wherever it currently
// sits.
func (t *ProxyTransaction) ReplayRequest(successor *ProxyTransaction, request TransactionRequest, callback ResponseCallback) {
	switch successor.adapter.Kind() {
	case KindLocal:
		t.adapter.ForwardToLocal(successor, request, callback)
	case KindRemote:
		t.adapter.ForwardToRemote(successor, request, callback)
	default:
		panic(fmt.Sprintf("txnclient: proxy %s: successor %s has unknown adapter kind %d", t.id, successor.id, successor.adapter.Kind()))
	}
}
