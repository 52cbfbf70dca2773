package txnclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ProxyTransaction is the client-side handle for an in-flight transaction
// against one backend shard: it translates the user-facing operations
// (read/exists/write/merge/delete/seal/commit/abort) into requests routed
// through Parent, and participates in a reconnect as either predecessor or
// successor (see reconnect.go).
//
// Not safe for concurrent use by multiple application-thread callers (spec
// §5); the connection-thread entry points in reconnect.go may run
// concurrently with any application call at any time.
type ProxyTransaction struct {
	id      TransactionIdentifier
	parent  Parent
	adapter BackendAdapter
	logger  *zap.Logger
	metrics *ProxyMetrics

	// Touched by the application thread only.
	seq sequenceAllocator
	log successfulRequestLog

	// sealed flips 0->1 exactly once, the user-visible point of no
	// return. ph evolves along OPEN -> SEALED -> FLUSHED, with a
	// transient SUCCESSOR wrapper that may be installed from any of
	// those states. See phase.go.
	sealed atomic.Int32
	ph     atomic.Pointer[phase]

	// mu is the intrusive monitor shared by StartReconnect and the
	// DirectCommit/CanCommit fast paths (spec §5, §9 "Monitor that also
	// fences successor installation"). It guards nothing else and must
	// never be taken while holding the parent's connection queue lock.
	mu sync.Mutex
}

// NewProxyTransaction constructs a proxy in the OPEN, unsealed state.
// logger and metrics may be nil, in which case logging/telemetry are
// no-ops.
func NewProxyTransaction(id TransactionIdentifier, parent Parent, adapter BackendAdapter, logger *zap.Logger, metrics *ProxyMetrics) *ProxyTransaction {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &ProxyTransaction{
		id:      id,
		parent:  parent,
		adapter: adapter,
		logger:  logger.Named("proxy_transaction"),
		metrics: metrics,
	}
	t.ph.Store(openPhase)
	metrics.proxyOpened(context.Background())
	return t
}

// ID returns this proxy's transaction identifier.
func (t *ProxyTransaction) ID() TransactionIdentifier { return t.id }

func (t *ProxyTransaction) String() string {
	return fmt.Sprintf("ProxyTransaction{id=%s, phase=%s}", t.id, t.ph.Load())
}

func (t *ProxyTransaction) checkReadWrite() error {
	if t.adapter.IsSnapshotOnly() {
		return ErrReadOnlyViolation
	}
	return nil
}

func (t *ProxyTransaction) checkNotSealed() error {
	if t.sealed.Load() != 0 {
		return ErrAlreadySealed
	}
	return nil
}

func (t *ProxyTransaction) checkSealed() error {
	if t.sealed.Load() == 0 {
		return ErrNotSealed
	}
	return nil
}

func (t *ProxyTransaction) sendRequest(req TransactionRequest, callback ResponseCallback) {
	t.logger.Debug("sending request",
		zap.Stringer("id", t.id),
		zap.Uint64("sequence", req.Sequence()),
		zap.String("type", fmt.Sprintf("%T", req)))
	t.parent.SendRequest(req, callback)
}

// RecordSuccessfulRequest appends req to the successful-request log. Called
// by a concrete adapter once it has confirmation a request it sent for
// this transaction was acknowledged, so a later reconnect can replay it
// onto a successor (spec §4.1).
func (t *ProxyTransaction) RecordSuccessfulRequest(req TransactionRequest) {
	t.log.recordSuccessful(req)
}

// RecordFinishedRequest folds a read-type acknowledgement into the
// trailing IncrementSequence marker (spec §4.1).
func (t *ProxyTransaction) RecordFinishedRequest() {
	t.log.recordFinished()
}

// ---- §4.2 user-facing API ----

// Read delegates to the adapter. Requires the transaction not be sealed;
// does not allocate a sequence number at this layer (the adapter owns read
// addressing).
func (t *ProxyTransaction) Read(ctx context.Context, path Path) *ReadFuture {
	if err := t.checkNotSealed(); err != nil {
		return Resolved[*Node](nil, err)
	}
	opCtx, tracker := t.metrics.startOp(ctx, t.id, "Read")
	return observeFuture(tracker, opCtx, t.adapter.DoRead(opCtx, path))
}

// Exists delegates to the adapter. Requires the transaction not be sealed.
func (t *ProxyTransaction) Exists(ctx context.Context, path Path) *ExistsFuture {
	if err := t.checkNotSealed(); err != nil {
		return Resolved[bool](false, err)
	}
	opCtx, tracker := t.metrics.startOp(ctx, t.id, "Exists")
	return observeFuture(tracker, opCtx, t.adapter.DoExists(opCtx, path))
}

// Write requires read-write + not-sealed, then delegates to the adapter.
func (t *ProxyTransaction) Write(path Path, data []byte) error {
	if err := t.checkReadWrite(); err != nil {
		return err
	}
	if err := t.checkNotSealed(); err != nil {
		return err
	}
	t.adapter.DoWrite(path, data)
	return nil
}

// Merge requires read-write + not-sealed, then delegates to the adapter.
func (t *ProxyTransaction) Merge(path Path, data []byte) error {
	if err := t.checkReadWrite(); err != nil {
		return err
	}
	if err := t.checkNotSealed(); err != nil {
		return err
	}
	t.adapter.DoMerge(path, data)
	return nil
}

// Delete requires read-write + not-sealed, then delegates to the adapter.
func (t *ProxyTransaction) Delete(path Path) error {
	if err := t.checkReadWrite(); err != nil {
		return err
	}
	if err := t.checkNotSealed(); err != nil {
		return err
	}
	t.adapter.DoDelete(path)
	return nil
}

// Seal is the user-visible point of no return: a CAS of sealed 0->1, which
// must succeed exactly once per proxy.
func (t *ProxyTransaction) Seal(ctx context.Context) error {
	if !t.sealed.CompareAndSwap(0, 1) {
		return ErrDoubleSeal
	}
	t.internalSeal(ctx)
	return nil
}

// EnsureSealed is the idempotent variant invoked from the successor path:
// it seals only if no one has sealed yet, and is a no-op otherwise.
func (t *ProxyTransaction) EnsureSealed(ctx context.Context) {
	if t.sealed.CompareAndSwap(0, 1) {
		t.internalSeal(ctx)
	}
}

// internalSeal finalizes the adapter, notifies the parent, then attempts
// the OPEN->SEALED phase transition. If a reconnect has already moved phase
// to SUCCESSOR, it waits for the latch and finishes sealing on the
// successor instead (spec §4.2).
func (t *ProxyTransaction) internalSeal(ctx context.Context) {
	start := time.Now()
	t.adapter.DoSeal()
	t.parent.OnTransactionSealed(t)
	t.logger.Debug("sealing transaction", zap.Stringer("id", t.id))

	if t.ph.CompareAndSwap(openPhase, sealedPhase) {
		t.metrics.recordSealDuration(ctx, time.Since(start))
		return
	}

	successor, err := t.awaitSuccessor(ctx)
	if err != nil {
		t.logger.Error("seal aborted while awaiting successor", zap.Error(err), zap.Stringer("id", t.id))
		return
	}

	// The successor has completed its own transition but has not seen the
	// final part of our state, nor the fact that we are sealed. Propagate
	// state and seal the successor.
	t.adapter.FlushState(successor)
	successor.EnsureSealed(ctx)
	t.metrics.recordSealDuration(ctx, time.Since(start))
}

// Abort is the pre-seal cancellation path: invoked only for read-only or
// not-yet-sealed transactions, it sends an abort-equivalent and tells the
// parent to drop the transaction.
func (t *ProxyTransaction) Abort(ctx context.Context) error {
	if err := t.checkNotSealed(); err != nil {
		return err
	}
	t.adapter.DoAbort()
	t.parent.AbortTransaction(t)
	t.logger.Debug("transaction aborted pre-seal", zap.Stringer("id", t.id))
	return nil
}

// AbortCoordinated is the post-seal abort path: it sends an
// AbortRequest and translates the response into a vote, purging on
// completion.
func (t *ProxyTransaction) AbortCoordinated(ctx context.Context, voting Voting) error {
	if err := t.checkSealed(); err != nil {
		return err
	}

	req := newAbortRequest(t.id, t.seq.nextSequence())
	t.sendRequest(req, func(resp Response) {
		switch r := resp.(type) {
		case AbortSuccess:
			voting.VoteYes()
		case RequestFailure:
			voting.VoteNo(&ProtocolError{Class: CommitFailed, Op: "Abort", Cause: r.Cause})
		default:
			voting.VoteNo(unhandledResponse("Abort", resp))
		}
		// This is a terminal request, hence we do not record it.
		t.logger.Debug("abort completed", zap.Stringer("id", t.id))
		t.Purge(ctx)
	})
	return nil
}

// DirectCommit is the single-shard commit shortcut (spec §4.4): it attempts
// the SEALED->FLUSHED CAS under the proxy's intrusive monitor; on success
// it sends a non-coordinated commit request and purges on completion. If a
// reconnect has interfered, it awaits the successor and defers to it.
func (t *ProxyTransaction) DirectCommit(ctx context.Context) *Future[bool] {
	if err := t.checkReadWrite(); err != nil {
		return Resolved(false, err)
	}
	if err := t.checkSealed(); err != nil {
		return Resolved(false, err)
	}

	t.mu.Lock()
	if t.ph.CompareAndSwap(sealedPhase, flushedPhase) {
		t.mu.Unlock()

		fut, settle := NewFuture[bool]()
		req := mustRequest(t.adapter.CommitRequest(false))
		t.sendRequest(req, func(resp Response) {
			switch r := resp.(type) {
			case CommitSuccess:
				settle(true, nil)
			case RequestFailure:
				settle(false, &ProtocolError{Class: CommitFailed, Op: "DirectCommit", Cause: r.Cause})
			default:
				settle(false, unhandledResponse("DirectCommit", resp))
			}
			// Terminal request, hence not recorded.
			t.logger.Debug("directCommit completed", zap.Stringer("id", t.id))
			t.Purge(ctx)
		})
		return fut
	}
	t.mu.Unlock()

	successor, err := t.awaitSuccessor(ctx)
	if err != nil {
		return Resolved(false, err)
	}
	return successor.DirectCommit(ctx)
}

// CanCommit is phase one of the coordinated three-phase commit. Like
// DirectCommit it races StartReconnect under the intrusive monitor; on the
// fast path it records the request in the successful-request log so a
// later reconnect can replay it.
func (t *ProxyTransaction) CanCommit(ctx context.Context, voting Voting) error {
	if err := t.checkReadWrite(); err != nil {
		return err
	}
	if err := t.checkSealed(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.ph.CompareAndSwap(sealedPhase, flushedPhase) {
		t.mu.Unlock()

		req := mustRequest(t.adapter.CommitRequest(true))
		t.sendRequest(req, func(resp Response) {
			switch r := resp.(type) {
			case CanCommitSuccess:
				voting.VoteYes()
			case RequestFailure:
				voting.VoteNo(&ProtocolError{Class: CommitFailed, Op: "CanCommit", Cause: r.Cause})
			default:
				voting.VoteNo(unhandledResponse("CanCommit", resp))
			}
			t.RecordSuccessfulRequest(req)
			t.logger.Debug("canCommit completed", zap.Stringer("id", t.id))
		})
		return nil
	}
	t.mu.Unlock()

	successor, err := t.awaitSuccessor(ctx)
	if err != nil {
		voting.VoteNo(err)
		return err
	}
	return successor.CanCommit(ctx, voting)
}

// PreCommit runs only after a successful CanCommit, when phase is already
// FLUSHED; it performs no CAS of its own.
func (t *ProxyTransaction) PreCommit(ctx context.Context, voting Voting) error {
	if err := t.checkReadWrite(); err != nil {
		return err
	}
	if err := t.checkSealed(); err != nil {
		return err
	}

	req := newPreCommitRequest(t.id, t.seq.nextSequence())
	t.sendRequest(req, func(resp Response) {
		switch r := resp.(type) {
		case PreCommitSuccess:
			voting.VoteYes()
		case RequestFailure:
			voting.VoteNo(&ProtocolError{Class: CommitFailed, Op: "PreCommit", Cause: r.Cause})
		default:
			voting.VoteNo(unhandledResponse("PreCommit", resp))
		}
		t.onPreCommitComplete(req)
	})
	return nil
}

func (t *ProxyTransaction) onPreCommitComplete(req TransactionRequest) {
	// The backend has agreed the transaction has entered pre-commit,
	// meaning it will be committed to storage once the timeout completes.
	// All state has been replicated to the backend, so we do not need to
	// keep the accumulated log around. Retain only the preCommit request,
	// so a mid-preCommit reconnect still knows which request to use for
	// resync.
	t.log.clear()
	// TODO: this works, but can retain more state than strictly necessary
	// (e.g. batched operations folded into the commit request). An
	// adapter-supplied empty equivalent of this request would be enough.
	t.log.recordSuccessful(req)
	t.logger.Debug("preCommit completed, cleared successful request log", zap.Stringer("id", t.id))
}

// DoCommit is phase three: on any terminal outcome the proxy is purged.
func (t *ProxyTransaction) DoCommit(ctx context.Context, voting Voting) error {
	if err := t.checkReadWrite(); err != nil {
		return err
	}
	if err := t.checkSealed(); err != nil {
		return err
	}

	req := newDoCommitRequest(t.id, t.seq.nextSequence())
	t.sendRequest(req, func(resp Response) {
		switch r := resp.(type) {
		case CommitSuccess:
			voting.VoteYes()
		case RequestFailure:
			voting.VoteNo(&ProtocolError{Class: CommitFailed, Op: "DoCommit", Cause: r.Cause})
		default:
			voting.VoteNo(unhandledResponse("DoCommit", resp))
		}
		t.logger.Debug("doCommit completed", zap.Stringer("id", t.id))
		t.Purge(ctx)
	})
	return nil
}

// Purge is terminal: it clears the log, sends a PurgeRequest, and on
// acknowledgement notifies the parent to discard this proxy.
func (t *ProxyTransaction) Purge(ctx context.Context) {
	start := time.Now()
	t.log.clear()
	req := newPurgeRequest(t.id, t.seq.nextSequence())
	t.sendRequest(req, func(Response) {
		t.logger.Debug("purge completed", zap.Stringer("id", t.id))
		t.metrics.recordPurgeDuration(ctx, time.Since(start))
		t.metrics.proxyClosed(ctx)
		t.parent.CompleteTransaction(t)
	})
}

// awaitSuccessor blocks the caller until a reconnect in progress has bound
// and released a successor, then returns it.
func (t *ProxyTransaction) awaitSuccessor(ctx context.Context) (*ProxyTransaction, error) {
	return t.currentSuccessorState().await(ctx)
}

// currentSuccessorState asserts phase is SUCCESSOR and returns its payload.
// Calling this when phase is not SUCCESSOR is an invariant violation.
func (t *ProxyTransaction) currentSuccessorState() *successorState {
	p := t.ph.Load()
	if p.kind != phaseSuccessor {
		panic(fmt.Sprintf("txnclient: proxy %s phase %s has no successor state", t.id, p))
	}
	return p.succ
}

// mustRequest panics if an adapter violates its CommitRequest(coordinated)
// contract (spec §4.5: "Return a non-null commit request").
func mustRequest(req TransactionRequest) TransactionRequest {
	if req == nil {
		panic("txnclient: adapter.CommitRequest returned a nil request")
	}
	return req
}

// observeFuture wires ProxyMetrics completion tracking onto a future an
// adapter returned, without blocking the caller: a background goroutine
// waits for the future and closes out the tracked span/counter when it
// settles.
func observeFuture[T any](tracker *opTracker, ctx context.Context, fut *Future[T]) *Future[T] {
	if tracker == nil || tracker.m == nil {
		return fut
	}
	go func() {
		_, err := fut.Wait(context.Background())
		tracker.end(ctx, err)
	}()
	return fut
}
