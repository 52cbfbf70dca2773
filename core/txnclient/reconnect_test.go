package txnclient

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestReconnectDuringSeal is spec scenario S3: the connection thread runs
// StartReconnect concurrently with internalSeal's own OPEN->SEALED CAS, the
// way it actually happens — one goroutine running the application thread's
// seal, another the connection thread's reconnect, released off a shared
// barrier so the Go scheduler is free to interleave them either way.
// Whichever wins the race for the phase slot, the end state must be the
// same: the predecessor's residual state flushed onto the successor
// exactly once, and the successor itself sealed.
func TestReconnectDuringSeal(t *testing.T) {
	ctx := context.Background()
	txn, _, adapter := newTestProxy("hist-s3", KindRemote, false)
	succ, _, succAdapter := newTestProxy("hist-s3", KindRemote, false)

	recordedReq := newPreCommitRequest(txn.ID(), txn.seq.nextSequence())
	txn.RecordSuccessfulRequest(recordedReq)
	txn.RecordFinishedRequest()
	txn.RecordFinishedRequest()

	queue := &EntryQueue{}
	queue.Enqueue(txn.ID(), newPreCommitRequest(txn.ID(), 99), noopCallback)

	// Simulate the sealed-CAS having already run, as Seal() does before
	// calling internalSeal.
	require.True(t, txn.sealed.CompareAndSwap(0, 1))

	start := make(chan struct{})

	var sealDone sync.WaitGroup
	sealDone.Add(1)
	go func() {
		defer sealDone.Done()
		<-start
		txn.internalSeal(ctx)
	}()

	reconnectDone := make(chan *successorState, 1)
	go func() {
		<-start
		reconnectDone <- txn.StartReconnect(ctx)
	}()

	close(start) // release both goroutines together; the scheduler picks the order

	<-reconnectDone

	txn.ReplayMessages(ctx, succ, queue)
	txn.FinishReconnect()

	sealDone.Wait() // unblocks internalSeal if it lost the race and is parked awaiting the successor

	require.Equal(t, 0, txn.log.len(), "predecessor log must be empty after replay")
	require.Len(t, succAdapter.handledForwarded, 1)
	require.Equal(t, recordedReq, succAdapter.handledForwarded[0])
	require.Equal(t, uint64(2), succ.seq.next, "two folded acks must advance the successor's sequence by 2")

	require.Len(t, adapter.forwardedRemote, 1, "the queued in-flight request must be replayed via the predecessor's adapter")
	require.Same(t, succ, adapter.forwardedRemote[0].successor)

	require.Same(t, succ, adapter.flushedTo)
	require.True(t, succAdapter.sealed, "successor must end up sealed")
	require.Equal(t, int32(1), succ.sealed.Load())
}

// TestReconnectDuringCanCommit is spec scenario S4: the application is
// racing StartReconnect from inside CanCommit's monitor section. The CAS
// SEALED->FLUSHED fails because phase is already SUCCESSOR; the caller
// awaits the latch, then retries CanCommit against the successor, and a
// CanCommitSuccess response still propagates as a yes vote.
func TestReconnectDuringCanCommit(t *testing.T) {
	ctx := context.Background()
	txn, parent, adapter := newTestProxy("hist-s4", KindLocal, false)

	require.NoError(t, txn.Seal(ctx))

	// The connection thread wins the race and installs a SUCCESSOR phase
	// before CanCommit's own CAS runs.
	txn.StartReconnect(ctx)

	voting := newFakeVoting()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, txn.CanCommit(ctx, voting))
	}()

	succ, _, succAdapter := newTestProxy("hist-s4", KindLocal, false)
	txn.ReplayMessages(ctx, succ, &EntryQueue{})
	txn.FinishReconnect()
	wg.Wait()

	require.True(t, succAdapter.sealed)

	canCommit := parent.takeSent(t)
	req, ok := canCommit.req.(*fakeCommitRequest)
	require.True(t, ok)
	require.True(t, req.coordinated)
	canCommit.cb(CanCommitSuccess{})

	require.Equal(t, 1, voting.yes)
	require.Equal(t, 1, succ.log.len())
}

// TestReplayMessages_LogOrderAndCoalescing covers invariant 4 directly: the
// log, after replay, is empty; prior entries arrive at the successor in
// original order exactly once; and IncrementSequence folding advances the
// successor's sequence by exactly the folded delta.
func TestReplayMessages_LogOrderAndCoalescing(t *testing.T) {
	ctx := context.Background()
	txn, _, _ := newTestProxy("hist-log", KindRemote, false)
	succ, _, succAdapter := newTestProxy("hist-log", KindRemote, false)

	first := newPreCommitRequest(txn.ID(), 0)
	second := newDoCommitRequest(txn.ID(), 1)
	txn.RecordSuccessfulRequest(first)
	txn.RecordFinishedRequest()
	txn.RecordFinishedRequest()
	txn.RecordFinishedRequest()
	txn.RecordSuccessfulRequest(second)

	txn.StartReconnect(ctx)
	txn.ReplayMessages(ctx, succ, &EntryQueue{})
	txn.FinishReconnect()

	require.Equal(t, 0, txn.log.len())
	require.Equal(t, []TransactionRequest{first, second}, succAdapter.handledForwarded)
	require.Equal(t, uint64(3), succ.seq.next)
}
