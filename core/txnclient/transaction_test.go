package txnclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestReadThenDirectCommit_NoReconnect is spec scenario S1: a read, a
// write, a seal and a directCommit with no reconnect in play. The backend
// must see Write, then a non-coordinated Commit, then Purge, and the
// parent must be notified of completion exactly once.
func TestReadThenDirectCommit_NoReconnect(t *testing.T) {
	ctx := context.Background()
	txn, parent, adapter := newTestProxy("hist-1", KindLocal, false)
	adapter.readResult = &Node{Path: "/", Data: []byte("hello")}

	node, err := txn.Read(ctx, "/").Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), node.Data)

	require.NoError(t, txn.Write("/", []byte("hello")))

	require.NoError(t, txn.Seal(ctx))
	require.Len(t, parent.sealed, 1)

	fut := txn.DirectCommit(ctx)

	commit := parent.takeSent(t)
	req, ok := commit.req.(*fakeCommitRequest)
	require.True(t, ok, "expected a commit request, got %T", commit.req)
	require.False(t, req.coordinated)
	commit.cb(CommitSuccess{})

	purge := parent.takeSent(t)
	_, ok = purge.req.(*PurgeRequest)
	require.True(t, ok, "expected a PurgeRequest, got %T", purge.req)
	purge.cb(AbortSuccess{}) // Purge's callback ignores the response shape.

	ok2, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.True(t, ok2)

	require.Len(t, adapter.writes, 1)
	require.Equal(t, Path("/"), adapter.writes[0].path)
	require.Len(t, parent.completed, 1)
	require.Same(t, txn, parent.completed[0])
}

// TestDoubleSeal is spec scenario S2: a second Seal must fail with
// ErrDoubleSeal, and directCommit must still succeed against the state the
// first seal established.
func TestDoubleSeal(t *testing.T) {
	ctx := context.Background()
	txn, parent, _ := newTestProxy("hist-2", KindLocal, false)

	require.NoError(t, txn.Seal(ctx))
	err := txn.Seal(ctx)
	require.ErrorIs(t, err, ErrDoubleSeal)

	fut := txn.DirectCommit(ctx)
	commit := parent.takeSent(t)
	commit.cb(CommitSuccess{})
	purge := parent.takeSent(t)
	purge.cb(AbortSuccess{})

	ok, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

// TestEnsureSealedIdempotent: EnsureSealed called any number of times after
// the first has no additional effect.
func TestEnsureSealedIdempotent(t *testing.T) {
	ctx := context.Background()
	txn, parent, adapter := newTestProxy("hist-3", KindLocal, false)

	txn.EnsureSealed(ctx)
	txn.EnsureSealed(ctx)
	txn.EnsureSealed(ctx)

	require.Len(t, parent.sealed, 1)
	require.True(t, adapter.sealed)
}

// TestReadOnlySnapshot_WriteRejected_AbortDropsTransaction is spec scenario
// S5: a mutating call on a read-only snapshot fails ReadOnlyViolation, and
// a pre-seal Abort sends the abort-equivalent and tells the parent to drop
// the proxy.
func TestReadOnlySnapshot_WriteRejected_AbortDropsTransaction(t *testing.T) {
	ctx := context.Background()
	txn, parent, adapter := newTestProxy("hist-4", KindLocal, true)

	err := txn.Write("/", []byte("x"))
	require.ErrorIs(t, err, ErrReadOnlyViolation)

	require.NoError(t, txn.Abort(ctx))
	require.True(t, adapter.aborted)
	require.Len(t, parent.aborted, 1)
	require.Same(t, txn, parent.aborted[0])
}

// TestDoCommit_ProtocolViolation is spec scenario S6: an unrecognized
// response to a DoCommitRequest must be surfaced as a ProtocolViolation
// vote-no, and the proxy must still be purged.
func TestDoCommit_ProtocolViolation(t *testing.T) {
	ctx := context.Background()
	txn, parent, _ := newTestProxy("hist-5", KindLocal, false)
	voting := newFakeVoting()

	require.NoError(t, txn.Seal(ctx))
	require.NoError(t, txn.DoCommit(ctx, voting))

	doCommit := parent.takeSent(t)
	doCommit.cb(AbortSuccess{}) // not in DoCommit's closed response set

	require.True(t, voting.noed)
	var protoErr *ProtocolError
	require.True(t, errors.As(voting.noCause, &protoErr))
	require.Equal(t, ProtocolViolation, protoErr.Class)

	purge := parent.takeSent(t)
	purge.cb(AbortSuccess{})
	require.Len(t, parent.completed, 1)
}

// TestSequenceNumbersStrictlyIncreasing covers invariant 6: every request
// this proxy sends carries a strictly increasing sequence number.
func TestSequenceNumbersStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	txn, parent, _ := newTestProxy("hist-6", KindLocal, false)
	voting := newFakeVoting()

	require.NoError(t, txn.Seal(ctx))
	require.NoError(t, txn.AbortCoordinated(ctx, voting))
	abort := parent.takeSent(t)
	firstSeq := abort.req.Sequence()
	abort.cb(AbortSuccess{})

	purge := parent.takeSent(t)
	require.Greater(t, purge.req.Sequence(), firstSeq)
	purge.cb(AbortSuccess{})
}

// TestPurgeAndCompleteExactlyOnce covers invariant 1 over the
// canCommit/preCommit/doCommit path: the proxy is purged exactly once and
// the parent is notified of completion exactly once.
func TestPurgeAndCompleteExactlyOnce(t *testing.T) {
	ctx := context.Background()
	txn, parent, _ := newTestProxy("hist-7", KindLocal, false)
	voting := newFakeVoting()

	require.NoError(t, txn.Seal(ctx))
	require.NoError(t, txn.CanCommit(ctx, voting))
	canCommit := parent.takeSent(t)
	canCommit.cb(CanCommitSuccess{})
	require.Equal(t, 1, voting.yes)
	require.Equal(t, 1, txn.log.len())

	require.NoError(t, txn.PreCommit(ctx, voting))
	preCommit := parent.takeSent(t)
	preCommit.cb(PreCommitSuccess{})
	require.Equal(t, 2, voting.yes)
	require.Equal(t, 1, txn.log.len(), "preCommit ack must leave exactly one log entry")

	require.NoError(t, txn.DoCommit(ctx, voting))
	doCommit := parent.takeSent(t)
	doCommit.cb(CommitSuccess{})
	require.Equal(t, 3, voting.yes)

	purge := parent.takeSent(t)
	purge.cb(AbortSuccess{})

	require.Equal(t, 0, parent.pendingCount())
	require.Len(t, parent.completed, 1)
}
