package txnclient

import (
	"context"
	"sync"
	"testing"
)

// --- Test Helpers ---
//
// fakeParent and fakeAdapter are hand-rolled stand-ins for the out-of-scope
// ProxyHistory/local-or-remote adapter collaborators (spec §1), in the same
// style core/write_engine/wal's tests build a real LogManager against a
// temp directory rather than reach for a mocking framework.

// sentRequest records one SendRequest call so a test can pop it and drive
// the callback explicitly, simulating the backend's eventual response.
type sentRequest struct {
	req TransactionRequest
	cb  ResponseCallback
}

type fakeParent struct {
	mu sync.Mutex

	sent       []sentRequest
	sealed     []*ProxyTransaction
	aborted    []*ProxyTransaction
	completed  []*ProxyTransaction
}

func newFakeParent() *fakeParent {
	return &fakeParent{}
}

func (p *fakeParent) SendRequest(req TransactionRequest, cb ResponseCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentRequest{req: req, cb: cb})
}

func (p *fakeParent) OnTransactionSealed(txn *ProxyTransaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sealed = append(p.sealed, txn)
}

func (p *fakeParent) AbortTransaction(txn *ProxyTransaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = append(p.aborted, txn)
}

func (p *fakeParent) CompleteTransaction(txn *ProxyTransaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, txn)
}

// takeSent pops the oldest pending SendRequest call, in FIFO order, so a
// test can assert on wire order (spec §8 scenario S1).
func (p *fakeParent) takeSent(t *testing.T) sentRequest {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		t.Fatalf("takeSent: no pending request")
	}
	s := p.sent[0]
	p.sent = p.sent[1:]
	return s
}

func (p *fakeParent) pendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

// fakeVoting records the vote a Voting participant receives.
type fakeVoting struct {
	mu    sync.Mutex
	yes   int
	noCause error
	noed  bool
}

func newFakeVoting() *fakeVoting { return &fakeVoting{} }

func (v *fakeVoting) VoteYes() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.yes++
}

func (v *fakeVoting) VoteNo(cause error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.noed = true
	v.noCause = cause
}

// writeOp records one Write/Merge/Delete call against a fakeAdapter.
type writeOp struct {
	kind string
	path Path
	data []byte
}

// forwardCall records one ForwardToLocal/ForwardToRemote call.
type forwardCall struct {
	successor *ProxyTransaction
	request   TransactionRequest
	callback  ResponseCallback
}

// fakeCommitRequest is the concrete request fakeAdapter.CommitRequest hands
// back, the way a real local/remote adapter would return its own wire type.
type fakeCommitRequest struct {
	requestBase
	coordinated bool
}

type fakeAdapter struct {
	mu sync.Mutex

	kind         AdapterKind
	snapshotOnly bool

	readResult  *Node
	readErr     error
	existsResult bool
	existsErr   error

	writes []writeOp
	sealed bool
	aborted bool

	flushedTo *ProxyTransaction

	handledForwarded []TransactionRequest
	forwardedLocal   []forwardCall
	forwardedRemote  []forwardCall
}

func newFakeAdapter(kind AdapterKind, snapshotOnly bool) *fakeAdapter {
	return &fakeAdapter{kind: kind, snapshotOnly: snapshotOnly}
}

func (a *fakeAdapter) Kind() AdapterKind    { return a.kind }
func (a *fakeAdapter) IsSnapshotOnly() bool { return a.snapshotOnly }

func (a *fakeAdapter) DoRead(ctx context.Context, path Path) *ReadFuture {
	return Resolved[*Node](a.readResult, a.readErr)
}

func (a *fakeAdapter) DoExists(ctx context.Context, path Path) *ExistsFuture {
	return Resolved[bool](a.existsResult, a.existsErr)
}

func (a *fakeAdapter) DoWrite(path Path, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, writeOp{kind: "write", path: path, data: data})
}

func (a *fakeAdapter) DoMerge(path Path, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, writeOp{kind: "merge", path: path, data: data})
}

func (a *fakeAdapter) DoDelete(path Path) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, writeOp{kind: "delete", path: path})
}

func (a *fakeAdapter) DoSeal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealed = true
}

func (a *fakeAdapter) DoAbort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = true
}

func (a *fakeAdapter) FlushState(successor *ProxyTransaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushedTo = successor
}

func (a *fakeAdapter) CommitRequest(coordinated bool) TransactionRequest {
	return &fakeCommitRequest{coordinated: coordinated}
}

func (a *fakeAdapter) HandleForwardedRemoteRequest(request TransactionRequest, callback ResponseCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handledForwarded = append(a.handledForwarded, request)
}

func (a *fakeAdapter) ForwardToLocal(successor *ProxyTransaction, request TransactionRequest, callback ResponseCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forwardedLocal = append(a.forwardedLocal, forwardCall{successor, request, callback})
}

func (a *fakeAdapter) ForwardToRemote(successor *ProxyTransaction, request TransactionRequest, callback ResponseCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forwardedRemote = append(a.forwardedRemote, forwardCall{successor, request, callback})
}

// newTestProxy builds a ready-to-use ProxyTransaction over fresh fakes.
func newTestProxy(historyID string, kind AdapterKind, snapshotOnly bool) (*ProxyTransaction, *fakeParent, *fakeAdapter) {
	parent := newFakeParent()
	adapter := newFakeAdapter(kind, snapshotOnly)
	txn := NewProxyTransaction(NewTransactionIdentifier(historyID), parent, adapter, nil, nil)
	return txn, parent, adapter
}
