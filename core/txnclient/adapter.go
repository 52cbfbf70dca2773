package txnclient

import "context"

// AdapterKind distinguishes a local (snapshot-caching) from a remote
// (on-wire messaging) backend adapter, the two concrete subclasses spec §1
// scopes out of this package. ReplayRequest needs to know which kind a
// successor's adapter is in order to pick ForwardToLocal vs ForwardToRemote
// (spec §4.3); modeled as a capability trait per design note 9 rather than
// a type switch on concrete structs, since those concrete types do not
// live in this package.
type AdapterKind int

const (
	// KindLocal marks a snapshot-caching, in-process adapter.
	KindLocal AdapterKind = iota
	// KindRemote marks an on-wire-messaging adapter.
	KindRemote
)

// ReadFuture and ExistsFuture are the futures DoRead/DoExists hand back.
type ReadFuture = Future[*Node]
type ExistsFuture = Future[bool]

// BackendAdapter is the downstream seam (spec §4.5): the operations a
// concrete local/snapshot/remote proxy implementation must supply.
// ProxyTransaction routes every user-facing operation through this
// interface and never itself talks to the network or a local cache.
type BackendAdapter interface {
	// Kind reports whether this adapter is local or remote, used by
	// ReplayRequest to route a retried in-flight request.
	Kind() AdapterKind

	// IsSnapshotOnly reports whether this proxy is a read-only snapshot.
	// Pure; never mutates adapter state.
	IsSnapshotOnly() bool

	// DoRead and DoExists must never block the caller beyond handing back
	// a future; they return ReadFailed errors through that future.
	DoRead(ctx context.Context, path Path) *ReadFuture
	DoExists(ctx context.Context, path Path) *ExistsFuture

	// DoWrite, DoMerge, DoDelete buffer or send immediately; they must
	// never allocate a sequence number themselves (sequences are owned by
	// the core's sequenceAllocator).
	DoWrite(path Path, data []byte)
	DoMerge(path Path, data []byte)
	DoDelete(path Path)

	// DoSeal finalizes any buffered operations. The core guarantees it is
	// called at most once per proxy (seal/ensureSealed are mutually
	// exclusive via the sealed CAS), so idempotence is not required.
	DoSeal()

	// DoAbort emits an abort-equivalent. Only ever called pre-seal.
	DoAbort()

	// FlushState transfers any adapter-owned residual state to successor
	// so it can itself be sealed. Called under the proxy's intrusive
	// monitor.
	FlushState(successor *ProxyTransaction)

	// CommitRequest returns a non-nil commit request specialized to this
	// adapter. coordinated is false for directCommit, true for canCommit.
	// Called at most once per proxy.
	CommitRequest(coordinated bool) TransactionRequest

	// HandleForwardedRemoteRequest accepts a request replayed from a
	// predecessor's successful-request log and must re-sequence it under
	// this (the successor's) allocator.
	HandleForwardedRemoteRequest(request TransactionRequest, callback ResponseCallback)

	// ForwardToLocal and ForwardToRemote accept a retried in-flight
	// request, originating on the proxy whose adapter this method is
	// called on, destined for successor.
	ForwardToLocal(successor *ProxyTransaction, request TransactionRequest, callback ResponseCallback)
	ForwardToRemote(successor *ProxyTransaction, request TransactionRequest, callback ResponseCallback)
}
