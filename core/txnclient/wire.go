package txnclient

// TransactionRequest is the common supertype of every request this proxy
// sends for one transaction. Concrete wire encoding is out of scope here
// (see api/proto and core/write_engine/wal for the serialization this
// module's siblings use); the core only needs to know a request's target
// transaction and sequence number so it can route replies and replay it.
type TransactionRequest interface {
	TransactionID() TransactionIdentifier
	Sequence() uint64
}

// requestBase is embedded by the core's own request types.
type requestBase struct {
	id  TransactionIdentifier
	seq uint64
}

func (r requestBase) TransactionID() TransactionIdentifier { return r.id }
func (r requestBase) Sequence() uint64                     { return r.seq }

// AbortRequest asks the backend to abandon the transaction.
type AbortRequest struct{ requestBase }

// PreCommitRequest asks the backend to enter the pre-commit phase.
type PreCommitRequest struct{ requestBase }

// DoCommitRequest asks the backend to make the pre-committed transaction
// durable.
type DoCommitRequest struct{ requestBase }

// PurgeRequest asks the backend to discard all bookkeeping for a completed
// or aborted transaction.
type PurgeRequest struct{ requestBase }

func newAbortRequest(id TransactionIdentifier, seq uint64) *AbortRequest {
	return &AbortRequest{requestBase{id, seq}}
}

func newPreCommitRequest(id TransactionIdentifier, seq uint64) *PreCommitRequest {
	return &PreCommitRequest{requestBase{id, seq}}
}

func newDoCommitRequest(id TransactionIdentifier, seq uint64) *DoCommitRequest {
	return &DoCommitRequest{requestBase{id, seq}}
}

func newPurgeRequest(id TransactionIdentifier, seq uint64) *PurgeRequest {
	return &PurgeRequest{requestBase{id, seq}}
}

// Response is the closed set of reply shapes the core pattern-matches at
// each call site: AbortSuccess, CanCommitSuccess, PreCommitSuccess,
// CommitSuccess, PurgeSuccess (implicit, the callback firing is itself the
// success signal), RequestFailure(cause), or anything else, which is an
// IllegalState/ProtocolViolation.
type Response interface {
	isResponse()
}

// AbortSuccess is returned for a successfully processed AbortRequest.
type AbortSuccess struct{}

// CanCommitSuccess is returned when the backend votes to proceed past
// canCommit.
type CanCommitSuccess struct{}

// PreCommitSuccess is returned when the backend has entered pre-commit.
type PreCommitSuccess struct{}

// CommitSuccess is returned for a successful directCommit or doCommit.
type CommitSuccess struct{}

// RequestFailure carries a backend-reported failure cause for any request.
type RequestFailure struct{ Cause error }

func (AbortSuccess) isResponse()     {}
func (CanCommitSuccess) isResponse() {}
func (PreCommitSuccess) isResponse() {}
func (CommitSuccess) isResponse()    {}
func (RequestFailure) isResponse()   {}

// ResponseCallback receives the eventual Response to a sent
// TransactionRequest.
type ResponseCallback func(Response)

func noopCallback(Response) {}
