package txnclient

// Parent is the upstream seam towards the owning ProxyHistory (out of scope
// here per spec §1: it owns the connection, dispatches requests and
// coordinates purge/completion). A ProxyTransaction holds a non-owning
// back-reference to its Parent; the Parent's lifetime strictly dominates
// every proxy it creates (spec §5, Resource ownership).
type Parent interface {
	// SendRequest dispatches req towards the backend shard and arranges
	// for callback to be invoked with the eventual Response.
	SendRequest(req TransactionRequest, callback ResponseCallback)

	// OnTransactionSealed is invoked once, synchronously, from
	// internalSeal, before the phase transition out of OPEN is attempted.
	OnTransactionSealed(txn *ProxyTransaction)

	// AbortTransaction tells the parent to drop a pre-seal transaction
	// that is being explicitly aborted.
	AbortTransaction(txn *ProxyTransaction)

	// CompleteTransaction tells the parent a Purge request has been
	// acknowledged and this proxy can be discarded.
	CompleteTransaction(txn *ProxyTransaction)
}

// Voting is the external vote-aggregation seam (spec §1's VotingFuture
// collaborator, out of scope here): a single participant's contribution to
// a multi-shard commit decision.
type Voting interface {
	VoteYes()
	VoteNo(cause error)
}
