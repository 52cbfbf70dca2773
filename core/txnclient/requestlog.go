package txnclient

// logEntry is either a recorded TransactionRequest (replayed verbatim) or a
// coalesced incrementEntry (a run of read-type acks folded into a single
// delta counter). Keeping one ordered slice of a closed interface, instead
// of two parallel containers, is deliberate: replay order between requests
// and increments matters (spec §9, design note "Coalesced ack log").
type logEntry interface {
	isLogEntry()
}

type requestEntry struct {
	request TransactionRequest
}

func (requestEntry) isLogEntry() {}

type incrementEntry struct {
	delta uint64
}

func (incrementEntry) isLogEntry() {}

// successfulRequestLog is the append-only history of requests the backend
// has acknowledged, kept so a reconnect can replay them onto a successor.
// Written only by the application thread; read only by the connection
// thread inside ReplayMessages, which happens-after application mutation
// because StartReconnect has already forced the application fast paths
// onto the SUCCESSOR slow path (spec §4.1).
type successfulRequestLog struct {
	entries []logEntry
}

// recordSuccessful appends req verbatim.
func (l *successfulRequestLog) recordSuccessful(req TransactionRequest) {
	l.entries = append(l.entries, requestEntry{req})
}

// recordFinished folds a read-type ack into the trailing incrementEntry,
// or starts a new one if the log is empty or ends in a concrete request.
func (l *successfulRequestLog) recordFinished() {
	if n := len(l.entries); n > 0 {
		if inc, ok := l.entries[n-1].(incrementEntry); ok {
			l.entries[n-1] = incrementEntry{delta: inc.delta + 1}
			return
		}
	}
	l.entries = append(l.entries, incrementEntry{delta: 1})
}

// clear empties the log, e.g. after a terminal purge or a successful
// preCommit.
func (l *successfulRequestLog) clear() {
	l.entries = nil
}

// drain returns the current entries and clears the log. Used by
// ReplayMessages, which must replay every entry onto the successor exactly
// once and leave the predecessor's log empty (spec §8, invariant 4).
func (l *successfulRequestLog) drain() []logEntry {
	entries := l.entries
	l.entries = nil
	return entries
}

func (l *successfulRequestLog) len() int { return len(l.entries) }
