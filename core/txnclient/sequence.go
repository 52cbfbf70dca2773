package txnclient

// sequenceAllocator hands out the monotonic per-proxy request sequence
// number. It is touched only by the application thread (nextSequence) and,
// during a reconnect, by the connection thread re-aligning a freshly
// installed successor with the predecessor's already-spent sequence range
// (incrementSequence) -- the two are never called concurrently, because
// the predecessor's fast paths are already closed by the time its
// successor's incrementSequence runs. Plain uint64, no atomics: same shape
// as core/indexmanager.BTreeIndexManager.latestLSN.
type sequenceAllocator struct {
	next uint64
}

// nextSequence returns the current sequence and increments it.
func (s *sequenceAllocator) nextSequence() uint64 {
	ret := s.next
	s.next++
	return ret
}

// incrementSequence advances the counter by delta without allocating a
// request. Used on a successor during replay to re-align its counter with
// what the predecessor already spent.
func (s *sequenceAllocator) incrementSequence(delta uint64) {
	s.next += delta
}
