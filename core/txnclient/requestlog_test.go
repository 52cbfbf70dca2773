package txnclient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSuccessfulRequestLog_FoldsConsecutiveFinishedAcks(t *testing.T) {
	var log successfulRequestLog

	req := newPurgeRequest(NewTransactionIdentifier("h"), 1)
	log.recordSuccessful(req)
	log.recordFinished()
	log.recordFinished()
	log.recordFinished()

	require.Equal(t, 2, log.len(), "one request entry plus one folded increment entry")
	entries := log.drain()
	require.Equal(t, requestEntry{req}, entries[0])
	require.Equal(t, incrementEntry{delta: 3}, entries[1])
	require.Equal(t, 0, log.len(), "drain must empty the log")
}

func TestSuccessfulRequestLog_FinishedAloneStartsNewIncrement(t *testing.T) {
	var log successfulRequestLog

	log.recordFinished()
	log.recordFinished()

	require.Equal(t, 1, log.len())
	require.Equal(t, incrementEntry{delta: 2}, log.drain()[0])
}

func TestSuccessfulRequestLog_ClearEmpties(t *testing.T) {
	var log successfulRequestLog
	log.recordSuccessful(newPurgeRequest(NewTransactionIdentifier("h"), 1))
	log.clear()
	require.Equal(t, 0, log.len())
}
