package reftable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestBlockWriterForcesRestartAtNamespaceBoundary exercises §4.3's restart
// rule directly against blockWriter: a restart point is forced whenever two
// consecutive keys share no common prefix, even if the configured
// restartInterval hasn't been reached yet, because sharedPrefixLen of 0
// already has nothing to encode as a shared-prefix continuation.
func TestBlockWriterForcesRestartAtNamespaceBoundary(t *testing.T) {
	w := newBlockWriter(blockTypeRef, 4096, 16)

	// "zzz/a" shares no byte with "alpha/c", so the namespace crossing
	// forces a restart well before restartInterval (16) is reached.
	keys := []string{"alpha/a", "alpha/b", "alpha/c", "zzz/a"}

	restarted := make([]bool, len(keys))
	for i, k := range keys {
		before := len(w.restarts)
		ok := w.tryAdd([]byte(k), refVal1ID, make([]byte, ObjectIDLen))
		require.True(t, ok)
		restarted[i] = len(w.restarts) > before
	}

	require.True(t, restarted[0], "first entry in a block is always a restart")
	require.False(t, restarted[1], "alpha/b shares a prefix with alpha/a, within restartInterval")
	require.False(t, restarted[2], "alpha/c shares a prefix with alpha/b, within restartInterval")
	require.True(t, restarted[3], "zzz/a shares no prefix with alpha/c, forcing a restart at the namespace boundary")
	require.Len(t, w.restarts, 2)
}

// TestBlockWriterRestartIntervalStillApplies confirms the ordinary
// every-N-entries restart cadence survives alongside the namespace-boundary
// rule: entries that keep sharing a prefix still get a forced restart once
// restartInterval entries have passed since the last one.
func TestBlockWriterRestartIntervalStillApplies(t *testing.T) {
	w := newBlockWriter(blockTypeRef, 4096, 4)

	var restartCount int
	for i := 0; i < 9; i++ {
		key := []byte{'k', byte('0' + i)}
		before := len(w.restarts)
		ok := w.tryAdd(key, refVal1ID, make([]byte, ObjectIDLen))
		require.True(t, ok)
		if len(w.restarts) > before {
			restartCount++
		}
	}
	// entry 0 is always a restart (first); sinceRestart then counts
	// 1,2,3,4 across entries 1-4, hits restartInterval (4) at entry 5 and
	// restarts again, leaving entries 6-8 short of the interval.
	require.Equal(t, 2, restartCount)
}
