package reftable

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTripsEveryRefVariant(t *testing.T) {
	refs := []Ref{
		{Name: "refs/heads/deleted", Kind: RefDeleted, UpdateIndex: 0},
		{Name: "refs/heads/sym", Kind: RefSymbolic, SymTarget: "refs/heads/main", UpdateIndex: math.MaxUint64},
		{Name: "refs/heads/unpeeled", Kind: RefUnpeeled, Value: oid(1), UpdateIndex: 0},
		{Name: "refs/tags/peeled", Kind: RefPeeled, Value: oid(2), PeeledValue: oid(3), UpdateIndex: math.MaxUint64},
	}

	var buf bytes.Buffer
	w, err := NewWriter(&buf, DefaultConfig(), 0, math.MaxUint64)
	require.NoError(t, err)
	for _, r := range refs {
		require.NoError(t, w.AddRef(r))
	}
	require.NoError(t, w.Close())

	r, err := NewReader(&memBlockSource{data: buf.Bytes()})
	require.NoError(t, err)
	require.Equal(t, uint64(0), r.MinUpdateIndex())
	require.Equal(t, uint64(math.MaxUint64), r.MaxUpdateIndex())

	cur, err := r.WithIncludeDeletes(true).AllRefs()
	require.NoError(t, err)
	var got []Ref
	for {
		ref, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, ref)
	}
	require.Len(t, got, len(refs))
	for i, want := range refs {
		require.Equal(t, want.Name, got[i].Name)
		require.Equal(t, want.Kind, got[i].Kind)
		require.Equal(t, want.Value, got[i].Value)
		require.Equal(t, want.PeeledValue, got[i].PeeledValue)
		require.Equal(t, want.SymTarget, got[i].SymTarget)
		require.Equal(t, want.UpdateIndex, got[i].UpdateIndex)
	}
}

func TestWriterReaderPrefixCompressionManyRefs(t *testing.T) {
	var refs []Ref
	for i := 0; i < 200; i++ {
		refs = append(refs, Ref{
			Name:        "refs/heads/branch-" + string(rune('a'+i%26)) + string(rune('0'+i/26)),
			Kind:        RefUnpeeled,
			Value:       oid(byte(i % 256)),
			UpdateIndex: 1,
		})
	}
	sortRefsByName(refs)

	var buf bytes.Buffer
	w, err := NewWriter(&buf, DefaultConfig(), 1, 1)
	require.NoError(t, err)
	for _, r := range refs {
		require.NoError(t, w.AddRef(r))
	}
	require.NoError(t, w.Close())

	r, err := NewReader(&memBlockSource{data: buf.Bytes()})
	require.NoError(t, err)

	cur, err := r.AllRefs()
	require.NoError(t, err)
	n := 0
	for {
		_, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		n++
	}
	require.Equal(t, len(refs), n)
}

func TestCompactorStopsAcceptingAtBudget(t *testing.T) {
	mk := func(name string, value ObjectID) (*Reader, int64) {
		var buf bytes.Buffer
		w, err := NewWriter(&buf, DefaultConfig(), 1, 1)
		require.NoError(t, err)
		require.NoError(t, w.AddRef(Ref{Name: name, Kind: RefUnpeeled, Value: value, UpdateIndex: 1}))
		require.NoError(t, w.Close())
		r, err := NewReader(&memBlockSource{data: buf.Bytes()})
		require.NoError(t, err)
		return r, int64(buf.Len())
	}

	r1, s1 := mk("refs/heads/a", oid(1))
	r2, s2 := mk("refs/heads/b", oid(2))
	r3, s3 := mk("refs/heads/c", oid(3))

	c := NewCompactor(s1 + s2)
	require.True(t, c.TryAddFirst(r1, s1))
	require.True(t, c.TryAddFirst(r2, s2))
	require.False(t, c.TryAddFirst(r3, s3))
	require.Equal(t, s1+s2, c.used)
}

// TestWriterReaderEmptyTable covers spec.md §8's empty-table scenario: a
// Writer that is closed without a single AddRef or AddLog call must still
// produce a readable header/footer whose cursors are immediately exhausted.
func TestWriterReaderEmptyTable(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, DefaultConfig(), 5, 9)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NotZero(t, buf.Len())

	r, err := NewReader(&memBlockSource{data: buf.Bytes()})
	require.NoError(t, err)
	require.Equal(t, uint64(5), r.MinUpdateIndex())
	require.Equal(t, uint64(9), r.MaxUpdateIndex())

	refs, err := r.AllRefs()
	require.NoError(t, err)
	_, ok, err := refs.Next()
	require.NoError(t, err)
	require.False(t, ok)

	logs, err := r.AllLogs()
	require.NoError(t, err)
	_, ok, err = logs.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

// TestWriterReaderLogEntriesDescendingUpdateIndex covers spec.md §8's
// reflog scenario: multiple log entries for the same ref, supplied to
// AddLog in ascending (refname, descending-updateIndex) physical-key
// order, round-trip through AllLogs in that same order, and SeekLog finds
// the most-recent entry at or before a given updateIndex.
func TestWriterReaderLogEntriesDescendingUpdateIndex(t *testing.T) {
	entries := []LogEntry{
		{RefName: "refs/heads/main", UpdateIndex: 3, New: oid(3), Name: "a", Email: "a@x", Message: "third"},
		{RefName: "refs/heads/main", UpdateIndex: 2, Old: oid(1), New: oid(2), Name: "a", Email: "a@x", Message: "second"},
		{RefName: "refs/heads/main", UpdateIndex: 1, New: oid(1), Name: "a", Email: "a@x", Message: "first"},
		{RefName: "refs/heads/topic", UpdateIndex: 1, New: oid(4), Name: "a", Email: "a@x", Message: "topic"},
	}

	var buf bytes.Buffer
	w, err := NewWriter(&buf, DefaultConfig(), 1, 3)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.AddLog(e))
	}
	require.NoError(t, w.Close())

	r, err := NewReader(&memBlockSource{data: buf.Bytes()})
	require.NoError(t, err)

	cur, err := r.AllLogs()
	require.NoError(t, err)
	var got []LogEntry
	for {
		e, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, e)
	}
	require.Len(t, got, len(entries))
	for i, want := range entries {
		require.Equal(t, want.RefName, got[i].RefName)
		require.Equal(t, want.UpdateIndex, got[i].UpdateIndex)
		require.Equal(t, want.Message, got[i].Message)
	}

	seek, err := r.SeekLog("refs/heads/main", 2)
	require.NoError(t, err)
	found, ok, err := seek.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), found.UpdateIndex)
	require.Equal(t, "second", found.Message)
}

// TestReaderDetectsTruncatedFooterCRC covers spec.md §8's footer-corruption
// scenario: flipping a byte inside the footer must make the checksum
// verification in ensureFooter fail with ErrInvalidCRC rather than silently
// accepting a corrupt table.
func TestReaderDetectsTruncatedFooterCRC(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, DefaultConfig(), 1, 1)
	require.NoError(t, err)
	require.NoError(t, w.AddRef(Ref{Name: "refs/heads/a", Kind: RefUnpeeled, Value: oid(1), UpdateIndex: 1}))
	require.NoError(t, w.Close())

	data := append([]byte(nil), buf.Bytes()...)
	corrupt := len(data) - 10 // inside the footer, before the trailing CRC
	data[corrupt] ^= 0xff

	r, err := NewReader(&memBlockSource{data: data})
	require.NoError(t, err) // header parses fine; footer is lazy

	_, err = r.AllRefs()
	require.ErrorIs(t, err, ErrInvalidCRC)
}

// TestReaderDetectsTruncatedFile covers the sibling truncation case: a file
// too short to contain a full footer must fail with ErrTruncatedRead.
func TestReaderDetectsTruncatedFile(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, DefaultConfig(), 1, 1)
	require.NoError(t, err)
	require.NoError(t, w.AddRef(Ref{Name: "refs/heads/a", Kind: RefUnpeeled, Value: oid(1), UpdateIndex: 1}))
	require.NoError(t, w.Close())

	// Cut the file down to less than header+footer so ensureFooter can't
	// even locate a footer-sized window to read, let alone verify it.
	truncated := buf.Bytes()[:headerLen+footerLen-1]
	r, err := NewReader(&memBlockSource{data: truncated})
	require.NoError(t, err)

	_, err = r.AllRefs()
	require.ErrorIs(t, err, ErrTruncatedRead)
}
