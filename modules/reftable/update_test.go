package reftable

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// memBlockSource is a minimal in-memory BlockSource for exercising the
// reader/writer round trip without touching the filesystem; the tests in
// this package are testify-based scenario tests.
type memBlockSource struct {
	data []byte
}

func (m *memBlockSource) ReadAt(p []byte, pos int64) (int, error) {
	if pos >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(p, m.data[pos:])
	return n, nil
}

func (m *memBlockSource) Size() (int64, error) { return int64(len(m.data)), nil }
func (m *memBlockSource) AdviseSequential(int64, int64) {}
func (m *memBlockSource) Close() error { return nil }

func writeTable(t *testing.T, refs []Ref) *Reader {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, DefaultConfig(), 1, 1)
	require.NoError(t, err)
	for _, r := range refs {
		r.UpdateIndex = 1
		require.NoError(t, w.AddRef(r))
	}
	require.NoError(t, w.Close())
	r, err := NewReader(&memBlockSource{data: buf.Bytes()})
	require.NoError(t, err)
	return r
}

func oid(b byte) ObjectID {
	var id ObjectID
	id[0] = b
	return id
}

func TestBatchUpdateNameConflictAncestorDirection(t *testing.T) {
	r := writeTable(t, []Ref{
		{Name: "refs/heads/a", Kind: RefUnpeeled, Value: oid(1)},
	})
	merged, err := NewMergedRefReader([]*Reader{r}, false)
	require.NoError(t, err)

	cmds := []*Command{
		{RefName: "refs/heads/a/b", OldValue: Ref{Kind: RefDeleted}, NewValue: Ref{Kind: RefUnpeeled, Value: oid(2)}},
	}
	bu := &BatchUpdate{UpdateIndex: 2}
	proceed, err := bu.Validate(context.Background(), cmds, merged)
	require.NoError(t, err)
	require.False(t, proceed)
	require.Equal(t, RejectedOtherReason, cmds[0].Code)
}

func TestBatchUpdateNameConflictDescendantDirection(t *testing.T) {
	r := writeTable(t, []Ref{
		{Name: "refs/heads/a/b", Kind: RefUnpeeled, Value: oid(1)},
	})
	merged, err := NewMergedRefReader([]*Reader{r}, false)
	require.NoError(t, err)

	cmds := []*Command{
		{RefName: "refs/heads/a", OldValue: Ref{Kind: RefDeleted}, NewValue: Ref{Kind: RefUnpeeled, Value: oid(2)}},
	}
	bu := &BatchUpdate{UpdateIndex: 2}
	proceed, err := bu.Validate(context.Background(), cmds, merged)
	require.NoError(t, err)
	require.False(t, proceed)
	require.Equal(t, RejectedOtherReason, cmds[0].Code)
}

func TestBatchUpdateNameConflictVacateAndPlantSameBatch(t *testing.T) {
	r := writeTable(t, []Ref{
		{Name: "refs/heads/a", Kind: RefUnpeeled, Value: oid(1)},
	})
	merged, err := NewMergedRefReader([]*Reader{r}, false)
	require.NoError(t, err)

	cmds := []*Command{
		{RefName: "refs/heads/a", OldValue: Ref{Kind: RefUnpeeled, Value: oid(1)}, NewValue: Ref{Kind: RefDeleted}},
		{RefName: "refs/heads/a/b", OldValue: Ref{Kind: RefDeleted}, NewValue: Ref{Kind: RefUnpeeled, Value: oid(2)}},
	}
	bu := &BatchUpdate{UpdateIndex: 2}
	proceed, err := bu.Validate(context.Background(), cmds, merged)
	require.NoError(t, err)
	require.True(t, proceed)
	require.NotEqual(t, RejectedOtherReason, cmds[0].Code)
	require.NotEqual(t, RejectedOtherReason, cmds[1].Code)
}

func TestBatchUpdateRejectsMalformedRefName(t *testing.T) {
	r := writeTable(t, nil)
	merged, err := NewMergedRefReader([]*Reader{r}, false)
	require.NoError(t, err)

	cmds := []*Command{
		{RefName: "refs/heads/.lock", OldValue: Ref{Kind: RefDeleted}, NewValue: Ref{Kind: RefUnpeeled, Value: oid(1)}},
	}
	bu := &BatchUpdate{UpdateIndex: 2}
	proceed, err := bu.Validate(context.Background(), cmds, merged)
	require.NoError(t, err)
	require.False(t, proceed)
	require.Equal(t, RejectedOtherReason, cmds[0].Code)
}
