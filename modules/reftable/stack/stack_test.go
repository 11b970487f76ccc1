package stack

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antgroup/reftable/modules/reftable"
)

func oid(b byte) reftable.ObjectID {
	var id reftable.ObjectID
	id[0] = b
	return id
}

func TestStackAddThenCompactRange(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, reftable.DefaultConfig(), reftable.Dependencies{})
	require.NoError(t, err)
	defer s.Close()

	add := func(name string, value reftable.ObjectID) {
		cmds, err := s.Add(context.Background(), false, false, "", func(next uint64) ([]*reftable.Command, error) {
			return []*reftable.Command{{
				RefName:  name,
				OldValue: reftable.Ref{Kind: reftable.RefDeleted},
				NewValue: reftable.Ref{Kind: reftable.RefUnpeeled, Value: value},
			}}, nil
		})
		require.NoError(t, err)
		require.Len(t, cmds, 1)
		require.Equal(t, reftable.OK, cmds[0].Code)
	}

	add("refs/heads/a", oid(1))
	add("refs/heads/b", oid(2))
	add("refs/heads/c", oid(3))
	require.Len(t, s.Names(), 3)

	require.NoError(t, s.CompactRange(context.Background(), 0))
	require.Len(t, s.Names(), 1)
}

func TestStackAddRejectsNameConflict(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, reftable.DefaultConfig(), reftable.Dependencies{})
	require.NoError(t, err)
	defer s.Close()

	cmds, err := s.Add(context.Background(), false, false, "", func(next uint64) ([]*reftable.Command, error) {
		return []*reftable.Command{{
			RefName:  "refs/heads/a",
			OldValue: reftable.Ref{Kind: reftable.RefDeleted},
			NewValue: reftable.Ref{Kind: reftable.RefUnpeeled, Value: oid(1)},
		}}, nil
	})
	require.NoError(t, err)
	require.Equal(t, reftable.OK, cmds[0].Code)

	cmds, err = s.Add(context.Background(), false, false, "", func(next uint64) ([]*reftable.Command, error) {
		return []*reftable.Command{{
			RefName:  "refs/heads/a/b",
			OldValue: reftable.Ref{Kind: reftable.RefDeleted},
			NewValue: reftable.Ref{Kind: reftable.RefUnpeeled, Value: oid(2)},
		}}, nil
	})
	require.NoError(t, err)
	require.Equal(t, reftable.RejectedOtherReason, cmds[0].Code)
	require.Len(t, s.Names(), 1)
}
