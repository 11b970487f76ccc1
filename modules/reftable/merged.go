package reftable

import (
	"strings"

	"github.com/emirpasic/gods/trees/binaryheap"
)

// MergedRefReader composes an ordered stack of table readers (base first,
// most recent last) into one logical view in which later tables shadow
// earlier ones (§4.8).
type MergedRefReader struct {
	readers        []*Reader
	cursors        []*RefCursor
	heap           *binaryheap.Heap
	includeDeletes bool
}

type refHeapItem struct {
	name        string
	updateIndex uint64
	stackIndex  int
	ref         Ref
}

// cmpRefHeapItems orders by (name asc, −updateIndex, −stackIndex): among
// equal names the most recently written (highest updateIndex, and among
// ties the higher table) sorts first, so popping the heap always yields
// the winning record for a name before its shadowed duplicates.
func cmpRefHeapItems(a, b *refHeapItem) int {
	if a.name != b.name {
		if a.name < b.name {
			return -1
		}
		return 1
	}
	if a.updateIndex != b.updateIndex {
		if a.updateIndex > b.updateIndex {
			return -1
		}
		return 1
	}
	if a.stackIndex != b.stackIndex {
		if a.stackIndex > b.stackIndex {
			return -1
		}
		return 1
	}
	return 0
}

// NewMergedRefReader builds a merged view over readers, ordered base (index
// 0) to most recent (last index). Underlying cursors always see deletion
// tombstones — includeDeletes only controls whether Next() itself exposes
// them, since shadowing must still see a tombstone to hide an older live
// record beneath it (§4.8).
func NewMergedRefReader(readers []*Reader, includeDeletes bool) (*MergedRefReader, error) {
	return newMergedRefReader(readers, includeDeletes, func(r *Reader) (*RefCursor, error) {
		return r.WithIncludeDeletes(true).AllRefs()
	})
}

// NewMergedRefReaderPrefix is like NewMergedRefReader, but seeds each
// member cursor at prefix (via SeekRef) instead of the section start —
// used for the name-conflict check's "is name a prefix of some existing
// live ref" direction, which needs a shadow-aware prefix scan rather than
// a single-name lookup.
func NewMergedRefReaderPrefix(readers []*Reader, includeDeletes bool, prefix string) (*MergedRefReader, error) {
	return newMergedRefReader(readers, includeDeletes, func(r *Reader) (*RefCursor, error) {
		return r.WithIncludeDeletes(true).SeekRef(prefix)
	})
}

func newMergedRefReader(readers []*Reader, includeDeletes bool, seed func(*Reader) (*RefCursor, error)) (*MergedRefReader, error) {
	m := &MergedRefReader{
		readers:        readers,
		cursors:        make([]*RefCursor, len(readers)),
		includeDeletes: includeDeletes,
	}
	m.heap = binaryheap.NewWith(func(a, b any) int {
		return cmpRefHeapItems(a.(*refHeapItem), b.(*refHeapItem))
	})
	for i, rd := range readers {
		cur, err := seed(rd)
		if err != nil {
			return nil, err
		}
		m.cursors[i] = cur
		if len(readers) == 1 {
			// Next's single-slot fast path reads cursors[0] directly.
			continue
		}
		if err := m.pushNext(i); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MergedRefReader) pushNext(stackIndex int) error {
	ref, ok, err := m.cursors[stackIndex].Next()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	m.heap.Push(&refHeapItem{name: ref.Name, updateIndex: ref.UpdateIndex, stackIndex: stackIndex, ref: ref})
	return nil
}

// Next returns the next ref in the merged view, newest-wins per name.
func (m *MergedRefReader) Next() (Ref, bool, error) {
	// Single-slot fast path: with one table in the stack there is never
	// anything to shadow, so skip the heap machinery entirely (§4.8).
	if len(m.readers) == 1 {
		for {
			ref, ok, err := m.cursors[0].Next()
			if err != nil || !ok {
				return Ref{}, ok, err
			}
			if ref.IsDeletion() && !m.includeDeletes {
				continue
			}
			ref.Origin = OriginNew
			return ref, true, nil
		}
	}

	for {
		top, ok := m.heap.Pop()
		if !ok {
			return Ref{}, false, nil
		}
		winner := top.(*refHeapItem)

		var shadowed []*refHeapItem
		for {
			nextTop, ok := m.heap.Pop()
			if !ok {
				break
			}
			ni := nextTop.(*refHeapItem)
			if ni.name != winner.name {
				m.heap.Push(ni)
				break
			}
			shadowed = append(shadowed, ni)
		}
		for _, s := range shadowed {
			if err := m.pushNext(s.stackIndex); err != nil {
				return Ref{}, false, err
			}
		}
		if err := m.pushNext(winner.stackIndex); err != nil {
			return Ref{}, false, err
		}

		ref := winner.ref
		if ref.IsDeletion() && !m.includeDeletes {
			continue
		}
		if winner.stackIndex == len(m.readers)-1 {
			ref.Origin = OriginNew
		} else {
			ref.Origin = OriginPacked
		}
		return ref, true, nil
	}
}

// ResolveRef looks up the merged view's current value for name: the
// highest table carrying any entry (live or tombstone) for name is
// authoritative, regardless of what lower tables say.
func (m *MergedRefReader) ResolveRef(name string) (Ref, bool, error) {
	for i := len(m.readers) - 1; i >= 0; i-- {
		c, err := m.readers[i].WithIncludeDeletes(true).SeekRef(name)
		if err != nil {
			return Ref{}, false, err
		}
		ref, ok, err := c.Next()
		if err != nil {
			return Ref{}, false, err
		}
		if ok && ref.Name == name {
			if ref.IsDeletion() {
				if m.includeDeletes {
					return ref, true, nil
				}
				return Ref{}, false, nil
			}
			return ref, true, nil
		}
	}
	return Ref{}, false, nil
}

// AnyLiveRefUnderPrefix reports whether some ref physically stored under
// prefix (e.g. "refs/heads/x/") is live in the merged view and not covered
// by excluded. Used by the batch update's name-conflict check for the
// direction ResolveRef alone cannot answer: whether a name being created
// would swallow an existing leaf ref as one of its own path segments,
// unless that leaf is itself being deleted in the same batch.
func (m *MergedRefReader) AnyLiveRefUnderPrefix(prefix string, excluded func(string) bool) (bool, error) {
	mp, err := NewMergedRefReaderPrefix(m.readers, false, prefix)
	if err != nil {
		return false, err
	}
	for {
		ref, ok, err := mp.Next()
		if err != nil {
			return false, err
		}
		if !ok || !strings.HasPrefix(ref.Name, prefix) {
			return false, nil
		}
		if excluded == nil || !excluded(ref.Name) {
			return true, nil
		}
	}
}

// ByObjectID returns every ref in the merged view currently pointing at (or
// peeling to) id. Hits from each member reader are re-verified against
// ResolveRef, since a higher table may have retargeted that name away from
// id entirely (§4.8).
func (m *MergedRefReader) ByObjectID(id ObjectID) ([]Ref, error) {
	seen := make(map[string]bool)
	var out []Ref
	for i := len(m.readers) - 1; i >= 0; i-- {
		hits, err := m.readers[i].ByObjectID(id)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if seen[h.Name] {
				continue
			}
			seen[h.Name] = true
			cur, ok, err := m.ResolveRef(h.Name)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if cur.Value == id || cur.PeeledValue == id {
				out = append(out, cur)
			}
		}
	}
	return out, nil
}

// MergedLogReader composes a stack of readers' log sections, newest-wins
// per (refname, updateIndex) — the analogous queue §4.8 describes,
// supporting "delete one reflog entry" via a tombstone at a higher table
// shadowing exactly that key.
type MergedLogReader struct {
	readers        []*Reader
	cursors        []*LogCursor
	heap           *binaryheap.Heap
	includeDeletes bool
}

type logHeapItem struct {
	refname     string
	updateIndex uint64
	stackIndex  int
	entry       LogEntry
}

func cmpLogHeapItems(a, b *logHeapItem) int {
	if a.refname != b.refname {
		if a.refname < b.refname {
			return -1
		}
		return 1
	}
	if a.updateIndex != b.updateIndex {
		if a.updateIndex > b.updateIndex {
			return -1
		}
		return 1
	}
	if a.stackIndex != b.stackIndex {
		if a.stackIndex > b.stackIndex {
			return -1
		}
		return 1
	}
	return 0
}

func NewMergedLogReader(readers []*Reader, includeDeletes bool) (*MergedLogReader, error) {
	m := &MergedLogReader{
		readers:        readers,
		cursors:        make([]*LogCursor, len(readers)),
		includeDeletes: includeDeletes,
	}
	m.heap = binaryheap.NewWith(func(a, b any) int {
		return cmpLogHeapItems(a.(*logHeapItem), b.(*logHeapItem))
	})
	for i, rd := range readers {
		cur, err := rd.WithIncludeDeletes(true).AllLogs()
		if err != nil {
			return nil, err
		}
		m.cursors[i] = cur
		if err := m.pushNext(i); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MergedLogReader) pushNext(stackIndex int) error {
	e, ok, err := m.cursors[stackIndex].Next()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	m.heap.Push(&logHeapItem{refname: e.RefName, updateIndex: e.UpdateIndex, stackIndex: stackIndex, entry: e})
	return nil
}

// Next returns the next log entry in the merged view.
func (m *MergedLogReader) Next() (LogEntry, bool, error) {
	for {
		top, ok := m.heap.Pop()
		if !ok {
			return LogEntry{}, false, nil
		}
		winner := top.(*logHeapItem)

		var shadowed []*logHeapItem
		for {
			nextTop, ok := m.heap.Pop()
			if !ok {
				break
			}
			ni := nextTop.(*logHeapItem)
			if ni.refname != winner.refname || ni.updateIndex != winner.updateIndex {
				m.heap.Push(ni)
				break
			}
			shadowed = append(shadowed, ni)
		}
		for _, s := range shadowed {
			if err := m.pushNext(s.stackIndex); err != nil {
				return LogEntry{}, false, err
			}
		}
		if err := m.pushNext(winner.stackIndex); err != nil {
			return LogEntry{}, false, err
		}

		if winner.entry.Deletion && !m.includeDeletes {
			continue
		}
		return winner.entry, true, nil
	}
}
