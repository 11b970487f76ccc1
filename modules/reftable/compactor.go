package reftable

import "io"

// Compactor consumes a contiguous suffix of a stack and produces one new
// table, re-emitting every surviving record from a merged view of its
// accepted inputs (§4.9).
type Compactor struct {
	readers []*Reader
	sizes   []int64
	budget  int64
	used    int64
}

// NewCompactor starts an empty compactor with the given byte budget (0
// means unlimited). Tables are offered newest-first via AddFirst/
// TryAddFirst (each offered table older than those already accepted),
// matching how a Stack walks its table list backward from the top looking
// for a compactable suffix.
func NewCompactor(budget int64) *Compactor {
	return &Compactor{budget: budget}
}

// AddFirst unconditionally accepts reader (of the given on-disk size) as
// the new oldest member of the compaction set.
func (c *Compactor) AddFirst(r *Reader, size int64) {
	c.readers = append([]*Reader{r}, c.readers...)
	c.sizes = append([]int64{size}, c.sizes...)
	c.used += size
}

// TryAddFirst accepts reader as the new oldest member only if doing so
// would not push the accumulated size over budget; it reports whether the
// table was accepted. A zero budget means unlimited (always accepts).
func (c *Compactor) TryAddFirst(r *Reader, size int64) bool {
	if c.budget > 0 && c.used+size > c.budget {
		return false
	}
	c.AddFirst(r, size)
	return true
}

// Empty reports whether any table has been accepted yet.
func (c *Compactor) Empty() bool {
	return len(c.readers) == 0
}

// Compact re-emits every surviving record from the accepted set's merged
// view (with delete visibility enabled, so mid-stack tombstones still
// shadow older live records) into a fresh table written to dst, spanning
// the union [min,max]UpdateIndex of its inputs. includeDeletes controls
// whether tombstones themselves survive into the new table: a full-stack
// compaction should strip them, a partial one should keep them so they can
// keep shadowing tables below the compacted range (§4.9).
func (c *Compactor) Compact(dst io.Writer, cfg *Config, includeDeletes bool) error {
	if c.Empty() {
		w, err := NewWriter(dst, cfg, 0, 0)
		if err != nil {
			return err
		}
		return w.Close()
	}

	minIdx := c.readers[0].MinUpdateIndex()
	maxIdx := c.readers[0].MaxUpdateIndex()
	for _, r := range c.readers[1:] {
		if r.MinUpdateIndex() < minIdx {
			minIdx = r.MinUpdateIndex()
		}
		if r.MaxUpdateIndex() > maxIdx {
			maxIdx = r.MaxUpdateIndex()
		}
	}

	merged, err := NewMergedRefReader(c.readers, true)
	if err != nil {
		return err
	}
	mergedLog, err := NewMergedLogReader(c.readers, true)
	if err != nil {
		return err
	}

	w, err := NewWriter(dst, cfg, minIdx, maxIdx)
	if err != nil {
		return err
	}
	for {
		ref, ok, err := merged.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if ref.IsDeletion() && !includeDeletes {
			continue
		}
		if err := w.AddRef(ref); err != nil {
			return err
		}
	}
	for {
		e, ok, err := mergedLog.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if e.Deletion && !includeDeletes {
			continue
		}
		if err := w.AddLog(e); err != nil {
			return err
		}
	}
	return w.Close()
}
