package stack

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/antgroup/reftable/modules/reftable"
	"github.com/antgroup/reftable/modules/trace"
)

// member is one table currently backing a Stack: its recorded Name, the
// open Reader over it, and the on-disk size the Compactor budgets against.
type member struct {
	name   Name
	reader *reftable.Reader
	source reftable.BlockSource
	size   int64
}

// Stack owns an ordered, oldest-first list of reftable files in dir plus
// the tables.list that records their order, and serializes every mutation
// behind a single in-process mutex (§4.11, §5). It is not safe across
// processes or machines: dir is assumed private to one Stack instance.
type Stack struct {
	dir  string
	cfg  *reftable.Config
	deps reftable.Dependencies

	mu      sync.Mutex
	members []*member
}

// Open loads dir's tables.list (creating none if absent) and opens a
// Reader over every table it names, oldest first.
func Open(dir string, cfg *reftable.Config, deps reftable.Dependencies) (_ *Stack, returnedErr error) {
	if cfg == nil {
		cfg = reftable.DefaultConfig()
	}
	names, err := readTablesList(dir)
	if err != nil {
		return nil, err
	}
	s := &Stack{dir: dir, cfg: cfg, deps: deps}
	defer func() {
		if returnedErr != nil {
			s.Close()
		}
	}()
	for _, n := range names {
		m, err := s.openMember(n)
		if err != nil {
			return nil, err
		}
		s.members = append(s.members, m)
	}
	return s, nil
}

func (s *Stack) openMember(n Name) (*member, error) {
	path := filepath.Join(s.dir, n.String())
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.Errorf("stack: open table %s: %v", n, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, trace.Errorf("stack: stat table %s: %v", n, err)
	}
	var src reftable.BlockSource = reftable.NewFileBlockSource(f)
	if s.cfg.BlockCacheBytes > 0 {
		cached, err := reftable.NewCachedBlockSource(src, s.cfg.BlockCacheBytes)
		if err != nil {
			src.Close()
			return nil, trace.Errorf("stack: open block cache for table %s: %v", n, err)
		}
		src = cached
	}
	r, err := reftable.NewReader(src)
	if err != nil {
		src.Close()
		return nil, trace.Errorf("stack: open reader for table %s: %v", n, err)
	}
	return &member{name: n, reader: r, source: src, size: fi.Size()}, nil
}

// Close closes every member reader (§4.11).
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, m := range s.members {
		if err := m.source.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.members = nil
	return firstErr
}

func (s *Stack) readers() []*reftable.Reader {
	rs := make([]*reftable.Reader, len(s.members))
	for i, m := range s.members {
		rs[i] = m.reader
	}
	return rs
}

func (s *Stack) nextUpdateIndex() uint64 {
	if len(s.members) == 0 {
		return 1
	}
	return s.members[len(s.members)-1].name.MaxUpdateIndex + 1
}

// UpdateFunc builds the commands a call to Add should attempt, given the
// update index the resulting table will be stamped with.
type UpdateFunc func(nextUpdateIndex uint64) ([]*reftable.Command, error)

// Add takes the write lock, builds a merged view of the current stack,
// asks build for the commands to attempt, runs the six-phase batch update
// against a new table written to a temp file, and -- if at least one
// command survives -- atomically renames the temp file into place and
// republishes tables.list before any command's Code is promoted to OK
// (§4.11, §7's resolved Open Question).
func (s *Stack) Add(ctx context.Context, atomic, writeLog bool, message string, build UpdateFunc) ([]*reftable.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nextIdx := s.nextUpdateIndex()
	cmds, err := build(nextIdx)
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return cmds, nil
	}

	merged, err := reftable.NewMergedRefReader(s.readers(), false)
	if err != nil {
		return nil, trace.Errorf("stack: merged view: %v", err)
	}

	bu := &reftable.BatchUpdate{Atomic: atomic, WriteLog: writeLog, Message: message, Deps: s.deps, UpdateIndex: nextIdx}
	proceed, err := bu.Validate(ctx, cmds, merged)
	if err != nil {
		return nil, err
	}
	if !proceed {
		return cmds, nil
	}

	name := newName(nextIdx, nextIdx)
	tmp, err := os.CreateTemp(s.dir, name.String()+".tmp")
	if err != nil {
		return nil, trace.Errorf("stack: create temp table: %v", err)
	}
	tmpPath := tmp.Name()
	abort := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	w, err := reftable.NewWriter(tmp, s.cfg, nextIdx, nextIdx)
	if err != nil {
		abort()
		return nil, err
	}
	if err := bu.Write(cmds, w); err != nil {
		abort()
		return nil, err
	}
	if err := w.Close(); err != nil {
		abort()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, trace.Errorf("stack: close temp table: %v", err)
	}

	finalPath := filepath.Join(s.dir, name.String())
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, trace.Errorf("stack: publish table %s: %v", name, err)
	}

	newMember, err := s.openMember(name)
	if err != nil {
		return nil, err
	}
	newMembers := append(append([]*member{}, s.members...), newMember)
	newNames := make([]Name, len(newMembers))
	for i, m := range newMembers {
		newNames[i] = m.name
	}
	if err := writeTablesList(s.dir, newNames); err != nil {
		newMember.source.Close()
		os.Remove(finalPath)
		return nil, err
	}
	s.members = newMembers

	for _, c := range cmds {
		if c.Code == reftable.NotAttempted {
			c.Code = reftable.OK
		}
	}
	return cmds, nil
}

// CompactRange offers members to a Compactor newest-first, anchored at
// the newest table and extending backward over contiguous tables while budget
// allows, then splices the resulting single table into tables.list in
// place of the run it replaced (§4.9, §4.11). It is a no-op on a stack of
// fewer than two tables.
func (s *Stack) CompactRange(ctx context.Context, budget int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(s.members) < 2 {
		return nil
	}

	c := reftable.NewCompactor(budget)
	last := len(s.members) - 1
	first := last
	for i := last; i >= 0; i-- {
		if !c.TryAddFirst(s.members[i].reader, s.members[i].size) {
			break
		}
		first = i
	}
	if last-first < 1 {
		return nil
	}

	full := first == 0 && last == len(s.members)-1
	minIdx := s.members[first].name.MinUpdateIndex
	maxIdx := s.members[last].name.MaxUpdateIndex
	name := newName(minIdx, maxIdx)

	tmp, err := os.CreateTemp(s.dir, name.String()+".tmp")
	if err != nil {
		return trace.Errorf("stack: create compaction temp table: %v", err)
	}
	tmpPath := tmp.Name()
	if err := c.Compact(tmp, s.cfg, !full); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return trace.Errorf("stack: close compaction temp table: %v", err)
	}

	finalPath := filepath.Join(s.dir, name.String())
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return trace.Errorf("stack: publish compacted table %s: %v", name, err)
	}
	newMember, err := s.openMember(name)
	if err != nil {
		return err
	}

	replaced := s.members[first : last+1]
	newMembers := make([]*member, 0, len(s.members)-(last-first))
	newMembers = append(newMembers, s.members[:first]...)
	newMembers = append(newMembers, newMember)
	newMembers = append(newMembers, s.members[last+1:]...)
	newNames := make([]Name, len(newMembers))
	for i, m := range newMembers {
		newNames[i] = m.name
	}
	if err := writeTablesList(s.dir, newNames); err != nil {
		newMember.source.Close()
		os.Remove(finalPath)
		return err
	}
	s.members = newMembers

	for _, m := range replaced {
		if err := m.source.Close(); err != nil {
			return trace.Errorf("stack: close replaced table %s: %v", m.name, err)
		}
		if err := os.Remove(filepath.Join(s.dir, m.name.String())); err != nil && !os.IsNotExist(err) {
			return trace.Errorf("stack: remove replaced table %s: %v", m.name, err)
		}
	}
	return nil
}

// Names returns the current tables.list order, oldest first, for tests
// and diagnostics.
func (s *Stack) Names() []Name {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Name, len(s.members))
	for i, m := range s.members {
		out[i] = m.name
	}
	return out
}
