package reftable

import (
	"bytes"
	"strings"
)

// Reader is a lazily-opened view of one reftable file (C7). The header is
// parsed eagerly (cheap, fixed-size); the footer — and therefore section
// boundaries — is parsed on first use.
type Reader struct {
	src BlockSource

	blockSize      int
	minUpdateIndex uint64
	maxUpdateIndex uint64

	footerParsed   bool
	fileSize       int64
	refIndexOffset uint64
	objStart       uint64
	objIDLen       int
	objIndexOffset uint64
	logStart       uint64
	logIndexOffset uint64

	includeDeletes bool
}

// NewReader opens src as a reftable file, parsing its header immediately.
func NewReader(src BlockSource) (*Reader, error) {
	hdr := make([]byte, headerLen)
	n, err := src.ReadAt(hdr, 0)
	if err != nil {
		return nil, err
	}
	if n < headerLen {
		return nil, ErrTruncatedRead
	}
	if string(hdr[:4]) != magic {
		return nil, ErrInvalidMagic
	}
	if hdr[4] != formatVersion {
		return nil, ErrInvalidVersion
	}
	r := &Reader{
		src:            src,
		blockSize:      int(getUint24(hdr[5:8])),
		minUpdateIndex: getUint64(hdr[8:16]),
		maxUpdateIndex: getUint64(hdr[16:24]),
	}
	return r, nil
}

// WithIncludeDeletes returns a shallow copy of r whose cursors expose
// tombstones instead of hiding them (§4.7: required while compacting a
// stack suffix, since a middle table's tombstone must still shadow an
// older live record).
func (r *Reader) WithIncludeDeletes(include bool) *Reader {
	cp := *r
	cp.includeDeletes = include
	return &cp
}

func (r *Reader) MinUpdateIndex() uint64 { return r.minUpdateIndex }
func (r *Reader) MaxUpdateIndex() uint64 { return r.maxUpdateIndex }

func (r *Reader) ensureFooter() error {
	if r.footerParsed {
		return nil
	}
	size, err := r.src.Size()
	if err != nil {
		return err
	}
	if size < headerLen+footerLen {
		return ErrTruncatedRead
	}
	f := make([]byte, footerLen)
	n, err := r.src.ReadAt(f, size-footerLen)
	if err != nil {
		return err
	}
	if n < footerLen {
		return ErrTruncatedRead
	}
	if string(f[:4]) != magic {
		return ErrInvalidMagic
	}
	wantCRC := crc32IEEE(f[:footerLen-4])
	gotCRC := getUint32(f[footerLen-4:])
	if wantCRC != gotCRC {
		return ErrInvalidCRC
	}
	off := headerLen
	r.refIndexOffset = getUint64(f[off : off+8])
	off += 8
	packed := getUint64(f[off : off+8])
	off += 8
	r.objStart = packed >> 5
	r.objIDLen = int(packed & 0x1f)
	r.objIndexOffset = getUint64(f[off : off+8])
	off += 8
	r.logStart = getUint64(f[off : off+8])
	off += 8
	r.logIndexOffset = getUint64(f[off : off+8])

	r.fileSize = size
	r.footerParsed = true
	return nil
}

// refSectionEnd returns the exclusive end of the ref section: the object
// section start if present, else the log section start if present, else
// the footer start.
func (r *Reader) refSectionEnd() int64 {
	if r.objStart != 0 {
		return int64(r.objStart)
	}
	return r.logOrFooterStart()
}

func (r *Reader) logOrFooterStart() int64 {
	if r.logStart != 0 {
		return int64(r.logStart)
	}
	return r.fileSize - footerLen
}

func (r *Reader) objSectionEnd() int64 {
	return r.logOrFooterStart()
}

func (r *Reader) logSectionEnd() int64 {
	return r.fileSize - footerLen
}

// RefCursor yields Ref records in ascending name order.
type RefCursor struct {
	r        *Reader
	blk      *block
	cur      *blockCursor
	pos      int64
	end      int64
	prefix   string
	done     bool
}

// AllRefs returns a cursor over every live ref in the table, in name
// order, subject to the reader's delete-visibility setting.
func (r *Reader) AllRefs() (*RefCursor, error) {
	if err := r.ensureFooter(); err != nil {
		return nil, err
	}
	c := &RefCursor{r: r, pos: headerLen, end: r.refSectionEnd()}
	if err := c.loadBlockAt(c.pos); err != nil {
		return nil, err
	}
	return c, nil
}

// SeekRef positions a cursor at name. If name ends with "/" it is a prefix
// query: the cursor stops yielding once a key no longer shares the prefix.
// Uses the ref index when present, else binary search across ref blocks.
func (r *Reader) SeekRef(name string) (*RefCursor, error) {
	if err := r.ensureFooter(); err != nil {
		return nil, err
	}
	prefix := ""
	if strings.HasSuffix(name, "/") {
		prefix = name
	}
	blockPos, err := r.locateBlock([]byte(name), blockTypeRef, r.refIndexOffset, headerLen, r.refSectionEnd())
	if err != nil {
		return nil, err
	}
	c := &RefCursor{r: r, pos: blockPos, end: r.refSectionEnd(), prefix: prefix}
	if err := c.loadBlockAt(c.pos); err != nil {
		return nil, err
	}
	if _, err := c.cur.seekKey([]byte(name)); err != nil {
		return nil, err
	}
	return c, nil
}

// locateBlock finds which block in [sectionStart, sectionEnd) could
// contain key. If indexOffset is non-zero the index is walked (possibly
// multiple levels); otherwise every block header in the section is
// scanned to find the last one whose first key is <= key.
func (r *Reader) locateBlock(key []byte, typ blockType, indexOffset uint64, sectionStart, sectionEnd int64) (int64, error) {
	if indexOffset != 0 {
		return r.walkIndex(key, int64(indexOffset), sectionEnd)
	}
	return r.binarySearchBlocks(key, typ, sectionStart, sectionEnd)
}

// walkIndex descends a (possibly multi-level) index tree, at each level
// seeking key within the current index block and following its child
// pointer, until it reaches a non-index (leaf) block.
func (r *Reader) walkIndex(key []byte, pos, limit int64) (int64, error) {
	for {
		blk, err := readBlock(r.src, pos, limit, r.blockSize, true)
		if err != nil {
			return 0, err
		}
		if blk.typ != blockTypeIndex || blk.truncated {
			// Not a usable index block (over-size or wrong type): fall
			// back to treating pos as the answer.
			return pos, nil
		}
		cur := newBlockCursor(blk)
		cmp, err := cur.seekKey(key)
		if err != nil {
			return 0, err
		}
		if cmp > 0 && !cur.hasNext() {
			// key exceeds every entry in this index block; descend via
			// the last entry anyway (its subtree holds the closest
			// candidates for a not-found seek).
			cur2 := newBlockCursor(blk)
			var lastOff uint64
			for cur2.hasNext() {
				if _, _, err := cur2.parseKey(); err != nil {
					return 0, err
				}
				childOff, n, err := decodeIndexValue(blk.data[cur2.valStart:blk.keysEnd])
				if err != nil {
					return 0, err
				}
				cur2.skipValue(n)
				lastOff = childOff
			}
			pos = int64(lastOff)
			continue
		}
		childOff, _, err := decodeIndexValue(blk.data[cur.valStart:blk.keysEnd])
		if err != nil {
			return 0, err
		}
		pos = int64(childOff)
	}
}

// blockSpan returns how many file bytes blk occupies: its declared length,
// rounded up to a multiple of the block size for the ref and object blocks
// of an aligned table (non-zero block size in the header), which the writer
// follows with zero padding. Log blocks are never padded.
func (r *Reader) blockSpan(blk *block) int64 {
	n := int64(blk.diskLen)
	if bs := int64(r.blockSize); bs > 0 && (blk.typ == blockTypeRef || blk.typ == blockTypeObj) {
		n = (n + bs - 1) / bs * bs
	}
	return n
}

// binarySearchBlocks reads each block of the section in turn (parsing
// only its first key) to find the last block whose first key is <= key,
// tolerating a final short block.
func (r *Reader) binarySearchBlocks(key []byte, typ blockType, start, end int64) (int64, error) {
	pos := start
	best := start
	for pos < end {
		blk, err := readBlock(r.src, pos, end, r.blockSize, false)
		if err != nil {
			return 0, err
		}
		cur := newBlockCursor(blk)
		if !cur.hasNext() {
			break
		}
		firstKey, _, err := cur.parseKey()
		if err != nil {
			return 0, err
		}
		if bytes.Compare(firstKey, key) > 0 {
			break
		}
		best = pos
		pos += r.blockSpan(blk)
	}
	return best, nil
}

func (c *RefCursor) loadBlockAt(pos int64) error {
	if pos >= c.end {
		c.done = true
		return nil
	}
	blk, err := readBlock(c.r.src, pos, c.end, c.r.blockSize, false)
	if err != nil {
		return err
	}
	c.blk = blk
	c.cur = newBlockCursor(blk)
	return nil
}

// Next advances the cursor and returns the next visible Ref. io.EOF-style
// exhaustion is signaled by ok == false with a nil error.
func (c *RefCursor) Next() (Ref, bool, error) {
	for {
		if c.done {
			return Ref{}, false, nil
		}
		if !c.cur.hasNext() {
			next := c.pos + c.r.blockSpan(c.blk)
			c.pos = next
			if err := c.loadBlockAt(next); err != nil {
				return Ref{}, false, err
			}
			continue
		}
		key, vt, err := c.cur.parseKey()
		if err != nil {
			return Ref{}, false, err
		}
		if c.prefix != "" && !strings.HasPrefix(string(key), c.prefix) {
			c.done = true
			return Ref{}, false, nil
		}
		ref, n, err := decodeRefValue(vt, valueBuf(c.cur), c.r.minUpdateIndex)
		if err != nil {
			return Ref{}, false, err
		}
		c.cur.skipValue(n)
		ref.Name = string(key)
		ref.Origin = OriginUnknown
		if ref.IsDeletion() && !c.r.includeDeletes {
			continue
		}
		return ref, true, nil
	}
}

func valueBuf(cur *blockCursor) []byte {
	return cur.blk.data[cur.valStart:cur.blk.keysEnd]
}

// LogCursor yields LogEntry records in ascending physical-key order
// (refname ascending, updateIndex descending).
type LogCursor struct {
	r    *Reader
	blk  *block
	cur  *blockCursor
	pos  int64
	end  int64
	done bool
}

func (r *Reader) AllLogs() (*LogCursor, error) {
	if err := r.ensureFooter(); err != nil {
		return nil, err
	}
	if r.logStart == 0 {
		return &LogCursor{done: true}, nil
	}
	c := &LogCursor{r: r, pos: int64(r.logStart), end: r.logSectionEnd()}
	if err := c.loadBlockAt(c.pos); err != nil {
		return nil, err
	}
	return c, nil
}

// SeekLog positions the cursor at the most-recent log record for refname
// at or before updateIndex.
func (r *Reader) SeekLog(refname string, updateIndex uint64) (*LogCursor, error) {
	if err := r.ensureFooter(); err != nil {
		return nil, err
	}
	if r.logStart == 0 {
		return &LogCursor{done: true}, nil
	}
	key := logKey(refname, updateIndex)
	blockPos, err := r.locateBlock(key, blockTypeLog, r.logIndexOffset, int64(r.logStart), r.logSectionEnd())
	if err != nil {
		return nil, err
	}
	c := &LogCursor{r: r, pos: blockPos, end: r.logSectionEnd()}
	if err := c.loadBlockAt(c.pos); err != nil {
		return nil, err
	}
	if _, err := c.cur.seekKey(key); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *LogCursor) loadBlockAt(pos int64) error {
	if pos >= c.end {
		c.done = true
		return nil
	}
	blk, err := readBlock(c.r.src, pos, c.end, c.r.blockSize, false)
	if err != nil {
		return err
	}
	c.blk = blk
	c.cur = newBlockCursor(blk)
	return nil
}

func (c *LogCursor) Next() (LogEntry, bool, error) {
	for {
		if c.done {
			return LogEntry{}, false, nil
		}
		if !c.cur.hasNext() {
			next := c.pos + c.r.blockSpan(c.blk)
			c.pos = next
			if err := c.loadBlockAt(next); err != nil {
				return LogEntry{}, false, err
			}
			continue
		}
		key, vt, err := c.cur.parseKey()
		if err != nil {
			return LogEntry{}, false, err
		}
		refname, updateIndex, ok := decodeLogKey(key)
		if !ok {
			return LogEntry{}, false, ErrInvalidBlock
		}
		e, err := decodeLogValue(vt, c.blk.data[c.cur.valStart:c.blk.keysEnd])
		if err != nil {
			return LogEntry{}, false, err
		}
		n, err := logValueLen(vt, c.blk.data[c.cur.valStart:c.blk.keysEnd])
		if err != nil {
			return LogEntry{}, false, err
		}
		c.cur.skipValue(n)
		e.RefName = refname
		e.UpdateIndex = updateIndex
		if e.Deletion && !c.r.includeDeletes {
			continue
		}
		return e, true, nil
	}
}

// ByObjectID returns every live ref currently pointing at (or peeling to)
// id. When the object index exists it is used to avoid a full scan,
// except for entries in "scan required" form; otherwise the ref section
// is scanned linearly.
func (r *Reader) ByObjectID(id ObjectID) ([]Ref, error) {
	if err := r.ensureFooter(); err != nil {
		return nil, err
	}
	if r.objStart == 0 {
		return r.scanForObjectID(id)
	}
	key := id[:r.objIDLen]
	blockPos, err := r.locateBlock(key, blockTypeObj, r.objIndexOffset, int64(r.objStart), r.objSectionEnd())
	if err != nil {
		return nil, err
	}
	if blockPos >= r.objSectionEnd() {
		return nil, nil
	}
	blk, err := readBlock(r.src, blockPos, r.objSectionEnd(), r.blockSize, false)
	if err != nil {
		return nil, err
	}
	cur := newBlockCursor(blk)
	cmp, err := cur.seekKey(key)
	if err != nil {
		return nil, err
	}
	if cmp != 0 {
		return nil, nil
	}
	positions, scanRequired, _, err := decodeObjValue(cur.valType, blk.data[cur.valStart:blk.keysEnd])
	if err != nil {
		return nil, err
	}
	if scanRequired {
		return r.scanForObjectID(id)
	}
	return r.collectRefsAt(positions, id)
}

// collectRefsAt re-reads the given ref-section block offsets, keeping only
// refs whose value (or peeled value) equals id exactly — the truncated
// object-index key may not fully discriminate id from another object
// sharing the same prefix.
func (r *Reader) collectRefsAt(blockOffsets []uint64, id ObjectID) ([]Ref, error) {
	var out []Ref
	for _, off := range blockOffsets {
		blk, err := readBlock(r.src, int64(off), r.refSectionEnd(), r.blockSize, false)
		if err != nil {
			return nil, err
		}
		cur := newBlockCursor(blk)
		for cur.hasNext() {
			key, vt, err := cur.parseKey()
			if err != nil {
				return nil, err
			}
			ref, n, err := decodeRefValue(vt, blk.data[cur.valStart:blk.keysEnd], r.minUpdateIndex)
			if err != nil {
				return nil, err
			}
			cur.skipValue(n)
			if ref.IsDeletion() {
				continue
			}
			if ref.Value == id || ref.PeeledValue == id {
				ref.Name = string(key)
				out = append(out, ref)
			}
		}
	}
	return out, nil
}

func (r *Reader) scanForObjectID(id ObjectID) ([]Ref, error) {
	cur, err := r.AllRefs()
	if err != nil {
		return nil, err
	}
	var out []Ref
	for {
		ref, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		if ref.Value == id || ref.PeeledValue == id {
			out = append(out, ref)
		}
	}
}
