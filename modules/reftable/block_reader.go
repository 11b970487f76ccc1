package reftable

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// block holds one parsed block's bytes plus its restart table. For non-log
// blocks data is exactly the bytes read from disk (4-byte header included).
// For log blocks data is a synthetic 4-byte header followed by the
// inflated body, so that downstream key/restart-table math never needs to
// know whether the block was compressed on disk (§4.4).
type block struct {
	typ       blockType
	data      []byte
	keysStart int
	keysEnd   int
	restarts  []uint32 // byte offsets into data
	truncated bool      // index block read as much as fit, see §4.4
	diskLen   int       // declared on-disk length (a log block's compressed size), before any padding
}

// readBlock loads the block at pos. limit bounds how far a read may reach
// (the end of the block's section, or the file size); it exists so a short
// final block, or a section boundary, never causes a read into adjacent
// data. allowTruncatedIndex permits the §4.4 tolerance for an over-size
// index block encountered during sequential discovery.
func readBlock(src BlockSource, pos, limit int64, sizeHint int, allowTruncatedIndex bool) (*block, error) {
	if sizeHint <= 0 {
		sizeHint = defaultRefBlockSize
	}
	avail := limit - pos
	if avail <= 0 {
		return nil, ErrTruncatedRead
	}
	toRead := int64(sizeHint)
	if toRead > avail {
		toRead = avail
	}
	buf := make([]byte, toRead)
	n, err := src.ReadAt(buf, pos)
	if err != nil {
		return nil, err
	}
	buf = buf[:n]
	if len(buf) < 4 {
		return nil, ErrTruncatedRead
	}

	typ := blockType(buf[0])
	declaredLen := int(getUint24(buf[1:4]))

	if typ == blockTypeLog {
		return readLogBlock(src, pos, limit, buf, declaredLen)
	}

	if declaredLen > len(buf) {
		more := int64(declaredLen - len(buf))
		availMore := limit - (pos + int64(len(buf)))
		if more > availMore {
			if typ == blockTypeIndex && allowTruncatedIndex {
				return &block{typ: typ, data: buf, truncated: true}, nil
			}
			return nil, ErrTruncatedRead
		}
		extra := make([]byte, more)
		m, err := src.ReadAt(extra, pos+int64(len(buf)))
		if err != nil {
			return nil, err
		}
		buf = append(buf, extra[:m]...)
		if len(buf) < declaredLen {
			if typ == blockTypeIndex && allowTruncatedIndex {
				return &block{typ: typ, data: buf, truncated: true}, nil
			}
			return nil, ErrTruncatedRead
		}
	}
	buf = buf[:declaredLen]
	return parseBlockTail(typ, buf, 4)
}

func readLogBlock(src BlockSource, pos, limit int64, buf []byte, declaredLen int) (*block, error) {
	if declaredLen > len(buf) {
		more := int64(declaredLen - len(buf))
		availMore := limit - (pos + int64(len(buf)))
		if more > availMore {
			return nil, ErrTruncatedRead
		}
		extra := make([]byte, more)
		m, err := src.ReadAt(extra, pos+int64(len(buf)))
		if err != nil {
			return nil, err
		}
		buf = append(buf, extra[:m]...)
		if len(buf) < declaredLen {
			return nil, ErrTruncatedRead
		}
	}
	compressed := buf[4:declaredLen]
	zr := flate.NewReader(bytes.NewReader(compressed))
	defer zr.Close()
	decompressed, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 4, 4+len(decompressed))
	data = append(data, decompressed...)
	data[0] = byte(blockTypeLog)
	blk, err := parseBlockTail(blockTypeLog, data, 4)
	if err == nil {
		blk.diskLen = declaredLen
	}
	return blk, err
}

func parseBlockTail(typ blockType, data []byte, headerLen int) (*block, error) {
	if len(data) < headerLen+2 {
		return nil, ErrInvalidBlock
	}
	restartCnt := int(getUint16(data[len(data)-2:]))
	restartTblOff := len(data) - 2 - 3*restartCnt
	if restartTblOff < headerLen {
		return nil, ErrInvalidBlock
	}
	restarts := make([]uint32, restartCnt)
	for i := 0; i < restartCnt; i++ {
		restarts[i] = getUint24(data[restartTblOff+3*i:])
	}
	return &block{
		typ:       typ,
		data:      data,
		keysStart: headerLen,
		keysEnd:   restartTblOff,
		restarts:  restarts,
		diskLen:   len(data),
	}, nil
}

// blockCursor walks entries within one block, reconstructing each full key
// from the previous one plus the entry's prefix/suffix (§4.4). It owns its
// key buffer; callers must not hold onto a returned key slice across the
// next cursor operation.
type blockCursor struct {
	blk      *block
	ptr      int
	key      []byte
	valType  valueType
	valStart int
}

func newBlockCursor(blk *block) *blockCursor {
	return &blockCursor{blk: blk, ptr: blk.keysStart}
}

func (c *blockCursor) reset() {
	c.ptr = c.blk.keysStart
	c.key = c.key[:0]
}

func (c *blockCursor) hasNext() bool {
	return c.ptr < c.blk.keysEnd
}

// parseKey advances past one entry's key, leaving the cursor positioned at
// the start of that entry's value payload. The returned key slice is only
// valid until the next cursor operation.
func (c *blockCursor) parseKey() ([]byte, valueType, error) {
	data := c.blk.data
	if c.ptr >= c.blk.keysEnd {
		return nil, 0, ErrInvalidBlock
	}
	prefixLen, n1, ok := getVarint(data[c.ptr:c.blk.keysEnd])
	if !ok {
		return nil, 0, ErrInvalidBlock
	}
	p := c.ptr + n1
	suffixAndType, n2, ok := getVarint(data[p:c.blk.keysEnd])
	if !ok {
		return nil, 0, ErrInvalidBlock
	}
	p += n2
	suffixLen := int(suffixAndType >> 3)
	vt := valueType(suffixAndType & valueTypeMask)
	if int(prefixLen) > len(c.key) || p+suffixLen > c.blk.keysEnd {
		return nil, 0, ErrInvalidBlock
	}
	newKey := make([]byte, 0, int(prefixLen)+suffixLen)
	newKey = append(newKey, c.key[:prefixLen]...)
	newKey = append(newKey, data[p:p+suffixLen]...)
	c.key = newKey
	c.valType = vt
	c.valStart = p + suffixLen
	c.ptr = c.valStart
	return c.key, vt, nil
}

// skipValue advances the cursor past the current entry's value payload,
// given how many bytes it occupies (as reported by a decode* function).
func (c *blockCursor) skipValue(consumed int) {
	c.ptr = c.valStart + consumed
}

// seekKey positions the cursor at the first entry whose key is >= target,
// using the restart table for a binary-search starting point and a linear
// scan from there, per §4.4. It returns a 3-way indicator matching the
// cases §8 tests explicitly: negative if target precedes the block's first
// key, zero if an exact match was found (cursor positioned on it), positive
// otherwise (either landed on a strictly-greater key within the block, or
// exhausted it — callers distinguish the two with hasNext()/key equality,
// since spec.md only names these three outcomes and leaves same-block
// lower-bound landings to the implementation).
func (c *blockCursor) seekKey(target []byte) (int, error) {
	if len(c.blk.restarts) == 0 {
		c.reset()
	} else {
		lo, hi := 0, len(c.blk.restarts)-1
		best := -1
		for lo <= hi {
			mid := (lo + hi) / 2
			rk, _, err := c.restartKey(mid)
			if err != nil {
				return 0, err
			}
			if bytes.Compare(rk, target) <= 0 {
				best = mid
				lo = mid + 1
			} else {
				hi = mid - 1
			}
		}
		if best < 0 {
			c.reset()
			return -1, nil
		}
		c.ptr = int(c.blk.restarts[best])
		c.key = c.key[:0]
		// Restart points store the full key inline (prefixLen==0), so
		// re-deriving the shared-prefix base key isn't needed here.
	}

	for c.hasNext() {
		entryStart, prevKey := c.ptr, c.key
		k, vt, err := c.parseKey()
		if err != nil {
			return 0, err
		}
		cmp := bytes.Compare(k, target)
		if cmp >= 0 {
			// Rewind to the start of this entry so the caller's next
			// parseKey yields it again; valType/valStart still describe
			// it for callers that decode its value in place.
			c.ptr, c.key = entryStart, prevKey
			if cmp == 0 {
				return 0, nil
			}
			return 1, nil
		}
		// cmp < 0: skip this entry's value to reach the next key.
		consumed, err := genericSkip(c.blk.typ, vt, c.blk.data[c.valStart:c.blk.keysEnd])
		if err != nil {
			return 0, err
		}
		c.skipValue(consumed)
	}
	return 1, nil
}

// restartKey parses just the key stored at restart index i, without
// disturbing the cursor's main position.
func (c *blockCursor) restartKey(i int) ([]byte, valueType, error) {
	tmp := &blockCursor{blk: c.blk, ptr: int(c.blk.restarts[i])}
	return tmp.parseKey()
}

// genericSkip reports how many value-payload bytes to skip for an entry of
// the given block/value type, without caring about the decoded contents.
func genericSkip(typ blockType, vt valueType, buf []byte) (int, error) {
	switch typ {
	case blockTypeRef:
		_, n, err := decodeRefValue(vt, buf, 0)
		return n, err
	case blockTypeLog:
		// LogEntry decode doesn't report consumed length directly for
		// LOG_NONE (zero bytes) or LOG_DATA (whole remainder parsed);
		// recompute by decoding and measuring.
		return logValueLen(vt, buf)
	case blockTypeObj:
		_, _, n, err := decodeObjValue(vt, buf)
		return n, err
	case blockTypeIndex:
		_, n, err := decodeIndexValue(buf)
		return n, err
	default:
		return 0, ErrInvalidBlock
	}
}

func logValueLen(vt valueType, buf []byte) (int, error) {
	if vt == logValNone {
		return 0, nil
	}
	if vt != logValData {
		return 0, ErrInvalidBlock
	}
	off := 2 * ObjectIDLen
	if off > len(buf) {
		return 0, ErrTruncatedRead
	}
	_, off, ok := getVarintString(buf, off)
	if !ok {
		return 0, ErrTruncatedRead
	}
	_, off, ok = getVarintString(buf, off)
	if !ok {
		return 0, ErrTruncatedRead
	}
	_, n, ok := getVarint(buf[off:])
	if !ok {
		return 0, ErrTruncatedRead
	}
	off += n + 2
	_, off, ok = getVarintString(buf, off)
	if !ok {
		return 0, ErrTruncatedRead
	}
	return off, nil
}
