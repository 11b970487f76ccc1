package reftable

// maxRestarts is the restart-table count cap: the count is stored as a
// uint16, so the table can never hold more than this many offsets (§4.3).
const maxRestarts = 65535

// blockWriter accumulates one block's worth of prefix-compressed entries.
// It owns the block's byte buffer from the very first byte (the 4-byte
// type+length header is reserved up front and patched in finish).
type blockWriter struct {
	typ             blockType
	blockSize       int // 0 means "unbounded", used for index blocks
	restartInterval int

	buf      []byte
	restarts []uint32 // offsets from block start, including the header
	lastKey  []byte
	sinceRestart int // entries written since the last restart point
}

func newBlockWriter(typ blockType, blockSize, restartInterval int) *blockWriter {
	if restartInterval <= 0 {
		restartInterval = 16
	}
	w := &blockWriter{
		typ:             typ,
		blockSize:       blockSize,
		restartInterval: restartInterval,
	}
	w.buf = make([]byte, 4) // header placeholder, patched by finish()
	return w
}

func (w *blockWriter) empty() bool {
	return len(w.restarts) == 0 && w.sinceRestart == 0
}

func (w *blockWriter) len() int {
	return len(w.buf)
}

// footprint estimates the total on-disk size if the block were finished
// right now with n additional pending restart entries.
func (w *blockWriter) footprint(extraRestarts int) int {
	return len(w.buf) + 3*(len(w.restarts)+extraRestarts) + 2
}

// tryAdd attempts to append one entry. It returns ok=false, without
// mutating w, if the entry does not fit within the configured block size;
// the caller is then expected to finish this block and start a new one. A
// completely empty block that still can't fit the entry is the
// BlockSizeTooSmallError case, which the caller (not tryAdd) raises, since
// only the caller knows the minimum size to report.
func (w *blockWriter) tryAdd(key []byte, valType valueType, value []byte) (ok bool) {
	first := w.empty()
	sharedLen := 0
	if !first {
		sharedLen = sharedPrefixLen(w.lastKey, key)
	}
	wantRestart := first || sharedLen == 0 || w.sinceRestart >= w.restartInterval
	restartAllowed := len(w.restarts) < maxRestarts

	if encoded, isRestart, fits := w.encodeEntry(key, sharedLen, wantRestart && restartAllowed, valType, value); fits {
		w.commit(encoded, isRestart, key)
		return true
	} else if wantRestart && restartAllowed {
		// Demote: this entry as a forced restart didn't fit, but maybe
		// it fits as a plain continuation sharing lastKey's prefix
		// (§4.3: "the writer demotes the restart to preserve density").
		if !first {
			if encoded2, _, fits2 := w.encodeEntry(key, sharedLen, false, valType, value); fits2 {
				w.commit(encoded2, false, key)
				return true
			}
		}
	}
	return false
}

// encodeEntry serializes one entry and reports whether it fits in the
// remaining block budget. forceRestart selects prefixLen=0 regardless of
// sharedLen.
func (w *blockWriter) encodeEntry(key []byte, sharedLen int, forceRestart bool, valType valueType, value []byte) (encoded []byte, isRestart bool, fits bool) {
	prefixLen := sharedLen
	if forceRestart {
		prefixLen = 0
	}
	suffixLen := len(key) - prefixLen
	suffixAndType := (uint64(suffixLen) << 3) | uint64(valType)

	var e []byte
	e = putVarint(e, uint64(prefixLen))
	e = putVarint(e, suffixAndType)
	e = append(e, key[prefixLen:]...)
	e = append(e, value...)

	extraRestart := 0
	if forceRestart {
		extraRestart = 1
	}
	if w.blockSize > 0 && w.footprint(extraRestart)+len(e) > w.blockSize {
		return nil, forceRestart, false
	}
	return e, forceRestart, true
}

func (w *blockWriter) commit(encoded []byte, isRestart bool, key []byte) {
	if isRestart {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
		w.sinceRestart = 0
	} else {
		w.sinceRestart++
	}
	w.buf = append(w.buf, encoded...)
	w.lastKey = append(w.lastKey[:0], key...)
}

// finish patches the 4-byte header and appends the restart table, returning
// the complete block bytes (still uncompressed; log-block DEFLATE is the
// output stream's job, not the block writer's).
func (w *blockWriter) finish() []byte {
	for _, r := range w.restarts {
		w.buf = putUint24(w.buf, r)
	}
	w.buf = putUint16(w.buf, uint16(len(w.restarts)))

	blockLen := len(w.buf)
	w.buf[0] = byte(w.typ)
	w.buf[1] = byte(blockLen >> 16)
	w.buf[2] = byte(blockLen >> 8)
	w.buf[3] = byte(blockLen)
	return w.buf
}
