package reftable

import (
	"fmt"
	"io"
)

const (
	magic           = "REFT"
	formatVersion   = byte(1)
	headerLen       = 24
	footerLen       = 68
	refIndexThreshold    = 4
	objIndexThreshold    = 1
	logIndexThreshold    = 1
)

type writerPhase int

const (
	phaseRef writerPhase = iota
	phaseLog
	phaseDone
)

// indexEntry is one (lastKeyOfChildBlock, childBlockOffset) pair collected
// while a section's blocks are flushed (§4.6's IndexBuilder).
type indexEntry struct {
	key    []byte
	offset uint64
}

// objRecord accumulates, per truncated object ID, the deduplicated set of
// ref-section block offsets that mention it.
type objRecord struct {
	id        ObjectID
	positions map[uint64]struct{}
}

// Writer is the single-use table-writing pipeline (C6): header, ref
// section, optional object section, optional log section, footer. Refs
// must be supplied in strictly ascending name order; logs in ascending
// (refname, descending-updateIndex) order. Use AddRefs to sort an
// unordered batch first.
type Writer struct {
	cfg            *Config
	out            *outputStream
	dst            io.Writer
	minUpdateIndex uint64
	maxUpdateIndex uint64

	phase writerPhase

	refBlock   *blockWriter
	refIndex   []indexEntry
	haveRefs   bool
	lastRef    string

	objByID map[ObjectID]*objRecord

	logBlock *blockWriter
	logIndex []indexEntry
	haveLogs bool
	lastLogKey []byte

	refIndexOffset uint64
	objStart       uint64
	objIDLen       int
	objIndexOffset uint64
	logStart       uint64
	logIndexOffset uint64
}

// NewWriter starts a new table covering the closed range
// [minUpdateIndex, maxUpdateIndex]. cfg may be nil, in which case
// DefaultConfig is used.
func NewWriter(dst io.Writer, cfg *Config, minUpdateIndex, maxUpdateIndex uint64) (*Writer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg.applyDefaults()
	}
	if cfg.RefBlockSize > maxBlockSize {
		return nil, &BlockSizeTooSmallError{MinSize: maxBlockSize}
	}
	if minUpdateIndex > maxUpdateIndex {
		return nil, &UpdateIndexOutOfRangeError{Got: minUpdateIndex, Min: minUpdateIndex, Max: maxUpdateIndex}
	}
	w := &Writer{
		cfg:            cfg,
		out:            newOutputStream(cfg.RefBlockSize),
		dst:            dst,
		minUpdateIndex: minUpdateIndex,
		maxUpdateIndex: maxUpdateIndex,
		objByID:        make(map[ObjectID]*objRecord),
	}
	w.writeHeader()
	w.refBlock = newBlockWriter(blockTypeRef, cfg.RefBlockSize, cfg.RestartInterval)
	return w, nil
}

func (w *Writer) writeHeader() {
	h := make([]byte, 0, headerLen)
	h = append(h, magic...)
	h = append(h, formatVersion)
	h = putUint24(h, uint32(w.headerBlockSizeField()))
	h = putUint64(h, w.minUpdateIndex)
	h = putUint64(h, w.maxUpdateIndex)
	w.out.writeRaw(h)
}

// headerBlockSizeField is the 3-byte refBlockSize field stored in the
// header/footer: the configured size when blocks are aligned, 0 when they
// are not (§6's file layout table).
func (w *Writer) headerBlockSizeField() int {
	if !w.cfg.AlignBlocks {
		return 0
	}
	return w.cfg.RefBlockSize
}

// AddRefs sorts an unordered slice of refs by name, rejects duplicate
// names, and writes them via AddRef (§4.6: "a helper that accepts an
// unordered set of refs").
func (w *Writer) AddRefs(refs []Ref) error {
	sorted := make([]Ref, len(refs))
	copy(sorted, refs)
	sortRefsByName(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Name == sorted[i-1].Name {
			return &OrderViolationError{Prev: sorted[i-1].Name, Next: sorted[i].Name}
		}
	}
	for _, r := range sorted {
		if err := w.AddRef(r); err != nil {
			return err
		}
	}
	return nil
}

func sortRefsByName(refs []Ref) {
	for i := 1; i < len(refs); i++ {
		for j := i; j > 0 && refs[j].Name < refs[j-1].Name; j-- {
			refs[j], refs[j-1] = refs[j-1], refs[j]
		}
	}
}

// AddRef appends one ref. Refs must arrive in strictly ascending name
// order; updateIndex must lie within the table's declared range.
func (w *Writer) AddRef(r Ref) error {
	if w.phase != phaseRef {
		return fmt.Errorf("reftable: AddRef called after ref section closed")
	}
	if w.haveRefs && r.Name <= w.lastRef {
		return &OrderViolationError{Prev: w.lastRef, Next: r.Name}
	}
	if r.UpdateIndex < w.minUpdateIndex || r.UpdateIndex > w.maxUpdateIndex {
		return &UpdateIndexOutOfRangeError{Got: r.UpdateIndex, Min: w.minUpdateIndex, Max: w.maxUpdateIndex}
	}

	valType, value := encodeRefValue(r, w.minUpdateIndex)
	if err := w.appendRefEntry([]byte(r.Name), valType, value); err != nil {
		return err
	}
	w.haveRefs = true
	w.lastRef = r.Name

	if w.cfg.IndexObjects {
		blockOffset := uint64(w.out.offset())
		switch r.Kind {
		case RefUnpeeled:
			w.recordObjPosition(r.Value, blockOffset)
		case RefPeeled:
			w.recordObjPosition(r.Value, blockOffset)
			w.recordObjPosition(r.PeeledValue, blockOffset)
		}
	}
	return nil
}

func (w *Writer) recordObjPosition(id ObjectID, blockStart uint64) {
	rec, ok := w.objByID[id]
	if !ok {
		rec = &objRecord{id: id, positions: make(map[uint64]struct{})}
		w.objByID[id] = rec
	}
	rec.positions[blockStart] = struct{}{}
}

// appendRefEntry flushes the current ref block (recording it in the ref
// index) and starts a new one whenever the entry doesn't fit.
func (w *Writer) appendRefEntry(key []byte, valType valueType, value []byte) error {
	if w.refBlock.tryAdd(key, valType, value) {
		return nil
	}
	if w.refBlock.empty() {
		return &BlockSizeTooSmallError{MinSize: len(key) + len(value) + 16}
	}
	if err := w.flushRefBlock(); err != nil {
		return err
	}
	if !w.refBlock.tryAdd(key, valType, value) {
		return &BlockSizeTooSmallError{MinSize: len(key) + len(value) + 16}
	}
	return nil
}

func (w *Writer) flushRefBlock() error {
	if w.refBlock.empty() {
		return nil
	}
	offset := uint64(w.out.offset())
	lastKey := append([]byte(nil), w.refBlock.lastKey...)
	raw := w.refBlock.finish()
	if err := w.out.writeBlock(raw, w.cfg.AlignBlocks); err != nil {
		return err
	}
	w.refIndex = append(w.refIndex, indexEntry{key: lastKey, offset: offset})
	w.refBlock = newBlockWriter(blockTypeRef, w.cfg.RefBlockSize, w.cfg.RestartInterval)
	return nil
}

// AddLog appends one reflog entry. Entries must arrive in ascending
// physical-key order (refname ascending, updateIndex descending per
// refname); closing the ref section (and optional object section) happens
// automatically on the first AddLog call.
func (w *Writer) AddLog(e LogEntry) error {
	if w.phase == phaseRef {
		if err := w.closeRefPhase(); err != nil {
			return err
		}
	}
	if w.phase != phaseLog {
		return fmt.Errorf("reftable: AddLog called after log section closed")
	}
	key := logKey(e.RefName, e.UpdateIndex)
	if w.haveLogs && compareBytes(key, w.lastLogKey) <= 0 {
		return &OrderViolationError{Prev: string(w.lastLogKey), Next: string(key)}
	}
	valType, value := encodeLogValue(e)
	if err := w.appendLogEntry(key, valType, value); err != nil {
		return err
	}
	w.haveLogs = true
	w.lastLogKey = append(w.lastLogKey[:0], key...)
	return nil
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

func (w *Writer) appendLogEntry(key []byte, valType valueType, value []byte) error {
	if w.logBlock.tryAdd(key, valType, value) {
		return nil
	}
	if w.logBlock.empty() {
		return &BlockSizeTooSmallError{MinSize: len(key) + len(value) + 16}
	}
	if err := w.flushLogBlock(); err != nil {
		return err
	}
	if !w.logBlock.tryAdd(key, valType, value) {
		return &BlockSizeTooSmallError{MinSize: len(key) + len(value) + 16}
	}
	return nil
}

func (w *Writer) flushLogBlock() error {
	if w.logBlock.empty() {
		return nil
	}
	offset := uint64(w.out.offset())
	lastKey := append([]byte(nil), w.logBlock.lastKey...)
	raw := w.logBlock.finish()
	if err := w.out.writeBlock(raw, false); err != nil {
		return err
	}
	w.logIndex = append(w.logIndex, indexEntry{key: lastKey, offset: offset})
	w.logBlock = newBlockWriter(blockTypeLog, w.cfg.LogBlockSize, w.cfg.RestartInterval)
	return nil
}

// closeRefPhase flushes the final ref block, emits the ref index (if
// warranted), then the object section (if configured and non-empty), and
// advances to the log phase.
func (w *Writer) closeRefPhase() error {
	if err := w.flushRefBlock(); err != nil {
		return err
	}
	if len(w.refIndex) > refIndexThreshold {
		off, err := w.buildIndex(w.refIndex)
		if err != nil {
			return err
		}
		w.refIndexOffset = off
	}
	if w.cfg.IndexObjects && len(w.objByID) > 0 {
		if err := w.writeObjectSection(); err != nil {
			return err
		}
	}
	w.logStart = uint64(w.out.offset())
	w.logBlock = newBlockWriter(blockTypeLog, w.cfg.LogBlockSize, w.cfg.RestartInterval)
	w.phase = phaseLog
	return nil
}

// writeObjectSection computes the shortest unique object-ID prefix length,
// then emits one object block per truncated ID with its (deduplicated,
// sorted, delta-chain-encoded) block-position list, per §4.6.
func (w *Writer) writeObjectSection() error {
	w.objStart = uint64(w.out.offset())

	ids := make([]ObjectID, 0, len(w.objByID))
	for id := range w.objByID {
		ids = append(ids, id)
	}
	sortObjectIDs(ids)
	prefixLen := commonPrefixLen(ids, 2, ObjectIDLen)
	w.objIDLen = prefixLen

	objBlock := newBlockWriter(blockTypeObj, w.cfg.RefBlockSize, w.cfg.RestartInterval)
	var objIndex []indexEntry
	flush := func() error {
		if objBlock.empty() {
			return nil
		}
		offset := uint64(w.out.offset())
		lastKey := append([]byte(nil), objBlock.lastKey...)
		raw := objBlock.finish()
		if err := w.out.writeBlock(raw, w.cfg.AlignBlocks); err != nil {
			return err
		}
		objIndex = append(objIndex, indexEntry{key: lastKey, offset: offset})
		objBlock = newBlockWriter(blockTypeObj, w.cfg.RefBlockSize, w.cfg.RestartInterval)
		return nil
	}

	for _, id := range ids {
		rec := w.objByID[id]
		positions := make([]uint64, 0, len(rec.positions))
		for p := range rec.positions {
			positions = append(positions, p)
		}
		sortUint64s(positions)
		valType, value := encodeObjValue(positions)
		key := id[:prefixLen]
		if objBlock.tryAdd(key, valType, value) {
			continue
		}
		if !objBlock.empty() {
			if err := flush(); err != nil {
				return err
			}
			if objBlock.tryAdd(key, valType, value) {
				continue
			}
		}
		// The position list does not fit even in an empty block: emit the
		// entry in its "scan required" form (an empty list) instead.
		valType, value = encodeObjValue(nil)
		if !objBlock.tryAdd(key, valType, value) {
			return &BlockSizeTooSmallError{MinSize: len(key) + len(value) + 16}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if len(objIndex) > objIndexThreshold {
		off, err := w.buildIndex(objIndex)
		if err != nil {
			return err
		}
		w.objIndexOffset = off
	}
	return nil
}

func sortUint64s(vs []uint64) {
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j] < vs[j-1]; j-- {
			vs[j], vs[j-1] = vs[j-1], vs[j]
		}
	}
}

// buildIndex packs (key, offset) pairs into one or more levels of index
// blocks, repeating until a level converges to a single block, which
// becomes the root (§4.6). Once maxLevels is reached (if configured), the
// remaining entries are forced into one unbounded block so the build
// always terminates.
func (w *Writer) buildIndex(entries []indexEntry) (uint64, error) {
	level := entries
	depth := 0
	for {
		blockSize := w.cfg.RefBlockSize
		if w.cfg.MaxIndexLevels > 0 && depth >= w.cfg.MaxIndexLevels-1 {
			blockSize = 0 // unbounded: forces convergence to one block
		}
		blk := newBlockWriter(blockTypeIndex, blockSize, w.cfg.RestartInterval)
		var next []indexEntry
		flush := func() error {
			if blk.empty() {
				return nil
			}
			offset := uint64(w.out.offset())
			lastKey := append([]byte(nil), blk.lastKey...)
			raw := blk.finish()
			if err := w.out.writeBlock(raw, false); err != nil {
				return err
			}
			next = append(next, indexEntry{key: lastKey, offset: offset})
			blk = newBlockWriter(blockTypeIndex, blockSize, w.cfg.RestartInterval)
			return nil
		}
		for _, e := range level {
			value := encodeIndexValue(e.offset)
			if blk.tryAdd(e.key, 0, value) {
				continue
			}
			if blk.empty() {
				return 0, &BlockSizeTooSmallError{MinSize: len(e.key) + len(value) + 16}
			}
			if err := flush(); err != nil {
				return 0, err
			}
			if !blk.tryAdd(e.key, 0, value) {
				return 0, &BlockSizeTooSmallError{MinSize: len(e.key) + len(value) + 16}
			}
		}
		if err := flush(); err != nil {
			return 0, err
		}
		if len(next) == 1 {
			return next[0].offset, nil
		}
		level = next
		depth++
	}
}

// Close finalizes whichever section is still open, writes the footer, and
// flushes everything to the underlying writer. The Writer must not be used
// again afterward.
func (w *Writer) Close() error {
	if w.phase == phaseDone {
		return nil
	}
	if w.phase == phaseRef {
		if err := w.closeRefPhase(); err != nil {
			return err
		}
	}
	if err := w.flushLogBlock(); err != nil {
		return err
	}
	if len(w.logIndex) > logIndexThreshold {
		off, err := w.buildIndex(w.logIndex)
		if err != nil {
			return err
		}
		w.logIndexOffset = off
	}
	w.phase = phaseDone
	w.writeFooter()

	if _, err := w.dst.Write(w.out.bytes()); err != nil {
		return err
	}
	w.out.release()
	return nil
}

func (w *Writer) writeFooter() {
	f := make([]byte, 0, footerLen)
	f = append(f, magic...)
	f = append(f, formatVersion)
	f = putUint24(f, uint32(w.headerBlockSizeField()))
	f = putUint64(f, w.minUpdateIndex)
	f = putUint64(f, w.maxUpdateIndex)
	f = putUint64(f, w.refIndexOffset)
	f = putUint64(f, (w.objStart<<5)|uint64(w.objIDLen&0x1f))
	f = putUint64(f, w.objIndexOffset)
	f = putUint64(f, w.logStart)
	f = putUint64(f, w.logIndexOffset)
	crc := crc32IEEE(f)
	f = putUint32(f, crc)
	w.out.writeRaw(f)
}
