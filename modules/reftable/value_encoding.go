package reftable

import "fmt"

// encodeRefValue serializes a Ref's value payload (the bytes following
// suffixAndType in a ref-block entry) and reports the valueType nibble to
// use, per §4.3's four ref value encodings.
func encodeRefValue(r Ref, minUpdateIndex uint64) (valueType, []byte) {
	delta := r.UpdateIndex - minUpdateIndex
	switch r.Kind {
	case RefDeleted:
		return refValNone, putVarint(nil, delta)
	case RefUnpeeled:
		buf := putVarint(nil, delta)
		return refVal1ID, append(buf, r.Value[:]...)
	case RefPeeled:
		buf := putVarint(nil, delta)
		buf = append(buf, r.Value[:]...)
		buf = append(buf, r.PeeledValue[:]...)
		return refVal2ID, buf
	case RefSymbolic:
		buf := putVarint(nil, delta)
		buf = putVarint(buf, uint64(len(r.SymTarget)))
		return refValSymref, append(buf, r.SymTarget...)
	default:
		panic(fmt.Sprintf("reftable: unknown ref kind %d", r.Kind))
	}
}

// decodeRefValue is the inverse of encodeRefValue, given the valueType
// nibble already parsed from suffixAndType.
func decodeRefValue(vt valueType, buf []byte, minUpdateIndex uint64) (Ref, int, error) {
	delta, n, ok := getVarint(buf)
	if !ok {
		return Ref{}, 0, ErrTruncatedRead
	}
	r := Ref{UpdateIndex: minUpdateIndex + delta}
	off := n
	switch vt {
	case refValNone:
		r.Kind = RefDeleted
	case refVal1ID:
		if off+ObjectIDLen > len(buf) {
			return Ref{}, 0, ErrTruncatedRead
		}
		r.Kind = RefUnpeeled
		r.Value = NewObjectID(buf[off : off+ObjectIDLen])
		off += ObjectIDLen
	case refVal2ID:
		if off+2*ObjectIDLen > len(buf) {
			return Ref{}, 0, ErrTruncatedRead
		}
		r.Kind = RefPeeled
		r.Value = NewObjectID(buf[off : off+ObjectIDLen])
		off += ObjectIDLen
		r.PeeledValue = NewObjectID(buf[off : off+ObjectIDLen])
		off += ObjectIDLen
	case refValSymref:
		size, n2, ok := getVarint(buf[off:])
		if !ok || off+n2+int(size) > len(buf) {
			return Ref{}, 0, ErrTruncatedRead
		}
		off += n2
		r.Kind = RefSymbolic
		r.SymTarget = string(buf[off : off+int(size)])
		off += int(size)
	default:
		return Ref{}, 0, ErrInvalidBlock
	}
	return r, off, nil
}

// encodeLogValue serializes a LogEntry's value payload, per §4.3's two log
// value encodings.
func encodeLogValue(e LogEntry) (valueType, []byte) {
	if e.Deletion {
		return logValNone, nil
	}
	var buf []byte
	buf = append(buf, e.Old[:]...)
	buf = append(buf, e.New[:]...)
	buf = putVarintString(buf, e.Name)
	buf = putVarintString(buf, e.Email)
	buf = putVarint(buf, uint64(e.Time))
	buf = putUint16(buf, uint16(e.TZOffset))
	buf = putVarintString(buf, e.Message)
	return logValData, buf
}

func decodeLogValue(vt valueType, buf []byte) (LogEntry, error) {
	var e LogEntry
	if vt == logValNone {
		e.Deletion = true
		return e, nil
	}
	if vt != logValData {
		return LogEntry{}, ErrInvalidBlock
	}
	if len(buf) < 2*ObjectIDLen {
		return LogEntry{}, ErrTruncatedRead
	}
	e.Old = NewObjectID(buf[:ObjectIDLen])
	e.New = NewObjectID(buf[ObjectIDLen : 2*ObjectIDLen])
	off := 2 * ObjectIDLen

	var ok bool
	e.Name, off, ok = getVarintString(buf, off)
	if !ok {
		return LogEntry{}, ErrTruncatedRead
	}
	e.Email, off, ok = getVarintString(buf, off)
	if !ok {
		return LogEntry{}, ErrTruncatedRead
	}
	t, n, okv := getVarint(buf[off:])
	if !okv {
		return LogEntry{}, ErrTruncatedRead
	}
	e.Time = int64(t)
	off += n
	if off+2 > len(buf) {
		return LogEntry{}, ErrTruncatedRead
	}
	e.TZOffset = int16(getUint16(buf[off:]))
	off += 2
	e.Message, off, ok = getVarintString(buf, off)
	if !ok {
		return LogEntry{}, ErrTruncatedRead
	}
	return e, nil
}

func putVarintString(buf []byte, s string) []byte {
	buf = putVarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func getVarintString(buf []byte, off int) (string, int, bool) {
	if off > len(buf) {
		return "", 0, false
	}
	size, n, ok := getVarint(buf[off:])
	if !ok {
		return "", 0, false
	}
	off += n
	if off+int(size) > len(buf) {
		return "", 0, false
	}
	s := string(buf[off : off+int(size)])
	return s, off + int(size), true
}

// encodeIndexValue serializes an index-block entry's value: the file
// offset of the child block it points to.
func encodeIndexValue(childPos uint64) []byte {
	return putVarint(nil, childPos)
}

func decodeIndexValue(buf []byte) (uint64, int, error) {
	v, n, ok := getVarint(buf)
	if !ok {
		return 0, 0, ErrTruncatedRead
	}
	return v, n, nil
}

// objPositionListOverflow marks a value type that wants more than 7 inline
// entries; the entry is instead written with valueType 0 and a
// varint-prefixed length, or as an empty "scan required" list when it
// doesn't fit at all (§4.3, object block).
const objPositionListOverflow = valueType(0)

// encodeObjValue serializes a delta chain of block positions. A list with
// 1..7 entries is tagged directly in valueType; a longer list is tagged 0
// and varint-length-prefixed; an empty positions slice (scan-required) is
// also tagged 0 with a zero count.
func encodeObjValue(positions []uint64) (valueType, []byte) {
	if len(positions) >= 1 && len(positions) <= 7 {
		return valueType(len(positions)), encodeDeltaChain(positions)
	}
	buf := putVarint(nil, uint64(len(positions)))
	buf = append(buf, encodeDeltaChain(positions)...)
	return objPositionListOverflow, buf
}

func encodeDeltaChain(positions []uint64) []byte {
	var buf []byte
	var prior uint64
	for i, p := range positions {
		if i == 0 {
			buf = putVarint(buf, p)
		} else {
			buf = putVarint(buf, p-prior)
		}
		prior = p
	}
	return buf
}

// decodeObjValue is the inverse of encodeObjValue. scanRequired is true
// when the value signals "list overflowed; re-scan the ref section".
func decodeObjValue(vt valueType, buf []byte) (positions []uint64, scanRequired bool, consumed int, err error) {
	count := int(vt)
	off := 0
	if vt == objPositionListOverflow {
		c, n, ok := getVarint(buf)
		if !ok {
			return nil, false, 0, ErrTruncatedRead
		}
		count = int(c)
		off = n
		if count == 0 {
			return nil, true, off, nil
		}
	}
	positions = make([]uint64, 0, count)
	var prior uint64
	for i := 0; i < count; i++ {
		v, n, ok := getVarint(buf[off:])
		if !ok {
			return nil, false, 0, ErrTruncatedRead
		}
		off += n
		if i == 0 {
			prior = v
		} else {
			prior += v
		}
		positions = append(positions, prior)
	}
	return positions, false, off, nil
}
