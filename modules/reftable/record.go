package reftable

// blockType tags the 4-byte block header. One ASCII letter, matching §4.3
// and §6 exactly.
type blockType byte

const (
	blockTypeFileHeader blockType = 'R'
	blockTypeRef        blockType = 'r'
	blockTypeObj        blockType = 'o'
	blockTypeLog        blockType = 'g'
	blockTypeIndex      blockType = 'i'
)

// valueType is the low 3 bits of suffixAndType, per §4.3's "adopt the
// later, 3-bit layout (VALUE_TYPE_MASK = 0x7)" resolution of the spec's one
// open question about the nibble width.
type valueType byte

const valueTypeMask = 0x7

const (
	refValNone   valueType = 0 // deletion tombstone
	refVal1ID    valueType = 1 // unpeeled object
	refVal2ID    valueType = 2 // peeled tag
	refValSymref valueType = 3 // symbolic reference

	logValNone valueType = 0 // deletion/shadow, no payload
	logValData valueType = 1 // full log record
)

// RefKind distinguishes the four Ref variants collapsed into one struct
// (§9: "a sum type with four variants; all call sites switch exhaustively").
type RefKind int8

const (
	RefDeleted RefKind = iota
	RefUnpeeled
	RefPeeled
	RefSymbolic
)

// Origin records whether a Ref came from the stack's newest table or an
// older one; see SPEC_FULL.md §3.
type Origin int8

const (
	OriginUnknown Origin = iota
	OriginPacked
	OriginNew
)

// Ref is a single reference record: a name plus one of four variants
// (§3 Data model).
type Ref struct {
	Name        string
	Kind        RefKind
	Value       ObjectID // RefUnpeeled, RefPeeled: the ref's own target
	PeeledValue ObjectID // RefPeeled only: the tag's dereferenced target
	SymTarget   string   // RefSymbolic only
	UpdateIndex uint64
	Origin      Origin
}

// IsDeletion reports whether r is a tombstone: type NONE with no object ID,
// the shadowing/hiding rule §4.8 keys off of.
func (r Ref) IsDeletion() bool {
	return r.Kind == RefDeleted
}

// LogEntry is one reflog record, keyed by (RefName, UpdateIndex); see §3.
type LogEntry struct {
	RefName     string
	UpdateIndex uint64
	Deletion    bool // hides a prior entry at the same key; no payload
	Old, New    ObjectID
	Name        string
	Email       string
	Time        int64 // seconds since epoch
	TZOffset    int16 // minutes
	Message     string
}

// logKey builds the physical log-section key: refname || 0x00 ||
// bigendian(bit-complement(updateIndex)), so that lexicographic byte order
// sorts by refname ascending then updateIndex descending (§3).
func logKey(refname string, updateIndex uint64) []byte {
	key := make([]byte, 0, len(refname)+1+8)
	key = append(key, refname...)
	key = append(key, 0)
	key = putUint64(key, ^updateIndex)
	return key
}

// decodeLogKey splits a physical log key back into (refname, updateIndex).
func decodeLogKey(key []byte) (refname string, updateIndex uint64, ok bool) {
	if len(key) < 9 {
		return "", 0, false
	}
	nameBytes := key[:len(key)-9]
	if key[len(key)-9] != 0 {
		return "", 0, false
	}
	refname = string(nameBytes)
	updateIndex = ^getUint64(key[len(key)-8:])
	return refname, updateIndex, true
}
