package reftable

import "bytes"

// refnameDisposition classifies each byte a ref name component may contain.
// Table and meanings adapted from git's refs.c check_refname_component: 0
// acceptable, 1 end-of-component ('/'), 2 '.' (reject a preceding '.'), 3
// '{' (reject a preceding '@'), 4 always bad, 5 '*' (never accepted here,
// since reftable names are never patterns).
var refnameDisposition = [256]byte{
	4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4,
	4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4,
	4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 5, 0, 0, 0, 2, 1,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 0, 4,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 4, 0, 4, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 3, 0, 0, 4, 4,
}

func checkRefNameComponent(name []byte) int {
	last := byte(0)
	var i int
	for ; i < len(name); i++ {
		ch := name[i]
		switch refnameDisposition[ch] {
		case 1:
			goto OUT
		case 2:
			if last == '.' {
				return -1
			}
		case 3:
			if last == '@' {
				return -1
			}
		case 4, 5:
			return -1
		}
		last = ch
	}
OUT:
	if i == 0 {
		return 0
	}
	if name[0] == '.' {
		return -1
	}
	if bytes.HasSuffix(name[:i], []byte(".lock")) {
		return -1
	}
	return i
}

// ValidateRefName reports whether name is an acceptable reftable ref name:
// no empty components, no component starting with '.' or ending in
// ".lock", no "..", no "@{", none of the ASCII control/space/tab/":?[\^~"
// characters, and the whole name does not end in '.'. A reftable name need
// not start with "refs/" (the log and object-index keys described in §6
// make no such assumption), so unlike git's validator this does not
// special-case "HEAD" or require any particular top-level prefix.
func ValidateRefName(name string) bool {
	if name == "@" {
		return false
	}
	b := []byte(name)
	var componentLen int
	for {
		if componentLen = checkRefNameComponent(b); componentLen <= 0 {
			return false
		}
		if len(b) == componentLen {
			break
		}
		b = b[componentLen+1:]
	}
	return b[componentLen-1] != '.'
}
