package reftable

import "hash/crc32"

// crc32IEEE is the footer checksum algorithm §1 and §6 specify: CRC-32 with
// the IEEE polynomial, stored big-endian over the footer bytes preceding it.
//
// modules/crc in this repository wraps CRC-64 for a different on-disk
// format's trailer; reftable's footer is CRC-32, a different polynomial and
// width, so this is a small sibling rather than a bent reuse of that
// package (see DESIGN.md).
func crc32IEEE(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
