// Package reftable implements the reftable file format: a block-structured,
// content-addressed, append-only on-disk encoding for a version-control
// system's references and reflog.
//
// A single file is written once by a Writer and read many times through a
// Reader. Multiple files can be layered into a stack and merge-joined by a
// Merged reader, so that newer tables shadow older ones. The stack
// sub-package (modules/reftable/stack) wires a directory of such files
// together with a write lock and a tables.list manifest.
package reftable
