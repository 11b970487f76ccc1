package reftable

import (
	"bytes"

	"github.com/klauspost/compress/flate"

	"github.com/antgroup/reftable/modules/streamio"
)

// outputStream accumulates finished blocks into a growing byte buffer,
// padding between blocks to the configured block size and compressing log
// blocks with DEFLATE before they land on disk (§4.3, §4.5). A table
// writer owns exactly one of these per file being produced.
type outputStream struct {
	blockSize int
	buf       *bytes.Buffer
}

func newOutputStream(blockSize int) *outputStream {
	return &outputStream{blockSize: blockSize, buf: streamio.GetBytesBuffer()}
}

func (s *outputStream) release() {
	streamio.PutBytesBuffer(s.buf)
	s.buf = nil
}

// offset returns the current write position, i.e. where the next block (or
// the footer) would begin.
func (s *outputStream) offset() int64 {
	return int64(s.buf.Len())
}

// writeRaw appends bytes without any block-size bookkeeping; used for the
// file header and footer, which are not block-framed.
func (s *outputStream) writeRaw(b []byte) {
	s.buf.Write(b)
}

// writeBlock appends one finished, uncompressed block. Non-log blocks are
// written as-is, padded with zero bytes up to blockSize when pad is true
// (§4.3: "a block occupies a whole number of blockSize units on disk,
// except optionally the last one of a section" — the table writer passes
// pad=AlignBlocks for every ref and object block, a section's final one
// included, and pad=false for index blocks). Log blocks are DEFLATE-
// compressed first, with the on-disk header's length field rewritten to
// the compressed size (header + compressed body), and are never padded
// (§4.5: a log block's on-disk length is exactly its compressed size).
func (s *outputStream) writeBlock(raw []byte, pad bool) error {
	typ := blockType(raw[0])
	if typ != blockTypeLog {
		s.buf.Write(raw)
		if pad && s.blockSize > 0 {
			if rem := s.blockSize - len(raw)%s.blockSize; rem != s.blockSize {
				s.buf.Write(make([]byte, rem))
			}
		}
		return nil
	}

	body := raw[4:]
	compressed, err := deflateBytes(body)
	if err != nil {
		return err
	}
	declaredLen := 4 + len(compressed)
	header := make([]byte, 4)
	header[0] = byte(blockTypeLog)
	header = putUint24(header[:1], uint32(declaredLen))
	s.buf.Write(header)
	s.buf.Write(compressed)
	return nil
}

func deflateBytes(body []byte) ([]byte, error) {
	var out bytes.Buffer
	zw, err := flate.NewWriter(&out, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (s *outputStream) bytes() []byte {
	return s.buf.Bytes()
}
