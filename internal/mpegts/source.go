package mpegts

import (
	"context"
	"errors"
	"io"
)

// ByteSource feeds bytes to a Framer. Read blocks until at least min bytes
// are buffered or the input has ended, and returns the unconsumed view;
// final reports that no further bytes will arrive. Advance marks the first
// n bytes of the view as consumed; they are never returned again. The view
// is only valid until the next call to Read or Advance.
type ByteSource interface {
	Read(ctx context.Context, min int) (view []byte, final bool, err error)
	Advance(n int)
}

// defaultSourceSize is the buffer size used by NewReaderSource when none is
// given. 1316 bytes is the usual 7-packet SRT/UDP datagram.
const defaultSourceSize = 1316 * 10

// ReaderSource adapts an io.Reader into a ByteSource backed by a fixed-size
// buffer. A slow consumer stops calling Read, which in turn stops reading
// from the underlying reader.
type ReaderSource struct {
	r     io.Reader
	buf   []byte
	start int
	end   int
	eof   bool
}

// NewReaderSource creates a ReaderSource with a buffer of size bytes.
// Sizes smaller than two packets are raised to the default.
func NewReaderSource(r io.Reader, size int) *ReaderSource {
	if size < 2*PacketSize {
		size = defaultSourceSize
	}
	return &ReaderSource{r: r, buf: make([]byte, size)}
}

// Read implements ByteSource.
func (s *ReaderSource) Read(ctx context.Context, min int) ([]byte, bool, error) {
	if min > len(s.buf) {
		min = len(s.buf)
	}
	for s.end-s.start < min && !s.eof {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		if s.end == len(s.buf) {
			s.end = copy(s.buf, s.buf[s.start:s.end])
			s.start = 0
		}
		n, err := s.r.Read(s.buf[s.end:])
		s.end += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.eof = true
				break
			}
			return nil, false, err
		}
	}
	return s.buf[s.start:s.end], s.eof, nil
}

// Advance implements ByteSource.
func (s *ReaderSource) Advance(n int) {
	s.start += n
	if s.start > s.end {
		s.start = s.end
	}
	if s.start == s.end {
		s.start, s.end = 0, 0
	}
}

// ChanSource is a ByteSource fed by a channel of chunks. The channel's
// capacity bounds how far a producer may run ahead of the framer; closing
// the channel ends the input.
type ChanSource struct {
	ch     <-chan []byte
	buf    []byte
	off    int
	closed bool
}

// NewChanSource creates a ChanSource draining ch.
func NewChanSource(ch <-chan []byte) *ChanSource {
	return &ChanSource{ch: ch}
}

// Read implements ByteSource. Consumed bytes are compacted away only when
// a new chunk is appended.
func (s *ChanSource) Read(ctx context.Context, min int) ([]byte, bool, error) {
	for len(s.buf)-s.off < min && !s.closed {
		select {
		case chunk, ok := <-s.ch:
			if !ok {
				s.closed = true
				break
			}
			if s.off > 0 {
				n := copy(s.buf, s.buf[s.off:])
				s.buf = s.buf[:n]
				s.off = 0
			}
			s.buf = append(s.buf, chunk...)
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	return s.buf[s.off:], s.closed, nil
}

// Advance implements ByteSource.
func (s *ChanSource) Advance(n int) {
	s.off += n
	if s.off >= len(s.buf) {
		s.buf = s.buf[:0]
		s.off = 0
	}
}
