package h264

import (
	"bufio"
	"errors"
	"io"
)

const readChunkSize = 4096

// Reader yields NAL units from a byte stream.
//
// By default every byte read is taken as a NAL header and returned as a
// one-byte unit; no start codes are searched for and no emulation
// prevention bytes are removed. This is only meaningful when the caller has
// already split the stream on start codes. ReaderOptAnnexB switches to
// start code framing.
type Reader struct {
	r       *bufio.Reader
	annexB  bool
	buf     []byte
	pending []NALUnit
	eof     bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// ReaderOptAnnexB makes the Reader split the stream on 0x000001 and
// 0x00000001 start codes and return whole NAL units. Use NALUnit.RBSP for
// the payload with emulation prevention bytes removed.
func ReaderOptAnnexB() ReaderOption {
	return func(r *Reader) {
		r.annexB = true
	}
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	rd := &Reader{r: bufio.NewReader(r)}
	for _, opt := range opts {
		opt(rd)
	}
	return rd
}

// Next returns the next NAL unit, or io.EOF at the end of the stream.
func (r *Reader) Next() (NALUnit, error) {
	if !r.annexB {
		b, err := r.r.ReadByte()
		if err != nil {
			return NALUnit{}, err
		}
		u := ParseNALHeader(b)
		u.Data = []byte{b}
		return u, nil
	}
	return r.nextAnnexB()
}

func (r *Reader) nextAnnexB() (NALUnit, error) {
	for {
		if len(r.pending) > 0 {
			u := r.pending[0]
			r.pending = r.pending[1:]
			return u, nil
		}
		if r.eof {
			if len(r.buf) == 0 {
				return NALUnit{}, io.EOF
			}
			r.pending = SplitAnnexB(r.buf)
			r.buf = nil
			continue
		}

		chunk := make([]byte, readChunkSize)
		n, err := r.r.Read(chunk)
		r.buf = append(r.buf, chunk[:n]...)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return NALUnit{}, err
			}
			r.eof = true
		}

		// Units are complete once the next start code has arrived.
		positions := findStartCodes(r.buf)
		if len(positions) < 2 {
			continue
		}
		last := positions[len(positions)-1].scStart
		r.pending = SplitAnnexB(r.buf[:last])
		r.buf = append([]byte(nil), r.buf[last:]...)
	}
}
