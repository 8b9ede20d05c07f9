// Package h264 reads H.264/AVC elementary streams: NAL unit headers, Annex B
// framing, Exp-Golomb coded syntax elements, sequence parameter sets, and
// the caption and timecode payloads carried in SEI messages.
package h264

import "errors"

// ErrDecodeIncomplete is returned when the bitstream ends before a syntax
// element has been fully read.
var ErrDecodeIncomplete = errors.New("h264: bitstream exhausted")

// BitCursor reads a byte slice most significant bit first. The position only
// moves forward.
type BitCursor struct {
	data []byte
	pos  int
	bit  int
}

// NewBitCursor creates a BitCursor positioned at the first bit of data.
func NewBitCursor(data []byte) *BitCursor {
	return &BitCursor{data: data}
}

// NewBitCursorAt creates a BitCursor at bit bitOff (0-7, from the most
// significant bit) of byte byteOff.
func NewBitCursorAt(data []byte, byteOff, bitOff int) *BitCursor {
	return &BitCursor{data: data, pos: byteOff + bitOff/8, bit: bitOff % 8}
}

// Offset returns the byte offset and bit offset of the next unread bit.
func (c *BitCursor) Offset() (byteOff, bitOff int) {
	return c.pos, c.bit
}

// BitsLeft returns the number of unread bits.
func (c *BitCursor) BitsLeft() int {
	if c.pos >= len(c.data) {
		return 0
	}
	return (len(c.data)-c.pos)*8 - c.bit
}

// ReadBit reads one bit.
func (c *BitCursor) ReadBit() (uint, error) {
	if c.pos >= len(c.data) {
		return 0, ErrDecodeIncomplete
	}
	val := uint((c.data[c.pos] >> (7 - c.bit)) & 1)
	c.bit++
	if c.bit == 8 {
		c.bit = 0
		c.pos++
	}
	return val, nil
}

// ReadFlag reads one bit as a boolean.
func (c *BitCursor) ReadFlag() (bool, error) {
	b, err := c.ReadBit()
	return b == 1, err
}

// ReadBits reads n bits (n <= 64) as a big-endian value. On error the
// cursor is left where it was.
func (c *BitCursor) ReadBits(n int) (uint64, error) {
	if n > c.BitsLeft() {
		return 0, ErrDecodeIncomplete
	}
	var val uint64
	for i := 0; i < n; i++ {
		b, _ := c.ReadBit()
		val = val<<1 | uint64(b)
	}
	return val, nil
}

// Skip advances n bits.
func (c *BitCursor) Skip(n int) error {
	if n > c.BitsLeft() {
		return ErrDecodeIncomplete
	}
	total := c.bit + n
	c.pos += total / 8
	c.bit = total % 8
	return nil
}

// ByteAligned reports whether the cursor sits on a byte boundary.
func (c *BitCursor) ByteAligned() bool {
	return c.bit == 0
}

func (c *BitCursor) skipScalingList(size int) error {
	lastScale := 8
	nextScale := 8
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			delta, err := c.ReadSE()
			if err != nil {
				return err
			}
			nextScale = (lastScale + int(delta) + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}
