package h264

import "errors"

// ErrGolombOverflow is returned for a code word with more leading zeros
// than fit in 64 bits.
var ErrGolombOverflow = errors.New("h264: exp-golomb code too long")

// maxLeadingZeros keeps (2^Z - 1) + suffix within a uint64.
const maxLeadingZeros = 63

// ReadUE reads an unsigned Exp-Golomb code: Z leading zero bits, a one bit,
// then Z suffix bits, decoding to (2^Z - 1) + suffix. If the data ends
// before the code word does, the cursor is left unchanged and
// ErrDecodeIncomplete is returned.
func (c *BitCursor) ReadUE() (uint64, error) {
	pos, bit := c.pos, c.bit
	v, err := c.readUE()
	if err != nil {
		c.pos, c.bit = pos, bit
	}
	return v, err
}

func (c *BitCursor) readUE() (uint64, error) {
	zeros := 0
	for {
		b, err := c.ReadBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > maxLeadingZeros {
			return 0, ErrGolombOverflow
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := c.ReadBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1<<zeros - 1) + suffix, nil
}

// ReadSE reads a signed Exp-Golomb code, mapping 1, 2, 3, 4 to
// 1, -1, 2, -2.
func (c *BitCursor) ReadSE() (int64, error) {
	val, err := c.ReadUE()
	if err != nil {
		return 0, err
	}
	if val%2 == 0 {
		return -int64(val / 2), nil
	}
	return int64((val + 1) / 2), nil
}

// ExpGolomb decodes one unsigned Exp-Golomb code starting at bit bitOff of
// data[byteOff] and returns the value with the position just past it. ok
// is false, and the position unchanged, when data runs out first.
func ExpGolomb(data []byte, byteOff, bitOff int) (v uint64, nextByte, nextBit int, ok bool) {
	c := NewBitCursorAt(data, byteOff, bitOff)
	v, err := c.ReadUE()
	if err != nil {
		return 0, byteOff, bitOff, false
	}
	nextByte, nextBit = c.Offset()
	return v, nextByte, nextBit, true
}
