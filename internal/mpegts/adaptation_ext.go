package mpegts

import (
	"encoding/binary"
	"fmt"
)

// AdaptationExtensionFlags is the flag byte of an adaptation field extension.
type AdaptationExtensionFlags uint8

// Adaptation field extension flags.
const (
	AFExtFlagSeamlessSplice  AdaptationExtensionFlags = 0x20
	AFExtFlagPiecewiseRate   AdaptationExtensionFlags = 0x40
	AFExtFlagLegalTimeWindow AdaptationExtensionFlags = 0x80
)

// Has reports whether all bits of flag are set.
func (f AdaptationExtensionFlags) Has(flag AdaptationExtensionFlags) bool {
	return f&flag == flag
}

// AdaptationFieldExtension is the optional extension nested in an
// adaptation field.
//
// LegalTimeWindow is read little-endian, matching the streams this decoder
// was built against; ISO 13818-1 packs ltw_valid_flag and a 15-bit offset
// big-endian. SeamlessSplice is kept opaque.
type AdaptationFieldExtension struct {
	Length          uint8
	Flags           AdaptationExtensionFlags
	LegalTimeWindow uint16
	PiecewiseRate   uint32
	SeamlessSplice  [5]byte
}

// Len returns the encoded size of the extension including its length byte.
func (e *AdaptationFieldExtension) Len() int {
	n := 2
	if e.Flags.Has(AFExtFlagLegalTimeWindow) {
		n += 2
	}
	if e.Flags.Has(AFExtFlagPiecewiseRate) {
		n += 3
	}
	if e.Flags.Has(AFExtFlagSeamlessSplice) {
		n += 5
	}
	return n
}

// parseAdaptationFieldExtension decodes an extension from b, which starts at
// the extension's length byte. It returns the number of bytes the extension
// occupies on the wire (declared length + 1).
func parseAdaptationFieldExtension(b []byte) (*AdaptationFieldExtension, int, error) {
	if len(b) < 2 {
		return nil, 0, fmt.Errorf("adaptation field extension header: %w", ErrTruncated)
	}
	e := &AdaptationFieldExtension{
		Length: b[0],
		Flags:  AdaptationExtensionFlags(b[1]),
	}
	if int(e.Length)+1 < e.Len() {
		return nil, 0, fmt.Errorf("adaptation field extension length %d shorter than its fields (%d): %w",
			e.Length, e.Len()-1, ErrTruncated)
	}
	end := int(e.Length) + 1
	if end > len(b) {
		return nil, 0, fmt.Errorf("adaptation field extension body: %w", ErrTruncated)
	}
	body := b[:end]
	off := 2

	if e.Flags.Has(AFExtFlagLegalTimeWindow) {
		e.LegalTimeWindow = binary.LittleEndian.Uint16(body[off:])
		off += 2
	}
	if e.Flags.Has(AFExtFlagPiecewiseRate) {
		e.PiecewiseRate = uint32(body[off])<<16 | uint32(body[off+1])<<8 | uint32(body[off+2])
		off += 3
	}
	if e.Flags.Has(AFExtFlagSeamlessSplice) {
		copy(e.SeamlessSplice[:], body[off:off+5])
	}
	return e, end, nil
}

// Marshal writes the extension into b and returns the number of bytes
// written, always Len(). The length byte is recomputed from the flags.
func (e *AdaptationFieldExtension) Marshal(b []byte) (int, error) {
	n := e.Len()
	if len(b) < n {
		return 0, fmt.Errorf("adaptation field extension needs %d bytes, have %d: %w", n, len(b), ErrBufferTooSmall)
	}
	b[0] = byte(n - 1)
	b[1] = byte(e.Flags)
	off := 2

	if e.Flags.Has(AFExtFlagLegalTimeWindow) {
		binary.LittleEndian.PutUint16(b[off:], e.LegalTimeWindow)
		off += 2
	}
	if e.Flags.Has(AFExtFlagPiecewiseRate) {
		b[off] = byte(e.PiecewiseRate >> 16)
		b[off+1] = byte(e.PiecewiseRate >> 8)
		b[off+2] = byte(e.PiecewiseRate)
		off += 3
	}
	if e.Flags.Has(AFExtFlagSeamlessSplice) {
		copy(b[off:off+5], e.SeamlessSplice[:])
	}
	return n, nil
}
