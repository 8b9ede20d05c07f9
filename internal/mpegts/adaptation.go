package mpegts

import "fmt"

// AdaptationFieldFlags is the flag byte of an adaptation field.
type AdaptationFieldFlags uint8

// Adaptation field flags, in wire bit order from least significant.
const (
	AFFlagExtension     AdaptationFieldFlags = 0x01
	AFFlagPrivateData   AdaptationFieldFlags = 0x02
	AFFlagSplicingPoint AdaptationFieldFlags = 0x04
	AFFlagOPCR          AdaptationFieldFlags = 0x08
	AFFlagPCR           AdaptationFieldFlags = 0x10
	AFFlagESPriority    AdaptationFieldFlags = 0x20
	AFFlagRandomAccess  AdaptationFieldFlags = 0x40
	AFFlagDiscontinuity AdaptationFieldFlags = 0x80
)

// Has reports whether all bits of flag are set.
func (f AdaptationFieldFlags) Has(flag AdaptationFieldFlags) bool {
	return f&flag == flag
}

// pcrLen is the encoded size of a PCR or OPCR: 33-bit base, 6 reserved
// bits and a 9-bit extension.
const pcrLen = 6

// AdaptationField is the optional variable-length region following the
// packet header. Length is the declared length byte, which excludes itself.
// PCR and OPCR are 27 MHz values (base*300 + extension).
type AdaptationField struct {
	Length          uint8
	Flags           AdaptationFieldFlags
	PCR             uint64
	OPCR            uint64
	SpliceCountdown int8
	PrivateData     []byte
	Extension       *AdaptationFieldExtension
}

// CalculatedLength returns the number of bytes the flagged sub-fields need
// after the length byte. It is compared against Length, which may be larger
// when the field carries stuffing.
func (af *AdaptationField) CalculatedLength() int {
	n := 1
	if af.Flags.Has(AFFlagPCR) {
		n += pcrLen
	}
	if af.Flags.Has(AFFlagOPCR) {
		n += pcrLen
	}
	if af.Flags.Has(AFFlagSplicingPoint) {
		n++
	}
	if af.Flags.Has(AFFlagPrivateData) {
		n += 1 + len(af.PrivateData)
	}
	if af.Flags.Has(AFFlagExtension) {
		if af.Extension != nil {
			n += af.Extension.Len()
		} else {
			n++
		}
	}
	return n
}

// Validate checks the flag-dependent invariants of a decoded or
// hand-built adaptation field.
func (af *AdaptationField) Validate() (invariant string, ok bool) {
	if af.Length == 0 {
		return "", true
	}
	if af.Flags.Has(AFFlagPrivateData) && af.PrivateData == nil {
		return InvariantPrivateData, false
	}
	if af.Flags.Has(AFFlagExtension) && af.Extension == nil {
		return InvariantExtension, false
	}
	if af.CalculatedLength() > int(af.Length) {
		return InvariantAdaptationLength, false
	}
	return "", true
}

// parseAdaptationField decodes the adaptation field at the start of b, which
// holds the remainder of the packet after the 4-byte header. It returns the
// number of bytes to advance past the field. When the declared length runs
// past the end of b and strict is false, the field is decoded from the bytes
// that are present and the returned advance is zero.
func parseAdaptationField(b []byte, strict bool) (*AdaptationField, int, error) {
	if len(b) < 1 {
		return nil, 0, fmt.Errorf("adaptation field length: %w", ErrTruncated)
	}
	af := &AdaptationField{Length: b[0]}
	if af.Length == 0 {
		return af, 1, nil
	}

	advance := int(af.Length) + 1
	end := advance
	if end > len(b) {
		if strict {
			return nil, 0, fmt.Errorf("adaptation field length %d exceeds %d remaining bytes: %w",
				af.Length, len(b)-1, ErrTruncated)
		}
		end = len(b)
		advance = 0
	}
	body := b[1:end]
	if len(body) < 1 {
		return nil, 0, fmt.Errorf("adaptation field flags: %w", ErrTruncated)
	}
	af.Flags = AdaptationFieldFlags(body[0])
	off := 1

	if af.Flags.Has(AFFlagPCR) {
		if len(body)-off < pcrLen {
			return nil, 0, fmt.Errorf("PCR: %w", ErrTruncated)
		}
		af.PCR = readPCR(body[off:])
		off += pcrLen
	}
	if af.Flags.Has(AFFlagOPCR) {
		if len(body)-off < pcrLen {
			return nil, 0, fmt.Errorf("OPCR: %w", ErrTruncated)
		}
		af.OPCR = readPCR(body[off:])
		off += pcrLen
	}
	if af.Flags.Has(AFFlagSplicingPoint) {
		if len(body)-off < 1 {
			return nil, 0, fmt.Errorf("splice countdown: %w", ErrTruncated)
		}
		af.SpliceCountdown = int8(body[off])
		off++
	}
	if af.Flags.Has(AFFlagPrivateData) {
		if len(body)-off < 1 {
			return nil, 0, fmt.Errorf("private data length: %w", ErrTruncated)
		}
		n := int(body[off])
		off++
		if len(body)-off < n {
			return nil, 0, fmt.Errorf("private data: %w", ErrTruncated)
		}
		af.PrivateData = make([]byte, n)
		copy(af.PrivateData, body[off:off+n])
		off += n
	}
	if af.Flags.Has(AFFlagExtension) {
		ext, _, err := parseAdaptationFieldExtension(body[off:])
		if err != nil {
			return nil, 0, err
		}
		af.Extension = ext
	}

	return af, advance, nil
}

// readPCR decodes a 6-byte program clock reference into 27 MHz ticks.
func readPCR(b []byte) uint64 {
	base := uint64(b[0])<<25 | uint64(b[1])<<17 | uint64(b[2])<<9 | uint64(b[3])<<1 | uint64(b[4])>>7
	ext := uint64(b[4]&0x01)<<8 | uint64(b[5])
	return base*pcrScale + ext
}

// putPCR encodes a 27 MHz clock value as base(33) + reserved(6) + ext(9).
func putPCR(b []byte, pcr uint64) {
	base := (pcr / pcrScale) & 0x1FFFFFFFF
	ext := pcr % pcrScale
	v := base<<15 | 0x3F<<9 | ext
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

// WireLen returns the number of bytes the field occupies in a packet.
func (af *AdaptationField) WireLen() int {
	return int(af.Length) + 1
}

// Marshal writes the adaptation field into b, padding up to the declared
// length with 0xFF stuffing, and returns WireLen().
func (af *AdaptationField) Marshal(b []byte) (int, error) {
	n := af.WireLen()
	if len(b) < n {
		return 0, fmt.Errorf("adaptation field needs %d bytes, have %d: %w", n, len(b), ErrBufferTooSmall)
	}
	b[0] = af.Length
	if af.Length == 0 {
		return 1, nil
	}
	if inv, ok := af.Validate(); !ok {
		if inv == InvariantAdaptationLength {
			return 0, fmt.Errorf("need %d bytes, declared %d: %w", af.CalculatedLength(), af.Length, ErrAdaptationFieldOverflow)
		}
		return 0, fmt.Errorf("mpegts: %s", inv)
	}

	b[1] = byte(af.Flags)
	off := 2
	if af.Flags.Has(AFFlagPCR) {
		putPCR(b[off:], af.PCR)
		off += pcrLen
	}
	if af.Flags.Has(AFFlagOPCR) {
		putPCR(b[off:], af.OPCR)
		off += pcrLen
	}
	if af.Flags.Has(AFFlagSplicingPoint) {
		b[off] = byte(af.SpliceCountdown)
		off++
	}
	if af.Flags.Has(AFFlagPrivateData) {
		b[off] = byte(len(af.PrivateData))
		off++
		off += copy(b[off:], af.PrivateData)
	}
	if af.Flags.Has(AFFlagExtension) {
		m, err := af.Extension.Marshal(b[off:n])
		if err != nil {
			return 0, err
		}
		off += m
	}
	for ; off < n; off++ {
		b[off] = 0xFF
	}
	return n, nil
}
