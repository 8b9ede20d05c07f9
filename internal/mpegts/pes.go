package mpegts

import (
	"errors"
	"fmt"
)

var (
	ErrPESTooShort      = errors.New("mpegts: PES packet too short")
	ErrPESStartCode     = errors.New("mpegts: invalid PES start code")
	ErrPESMarker        = errors.New("mpegts: PES optional header marker bits not '10'")
	ErrPESHeaderOverrun = errors.New("mpegts: PES header fields exceed PES_header_data_length")
)

// PESFlags is the 16-bit flags word that opens the optional PES header:
// marker, scrambling, priority, alignment, copyright and original in the
// high byte, field presence flags in the low byte.
type PESFlags uint16

// PES flags, in wire bit order from least significant.
const (
	PESFlagExtension          PESFlags = 1 << 0
	PESFlagCRC                PESFlags = 1 << 1
	PESFlagAdditionalCopyInfo PESFlags = 1 << 2
	PESFlagTrickMode          PESFlags = 1 << 3
	PESFlagESRate             PESFlags = 1 << 4
	PESFlagESCR               PESFlags = 1 << 5
	PESFlagDTS                PESFlags = 1 << 6
	PESFlagPTS                PESFlags = 1 << 7
	PESFlagOriginal           PESFlags = 1 << 8
	PESFlagCopyright          PESFlags = 1 << 9
	PESFlagDataAlignment      PESFlags = 1 << 10
	PESFlagPriority           PESFlags = 1 << 11
)

// Has reports whether all bits of flag are set.
func (f PESFlags) Has(flag PESFlags) bool {
	return f&flag == flag
}

// Scrambling returns the PES_scrambling_control field.
func (f PESFlags) Scrambling() ScramblingControl {
	return ScramblingControl(f >> 12 & 0x03)
}

// TrickModeControl is the 3-bit trick_mode_control field.
type TrickModeControl uint8

const (
	TrickModeFastForward TrickModeControl = iota
	TrickModeSlowMotion
	TrickModeFreezeFrame
	TrickModeFastReverse
	TrickModeSlowReverse
)

// DSMTrickMode is the decoded DSM_trick_mode byte. Which of the remaining
// fields are meaningful depends on Control.
type DSMTrickMode struct {
	Control             TrickModeControl
	FieldID             uint8
	IntraSliceRefresh   bool
	FrequencyTruncation uint8
	RepControl          uint8
}

// PESOptionalHeader carries the fields that follow the flags word. Pointer
// and slice fields are nil when their presence flag is clear.
type PESOptionalHeader struct {
	Flags              PESFlags
	HeaderDataLength   uint8
	PTS                *ClockReference
	DTS                *ClockReference
	ESCR               *ClockReference
	ESRate             uint32 // units of 50 bytes/s
	TrickMode          *DSMTrickMode
	AdditionalCopyInfo uint8
	PreviousCRC        uint16
	ExtensionFlags     uint8
	PrivateData        []byte
}

// DataAlignment reports the data_alignment_indicator.
func (h *PESOptionalHeader) DataAlignment() bool {
	return h.Flags.Has(PESFlagDataAlignment)
}

// hasOptionalHeader reports whether streamID carries the optional PES
// header. Padding, private_stream_2, ECM, EMM, DSMCC, H.222.1 type E and
// the program stream directory do not.
func hasOptionalHeader(streamID uint8) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// ParsePES parses a reassembled PES unit. A non-zero PES_packet_length
// bounds the unit; zero means it runs to the end of payload, as video
// streams do. Data aliases payload.
func ParsePES(payload []byte) (*PESData, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("%d bytes: %w", len(payload), ErrPESTooShort)
	}
	if !isPESPayload(payload) {
		return nil, ErrPESStartCode
	}

	hdr := &PESHeader{
		StreamID:     payload[3],
		PacketLength: uint16(payload[4])<<8 | uint16(payload[5]),
	}
	end := len(payload)
	if n := 6 + int(hdr.PacketLength); hdr.PacketLength > 0 && n < end {
		end = n
	}
	unit := payload[:end]

	if !hasOptionalHeader(hdr.StreamID) {
		return &PESData{Header: hdr, Data: unit[6:]}, nil
	}

	if len(unit) < 9 {
		return nil, fmt.Errorf("optional header: %w", ErrPESTooShort)
	}
	if unit[6]>>6 != 0b10 {
		return nil, ErrPESMarker
	}
	oh := &PESOptionalHeader{
		Flags:            PESFlags(unit[6])<<8 | PESFlags(unit[7]),
		HeaderDataLength: unit[8],
	}
	dataStart := 9 + int(oh.HeaderDataLength)
	if dataStart > len(unit) {
		return nil, fmt.Errorf("header data length %d, %d bytes left: %w",
			oh.HeaderDataLength, len(unit)-9, ErrPESTooShort)
	}
	if err := oh.decodeFields(unit[9:dataStart]); err != nil {
		return nil, err
	}
	hdr.OptionalHeader = oh
	return &PESData{Header: hdr, Data: unit[dataStart:]}, nil
}

// decodeFields walks the flagged fields of the header data in syntax order.
// Trailing bytes are stuffing.
func (h *PESOptionalHeader) decodeFields(b []byte) error {
	off := 0
	take := func(n int, field string) ([]byte, error) {
		if off+n > len(b) {
			return nil, fmt.Errorf("%s: %w", field, ErrPESHeaderOverrun)
		}
		v := b[off : off+n]
		off += n
		return v, nil
	}

	// PTS_DTS_flags '01' is forbidden and carries no timestamps.
	if h.Flags.Has(PESFlagPTS) {
		v, err := take(5, "PTS")
		if err != nil {
			return err
		}
		h.PTS = parseTimestamp(v)
		if h.Flags.Has(PESFlagDTS) {
			if v, err = take(5, "DTS"); err != nil {
				return err
			}
			h.DTS = parseTimestamp(v)
		}
	}
	if h.Flags.Has(PESFlagESCR) {
		v, err := take(6, "ESCR")
		if err != nil {
			return err
		}
		h.ESCR = parseESCR(v)
	}
	if h.Flags.Has(PESFlagESRate) {
		v, err := take(3, "ES rate")
		if err != nil {
			return err
		}
		h.ESRate = uint32(v[0]&0x7F)<<15 | uint32(v[1])<<7 | uint32(v[2]>>1)
	}
	if h.Flags.Has(PESFlagTrickMode) {
		v, err := take(1, "trick mode")
		if err != nil {
			return err
		}
		h.TrickMode = parseTrickMode(v[0])
	}
	if h.Flags.Has(PESFlagAdditionalCopyInfo) {
		v, err := take(1, "additional copy info")
		if err != nil {
			return err
		}
		h.AdditionalCopyInfo = v[0] & 0x7F
	}
	if h.Flags.Has(PESFlagCRC) {
		v, err := take(2, "previous CRC")
		if err != nil {
			return err
		}
		h.PreviousCRC = uint16(v[0])<<8 | uint16(v[1])
	}
	if h.Flags.Has(PESFlagExtension) {
		v, err := take(1, "extension")
		if err != nil {
			return err
		}
		h.ExtensionFlags = v[0]
		// Only the private data is kept; pack header, sequence counter and
		// P-STD buffer fields are not decoded.
		if h.ExtensionFlags&0x80 != 0 {
			if h.PrivateData, err = take(16, "PES private data"); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseTimestamp decodes a 33-bit PTS or DTS from its 5-byte marker-split
// form.
func parseTimestamp(b []byte) *ClockReference {
	base := int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
	return &ClockReference{Base: base}
}

// parseESCR decodes the 6-byte ESCR: 2 reserved bits, a 33-bit base and a
// 9-bit extension, split by marker bits.
func parseESCR(b []byte) *ClockReference {
	base := int64(b[0]>>3&0x07)<<30 |
		int64(b[0]&0x03)<<28 |
		int64(b[1])<<20 |
		int64(b[2]>>3)<<15 |
		int64(b[2]&0x03)<<13 |
		int64(b[3])<<5 |
		int64(b[4]>>3)
	ext := uint16(b[4]&0x03)<<7 | uint16(b[5]>>1)
	return &ClockReference{Base: base, Extension: ext}
}

func parseTrickMode(b byte) *DSMTrickMode {
	tm := &DSMTrickMode{Control: TrickModeControl(b >> 5)}
	switch tm.Control {
	case TrickModeFastForward, TrickModeFastReverse:
		tm.FieldID = b >> 3 & 0x03
		tm.IntraSliceRefresh = b&0x04 != 0
		tm.FrequencyTruncation = b & 0x03
	case TrickModeSlowMotion, TrickModeSlowReverse:
		tm.RepControl = b & 0x1F
	case TrickModeFreezeFrame:
		tm.FieldID = b >> 3 & 0x03
	}
	return tm
}
