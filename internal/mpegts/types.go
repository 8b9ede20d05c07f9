// Package mpegts implements MPEG-TS demuxing for transport stream parsing.
// It frames 188-byte packets out of an arbitrarily chunked byte stream,
// decodes and encodes packet headers and adaptation fields, and reassembles
// per-PID elementary stream payloads with continuity tracking.
package mpegts

// Wire format constants.
const (
	PacketSize = 188
	SyncByte   = 0x47
	MaxPID     = 0x1FFF

	// pcrScale converts a 90 kHz PCR base to the 27 MHz clock.
	pcrScale = 300
)

// ScramblingControl is the 2-bit transport_scrambling_control field.
type ScramblingControl uint8

// Scrambling control values.
const (
	NotScrambled ScramblingControl = iota
	ScramblingReserved
	ScrambledEvenKey
	ScrambledOddKey
)

func (s ScramblingControl) String() string {
	switch s {
	case NotScrambled:
		return "none"
	case ScramblingReserved:
		return "reserved"
	case ScrambledEvenKey:
		return "even-key"
	case ScrambledOddKey:
		return "odd-key"
	}
	return "invalid"
}

// AdaptationFieldControl is the 2-bit adaptation_field_control field.
type AdaptationFieldControl uint8

// Adaptation field control values.
const (
	AFCReserved AdaptationFieldControl = iota
	AFCPayloadOnly
	AFCAdaptationOnly
	AFCAdaptationAndPayload
)

// HasPayload reports whether packets with this control value carry a payload.
func (c AdaptationFieldControl) HasPayload() bool {
	return c == AFCPayloadOnly || c == AFCAdaptationAndPayload
}

// HasAdaptationField reports whether packets with this control value carry
// an adaptation field.
func (c AdaptationFieldControl) HasAdaptationField() bool {
	return c == AFCAdaptationOnly || c == AFCAdaptationAndPayload
}

// Packet is a parsed 188-byte MPEG-TS transport stream packet. A Packet
// owns its Payload; it never aliases the buffer it was parsed from.
type Packet struct {
	Header          PacketHeader
	AdaptationField *AdaptationField
	Payload         []byte
}

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	Scrambling                ScramblingControl
	AdaptationFieldControl    AdaptationFieldControl
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	TransportPriority         bool
}

// HasPayload reports whether the header announces a payload.
func (h PacketHeader) HasPayload() bool { return h.AdaptationFieldControl.HasPayload() }

// HasAdaptationField reports whether the header announces an adaptation field.
func (h PacketHeader) HasAdaptationField() bool {
	return h.AdaptationFieldControl.HasAdaptationField()
}

// DiscontinuityIndicator reports whether the packet's adaptation field
// signals a continuity counter or clock discontinuity.
func (p *Packet) DiscontinuityIndicator() bool {
	return p.AdaptationField != nil && p.AdaptationField.Flags.Has(AFFlagDiscontinuity)
}

// IsPESPayload reports whether the payload begins with a PES start code.
func (p *Packet) IsPESPayload() bool {
	return isPESPayload(p.Payload)
}

// DemuxerData is the output of the Demuxer for each reassembled PES unit.
type DemuxerData struct {
	FirstPacket *Packet
	PID         uint16
	PES         *PESData
}

// PESData contains a reassembled Packetized Elementary Stream.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

// PESHeader contains the parsed PES packet header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
	PacketLength   uint16
}

// IsVideo reports whether the stream id is in the MPEG video range.
func (h *PESHeader) IsVideo() bool {
	return h.StreamID >= 0xE0 && h.StreamID <= 0xEF
}

// IsAudio reports whether the stream id is in the MPEG audio range.
func (h *PESHeader) IsAudio() bool {
	return h.StreamID >= 0xC0 && h.StreamID <= 0xDF
}

// ClockReference holds a 33-bit timestamp base on the 90 kHz clock and,
// for ESCR, the 9-bit 27 MHz extension.
type ClockReference struct {
	Base      int64
	Extension uint16
}

// PayloadHandler receives one elementary-stream byte run per TS packet
// payload, in arrival order.
type PayloadHandler func(pid uint16, payload []byte)

// UnitHandler receives a reassembled PES unit together with the packet
// that started it.
type UnitHandler func(first *Packet, pes *PESData)
