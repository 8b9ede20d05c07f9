package mpegts

import (
	"encoding/binary"
	"fmt"
)

const headerSize = 4

// ParsePacket decodes one 188-byte packet. An adaptation field whose
// declared length runs past the end of the packet is tolerated: the
// payload then starts right after the header.
func ParsePacket(buf []byte) (*Packet, error) {
	return parsePacket(buf, false)
}

// ParsePacketStrict is ParsePacket with over-length adaptation fields
// rejected as malformed.
func ParsePacketStrict(buf []byte) (*Packet, error) {
	return parsePacket(buf, true)
}

func parsePacket(buf []byte, strict bool) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("packet size %d, expected %d: %w", len(buf), PacketSize, ErrPacketSize)
	}
	if buf[0] != SyncByte {
		return nil, fmt.Errorf("got 0x%02X: %w", buf[0], ErrInvalidSyncByte)
	}

	hv := binary.BigEndian.Uint32(buf)
	p := &Packet{}
	p.Header.TransportErrorIndicator = hv&0x800000 != 0
	p.Header.PayloadUnitStartIndicator = hv&0x400000 != 0
	p.Header.TransportPriority = hv&0x200000 != 0
	p.Header.PID = uint16(hv>>8) & MaxPID
	p.Header.Scrambling = ScramblingControl(hv>>6) & 0x03
	p.Header.AdaptationFieldControl = AdaptationFieldControl(hv>>4) & 0x03
	p.Header.ContinuityCounter = uint8(hv & 0x0F)

	offset := headerSize

	if p.Header.HasAdaptationField() {
		af, advance, err := parseAdaptationField(buf[offset:], strict)
		switch {
		case err == nil:
			p.AdaptationField = af
			offset += advance
		case !p.Header.TransportErrorIndicator:
			return nil, &MalformedPacketError{
				PID:       p.Header.PID,
				Invariant: InvariantAdaptationDecoding,
				Err:       err,
			}
		}
	}

	if p.Header.HasPayload() {
		p.Payload = make([]byte, PacketSize-offset)
		copy(p.Payload, buf[offset:])
	}

	// Transport error packets are passed through without field validation.
	if !p.Header.TransportErrorIndicator {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Validate checks the packet's structural invariants and returns a
// *MalformedPacketError naming the first one violated.
func (p *Packet) Validate() error {
	h := p.Header
	fail := func(inv string) error {
		return &MalformedPacketError{PID: h.PID, Invariant: inv}
	}
	if h.PID > MaxPID {
		return fail(InvariantPID)
	}
	if h.Scrambling > ScrambledOddKey {
		return fail(InvariantScrambling)
	}
	if h.HasPayload() != (p.Payload != nil) {
		return fail(InvariantPayload)
	}
	if h.HasAdaptationField() != (p.AdaptationField != nil) {
		return fail(InvariantAdaptationField)
	}
	if p.AdaptationField != nil {
		if inv, ok := p.AdaptationField.Validate(); !ok {
			return fail(inv)
		}
	}
	return nil
}

// Marshal encodes the packet into the first 188 bytes of b: header,
// adaptation field, payload, then 0xFF stuffing. It returns PacketSize.
func (p *Packet) Marshal(b []byte) (int, error) {
	if len(b) < PacketSize {
		return 0, fmt.Errorf("need %d bytes, have %d: %w", PacketSize, len(b), ErrBufferTooSmall)
	}
	h := p.Header
	if h.PID > MaxPID {
		return 0, &MalformedPacketError{PID: h.PID, Invariant: InvariantPID}
	}
	b = b[:PacketSize]

	hv := uint32(SyncByte)<<24 |
		uint32(h.PID&MaxPID)<<8 |
		uint32(h.Scrambling&0x03)<<6 |
		uint32(h.AdaptationFieldControl&0x03)<<4 |
		uint32(h.ContinuityCounter&0x0F)
	if h.TransportErrorIndicator {
		hv |= 0x800000
	}
	if h.PayloadUnitStartIndicator {
		hv |= 0x400000
	}
	if h.TransportPriority {
		hv |= 0x200000
	}
	binary.BigEndian.PutUint32(b, hv)

	offset := headerSize
	if h.HasAdaptationField() {
		af := p.AdaptationField
		if af == nil {
			af = &AdaptationField{}
		}
		n, err := af.Marshal(b[offset:])
		if err != nil {
			return 0, err
		}
		offset += n
	}
	if h.HasPayload() {
		if len(p.Payload) > PacketSize-offset {
			return 0, fmt.Errorf("payload %d bytes, room for %d: %w", len(p.Payload), PacketSize-offset, ErrPayloadTooLarge)
		}
		offset += copy(b[offset:], p.Payload)
	}
	for ; offset < PacketSize; offset++ {
		b[offset] = 0xFF
	}
	return PacketSize, nil
}
