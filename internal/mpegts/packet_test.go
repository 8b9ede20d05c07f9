package mpegts

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func makePacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = SyncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F) // payload only
	if pusi {
		buf[1] |= 0x40
	}
	copy(buf[4:], payload)
	return buf
}

func makePacketWithAF(pid uint16, cc uint8, afLen int, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = SyncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	if len(payload) > 0 {
		buf[3] = 0x30 | (cc & 0x0F) // adaptation + payload
	} else {
		buf[3] = 0x20 | (cc & 0x0F) // adaptation only
	}
	buf[4] = byte(afLen)
	// AF body is zeros (no flags set)
	offset := 5 + afLen
	if offset < PacketSize {
		copy(buf[offset:], payload)
	}
	return buf
}

func TestParsePacket_Normal(t *testing.T) {
	t.Parallel()
	payload := []byte{0x01, 0x02, 0x03}
	buf := makePacket(0x100, 5, false, payload)

	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}

	if p.Header.PID != 0x100 {
		t.Errorf("PID = %d, want %d", p.Header.PID, 0x100)
	}
	if p.Header.ContinuityCounter != 5 {
		t.Errorf("CC = %d, want 5", p.Header.ContinuityCounter)
	}
	if p.Header.PayloadUnitStartIndicator {
		t.Error("PUSI should be false")
	}
	if !p.Header.HasPayload() {
		t.Error("HasPayload should be true")
	}
	if p.Header.HasAdaptationField() {
		t.Error("HasAdaptationField should be false")
	}
	if len(p.Payload) != 184 {
		t.Errorf("payload length = %d, want 184", len(p.Payload))
	}
	if p.Payload[0] != 0x01 || p.Payload[1] != 0x02 || p.Payload[2] != 0x03 {
		t.Error("payload content mismatch")
	}
}

func TestParsePacket_PayloadIsCopied(t *testing.T) {
	t.Parallel()
	buf := makePacket(0x100, 0, false, []byte{0xAA})
	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	buf[4] = 0x00
	if p.Payload[0] != 0xAA {
		t.Error("payload aliases the input buffer")
	}
}

func TestParsePacket_PUSI(t *testing.T) {
	t.Parallel()
	buf := makePacket(0x1E1, 0, true, nil)
	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Header.PayloadUnitStartIndicator {
		t.Error("PUSI should be true")
	}
	if p.Header.PID != 0x1E1 {
		t.Errorf("PID = 0x%X, want 0x1E1", p.Header.PID)
	}
}

func TestParsePacket_TEI(t *testing.T) {
	t.Parallel()
	buf := makePacket(0x100, 0, false, nil)
	buf[1] |= 0x80 // set TEI
	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Header.TransportErrorIndicator {
		t.Error("TEI should be true")
	}
}

func TestParsePacket_TEISkipsValidation(t *testing.T) {
	t.Parallel()
	// Adaptation field with the private data flag but a length byte that
	// runs past the field: broken, but accepted on a TEI packet.
	buf := makePacketWithAF(0x100, 0, 2, []byte{0x01})
	buf[1] |= 0x80
	buf[5] = byte(AFFlagPrivateData)
	buf[6] = 50
	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatalf("TEI packet rejected: %v", err)
	}
	if p.AdaptationField != nil {
		t.Error("undecodable adaptation field should be left nil")
	}
}

func TestParsePacket_AdaptationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		afLen       int
		payloadData []byte
		wantPayLen  int
	}{
		{"af_0_bytes", 0, []byte{0xCC}, 188 - 5},
		{"af_1_byte", 1, []byte{0xAA}, 188 - 6},
		{"af_10_bytes", 10, []byte{0xBB}, 188 - 15},
		{"af_183_bytes_no_payload", 183, nil, 0},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			buf := makePacketWithAF(0x100, 0, tc.afLen, tc.payloadData)
			p, err := ParsePacket(buf)
			if err != nil {
				t.Fatal(err)
			}
			if !p.Header.HasAdaptationField() {
				t.Error("HasAdaptationField should be true")
			}
			if p.AdaptationField == nil {
				t.Fatal("adaptation field missing")
			}
			if int(p.AdaptationField.Length) != tc.afLen {
				t.Errorf("AF length = %d, want %d", p.AdaptationField.Length, tc.afLen)
			}
			if tc.payloadData == nil {
				if p.Payload != nil {
					t.Error("adaptation-only packet has a payload")
				}
				return
			}
			if len(p.Payload) != tc.wantPayLen {
				t.Errorf("payload length = %d, want %d", len(p.Payload), tc.wantPayLen)
			}
			if p.Payload[0] != tc.payloadData[0] {
				t.Errorf("payload[0] = 0x%02X, want 0x%02X", p.Payload[0], tc.payloadData[0])
			}
		})
	}
}

func TestParsePacket_OverlengthAdaptationField(t *testing.T) {
	t.Parallel()
	buf := makePacketWithAF(0x100, 0, 1, []byte{0x01})
	buf[4] = 200 // declared length beyond the packet

	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatalf("tolerant parse: %v", err)
	}
	if len(p.Payload) != PacketSize-headerSize {
		t.Errorf("payload length = %d, want %d (no advance)", len(p.Payload), PacketSize-headerSize)
	}

	_, err = ParsePacketStrict(buf)
	var mpe *MalformedPacketError
	if !errors.As(err, &mpe) {
		t.Fatalf("strict parse: expected *MalformedPacketError, got %v", err)
	}
	if mpe.Invariant != InvariantAdaptationDecoding {
		t.Errorf("invariant = %q, want %q", mpe.Invariant, InvariantAdaptationDecoding)
	}
	if !errors.Is(err, ErrTruncated) {
		t.Error("strict error should wrap ErrTruncated")
	}
}

func TestParsePacket_BadSyncByte(t *testing.T) {
	t.Parallel()
	buf := make([]byte, PacketSize)
	buf[0] = 0x00
	_, err := ParsePacket(buf)
	if !errors.Is(err, ErrInvalidSyncByte) {
		t.Errorf("expected ErrInvalidSyncByte, got %v", err)
	}
}

func TestParsePacket_WrongSize(t *testing.T) {
	t.Parallel()
	_, err := ParsePacket([]byte{0x47, 0x00, 0x00})
	if !errors.Is(err, ErrPacketSize) {
		t.Errorf("expected ErrPacketSize, got %v", err)
	}
}

func TestParsePacket_MaxPID(t *testing.T) {
	t.Parallel()
	buf := makePacket(0x1FFF, 0, false, nil)
	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if p.Header.PID != 0x1FFF {
		t.Errorf("PID = 0x%X, want 0x1FFF", p.Header.PID)
	}
}

func TestPacketValidate_PIDOutOfRange(t *testing.T) {
	t.Parallel()
	for _, pid := range []uint16{MaxPID + 1, 0x2000, 0xFFFF} {
		p := &Packet{
			Header:  PacketHeader{PID: pid, AdaptationFieldControl: AFCPayloadOnly},
			Payload: make([]byte, 184),
		}
		err := p.Validate()
		var mpe *MalformedPacketError
		if !errors.As(err, &mpe) || mpe.Invariant != InvariantPID {
			t.Errorf("pid %d: expected %q, got %v", pid, InvariantPID, err)
		}
		if _, err := p.Marshal(make([]byte, PacketSize)); err == nil {
			t.Errorf("pid %d: Marshal should fail", pid)
		}
	}
}

func TestPacketValidate_Scrambling(t *testing.T) {
	t.Parallel()
	for sc := NotScrambled; sc <= ScrambledOddKey; sc++ {
		buf := makePacket(0x100, 0, false, nil)
		buf[3] |= byte(sc) << 6
		p, err := ParsePacket(buf)
		if err != nil {
			t.Errorf("scrambling %s: %v", sc, err)
			continue
		}
		if p.Header.Scrambling != sc {
			t.Errorf("scrambling = %s, want %s", p.Header.Scrambling, sc)
		}
	}

	p := &Packet{
		Header:  PacketHeader{Scrambling: 4, AdaptationFieldControl: AFCPayloadOnly},
		Payload: []byte{},
	}
	var mpe *MalformedPacketError
	if err := p.Validate(); !errors.As(err, &mpe) || mpe.Invariant != InvariantScrambling {
		t.Errorf("expected %q, got %v", InvariantScrambling, err)
	}
}

func TestPacketValidate_Presence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    Packet
		want string
	}{
		{
			name: "payload_missing",
			p:    Packet{Header: PacketHeader{AdaptationFieldControl: AFCPayloadOnly}},
			want: InvariantPayload,
		},
		{
			name: "adaptation_field_missing",
			p:    Packet{Header: PacketHeader{AdaptationFieldControl: AFCAdaptationOnly}},
			want: InvariantAdaptationField,
		},
		{
			name: "private_data_missing",
			p: Packet{
				Header:          PacketHeader{AdaptationFieldControl: AFCAdaptationOnly},
				AdaptationField: &AdaptationField{Length: 5, Flags: AFFlagPrivateData},
			},
			want: InvariantPrivateData,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var mpe *MalformedPacketError
			if err := tc.p.Validate(); !errors.As(err, &mpe) || mpe.Invariant != tc.want {
				t.Errorf("expected %q, got %v", tc.want, err)
			}
		})
	}
}

func TestPacket_RoundTrip(t *testing.T) {
	t.Parallel()
	fill := func(n int) []byte {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(i * 7)
		}
		return b
	}

	tests := []struct {
		name string
		p    Packet
	}{
		{
			name: "payload_only",
			p: Packet{
				Header: PacketHeader{
					PID: 0x100, ContinuityCounter: 9,
					AdaptationFieldControl:    AFCPayloadOnly,
					PayloadUnitStartIndicator: true,
				},
				Payload: fill(184),
			},
		},
		{
			name: "all_header_bits",
			p: Packet{
				Header: PacketHeader{
					PID: MaxPID, ContinuityCounter: 15,
					Scrambling:                ScrambledOddKey,
					AdaptationFieldControl:    AFCPayloadOnly,
					PayloadUnitStartIndicator: true,
					TransportPriority:         true,
				},
				Payload: fill(184),
			},
		},
		{
			name: "adaptation_only_pcr",
			p: Packet{
				Header: PacketHeader{PID: 0x1FF, AdaptationFieldControl: AFCAdaptationOnly},
				AdaptationField: &AdaptationField{
					Length: 183,
					Flags:  AFFlagPCR | AFFlagRandomAccess,
					PCR:    (1<<33-1)*pcrScale + 299,
				},
			},
		},
		{
			name: "adaptation_and_payload_all_fields",
			p: Packet{
				Header: PacketHeader{
					PID: 0x42, ContinuityCounter: 3,
					AdaptationFieldControl: AFCAdaptationAndPayload,
				},
				AdaptationField: &AdaptationField{
					Length: 40,
					Flags: AFFlagPCR | AFFlagOPCR | AFFlagSplicingPoint |
						AFFlagPrivateData | AFFlagExtension | AFFlagDiscontinuity,
					PCR:             27_000_000,
					OPCR:            123456*pcrScale + 17,
					SpliceCountdown: -3,
					PrivateData:     []byte{0xDE, 0xAD, 0xBE, 0xEF},
					Extension: &AdaptationFieldExtension{
						Length: 11,
						Flags: AFExtFlagLegalTimeWindow | AFExtFlagPiecewiseRate |
							AFExtFlagSeamlessSplice,
						LegalTimeWindow: 0x8123,
						PiecewiseRate:   0x3FFFFF,
						SeamlessSplice:  [5]byte{1, 2, 3, 4, 5},
					},
				},
				Payload: fill(188 - 4 - 41),
			},
		},
		{
			name: "empty_adaptation_field",
			p: Packet{
				Header: PacketHeader{
					PID: 0x10, AdaptationFieldControl: AFCAdaptationAndPayload,
				},
				AdaptationField: &AdaptationField{},
				Payload:         fill(183),
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			buf := make([]byte, PacketSize)
			n, err := tc.p.Marshal(buf)
			if err != nil {
				t.Fatal(err)
			}
			if n != PacketSize {
				t.Fatalf("Marshal wrote %d bytes, want %d", n, PacketSize)
			}
			got, err := ParsePacket(buf)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(*got, tc.p) {
				t.Errorf("round trip mismatch\n got: %+v\nwant: %+v", *got, tc.p)
			}
		})
	}
}

func TestPacketMarshal_Stuffing(t *testing.T) {
	t.Parallel()
	p := &Packet{
		Header:  PacketHeader{PID: 0x100, AdaptationFieldControl: AFCPayloadOnly},
		Payload: []byte{1, 2, 3},
	}
	buf := make([]byte, PacketSize)
	if _, err := p.Marshal(buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[4:7], []byte{1, 2, 3}) {
		t.Errorf("payload = % X", buf[4:7])
	}
	for i := 7; i < PacketSize; i++ {
		if buf[i] != 0xFF {
			t.Fatalf("byte %d = 0x%02X, want 0xFF", i, buf[i])
		}
	}
}

func TestPacketMarshal_Errors(t *testing.T) {
	t.Parallel()
	p := &Packet{
		Header:  PacketHeader{PID: 0x100, AdaptationFieldControl: AFCPayloadOnly},
		Payload: make([]byte, 185),
	}
	if _, err := p.Marshal(make([]byte, PacketSize-1)); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("expected ErrBufferTooSmall, got %v", err)
	}
	if _, err := p.Marshal(make([]byte, PacketSize)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}
