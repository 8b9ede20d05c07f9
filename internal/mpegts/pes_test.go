package mpegts

import (
	"bytes"
	"errors"
	"testing"
)

func putTimestamp(b []byte, prefix byte, ts int64) {
	b[0] = prefix<<4 | byte(ts>>29)&0x0E | 0x01
	b[1] = byte(ts >> 22)
	b[2] = byte(ts>>14)&0xFE | 0x01
	b[3] = byte(ts >> 7)
	b[4] = byte(ts<<1)&0xFE | 0x01
}

// buildPESPacket creates a PES packet with an optional header carrying PTS
// and optionally DTS. Video stream ids get an unbounded packet length.
func buildPESPacket(streamID byte, pts, dts int64, hasPTS, hasDTS bool, data []byte) []byte {
	var hdr []byte
	flags := byte(0)
	switch {
	case hasPTS && hasDTS:
		flags = 0xC0
		hdr = make([]byte, 10)
		putTimestamp(hdr, 0x3, pts)
		putTimestamp(hdr[5:], 0x1, dts)
	case hasPTS:
		flags = 0x80
		hdr = make([]byte, 5)
		putTimestamp(hdr, 0x2, pts)
	}

	buf := []byte{0x00, 0x00, 0x01, streamID, 0x00, 0x00, 0x84, flags, byte(len(hdr))}
	buf = append(buf, hdr...)
	buf = append(buf, data...)
	if streamID < 0xE0 || streamID > 0xEF {
		n := len(buf) - 6
		buf[4], buf[5] = byte(n>>8), byte(n)
	}
	return buf
}

func TestParsePES_PTSOnly(t *testing.T) {
	t.Parallel()
	data := []byte{0xFF, 0xF1, 0x50, 0x40}
	pes, err := ParsePES(buildPESPacket(0xC0, 90000, 0, true, false, data))
	if err != nil {
		t.Fatal(err)
	}
	if !pes.Header.IsAudio() || pes.Header.IsVideo() {
		t.Errorf("stream id 0x%02X classified wrong", pes.Header.StreamID)
	}
	oh := pes.Header.OptionalHeader
	if oh == nil || oh.PTS == nil {
		t.Fatal("missing PTS")
	}
	if oh.PTS.Base != 90000 {
		t.Errorf("PTS = %d, want 90000", oh.PTS.Base)
	}
	if oh.DTS != nil {
		t.Error("unexpected DTS")
	}
	if !oh.DataAlignment() {
		t.Error("data alignment flag not decoded")
	}
	if int(pes.Header.PacketLength) != 3+5+len(data) {
		t.Errorf("packet length = %d, want %d", pes.Header.PacketLength, 3+5+len(data))
	}
	if !bytes.Equal(pes.Data, data) {
		t.Errorf("data = % X, want % X", pes.Data, data)
	}
}

func TestParsePES_PTSAndDTS(t *testing.T) {
	t.Parallel()
	const pts, dts = int64(1<<33 - 1), int64(126000)
	data := []byte{0x00, 0x00, 0x00, 0x01, 0x65}
	pes, err := ParsePES(buildPESPacket(0xE0, pts, dts, true, true, data))
	if err != nil {
		t.Fatal(err)
	}
	oh := pes.Header.OptionalHeader
	if oh.PTS == nil || oh.PTS.Base != pts {
		t.Errorf("PTS = %v, want %d", oh.PTS, pts)
	}
	if oh.DTS == nil || oh.DTS.Base != dts {
		t.Errorf("DTS = %v, want %d", oh.DTS, dts)
	}
	if oh.HeaderDataLength != 10 {
		t.Errorf("header data length = %d, want 10", oh.HeaderDataLength)
	}
	if !bytes.Equal(pes.Data, data) {
		t.Errorf("data = % X, want % X", pes.Data, data)
	}
}

func TestParsePES_NoOptionalHeader(t *testing.T) {
	t.Parallel()
	payload := []byte{0x00, 0x00, 0x01, 0xBE, 0x00, 0x03, 0xFF, 0xFF, 0xFF, 0xAA}
	pes, err := ParsePES(payload)
	if err != nil {
		t.Fatal(err)
	}
	if pes.Header.OptionalHeader != nil {
		t.Error("padding stream should have no optional header")
	}
	if len(pes.Data) != 3 {
		t.Errorf("data length = %d, want 3", len(pes.Data))
	}
}

func TestParsePES_Errors(t *testing.T) {
	t.Parallel()
	if _, err := ParsePES([]byte{0x00, 0x00, 0x01}); !errors.Is(err, ErrPESTooShort) {
		t.Errorf("expected ErrPESTooShort, got %v", err)
	}
	if _, err := ParsePES([]byte{0x00, 0x00, 0x02, 0xE0, 0x00, 0x00}); !errors.Is(err, ErrPESStartCode) {
		t.Errorf("expected ErrPESStartCode, got %v", err)
	}
	if _, err := ParsePES([]byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80}); !errors.Is(err, ErrPESTooShort) {
		t.Errorf("expected ErrPESTooShort for optional header, got %v", err)
	}
}

func TestParsePES_OptionalFields(t *testing.T) {
	t.Parallel()
	escrBase, escrExt := int64(0x1_2345_6789), uint16(0x155)
	escr := []byte{
		0xC0 | byte(escrBase>>27)&0x38 | 0x04 | byte(escrBase>>28)&0x03,
		byte(escrBase >> 20),
		byte(escrBase>>12)&0xF8 | 0x04 | byte(escrBase>>13)&0x03,
		byte(escrBase >> 5),
		byte(escrBase<<3) | 0x04 | byte(escrExt>>7),
		byte(escrExt<<1) | 0x01,
	}
	rate := uint32(0x2ABCDE)
	fields := make([]byte, 5)
	putTimestamp(fields, 0x2, 45000)
	fields = append(fields, escr...)
	fields = append(fields, 0x80|byte(rate>>15), byte(rate>>7), byte(rate<<1)|0x01)
	fields = append(fields, 0x1D)       // trick mode: fast forward, field 3, refresh, truncation 1
	fields = append(fields, 0x80|0x2A)  // additional copy info
	fields = append(fields, 0xBE, 0xEF) // previous CRC
	fields = append(fields, 0x80)       // extension: private data only
	private := bytes.Repeat([]byte{0x5A}, 16)
	fields = append(fields, private...)
	fields = append(fields, 0xFF, 0xFF) // stuffing

	data := []byte{0x01, 0x02, 0x03}
	payload := []byte{0x00, 0x00, 0x01, 0xBD, 0x00, 0x00, 0xB8, 0xBF, byte(len(fields))}
	payload = append(payload, fields...)
	payload = append(payload, data...)
	n := len(payload) - 6
	payload[4], payload[5] = byte(n>>8), byte(n)
	// Bytes past PES_packet_length are not part of the unit.
	payload = append(payload, 0xEE, 0xEE)

	pes, err := ParsePES(payload)
	if err != nil {
		t.Fatal(err)
	}
	oh := pes.Header.OptionalHeader
	if got := oh.Flags.Scrambling(); got != ScrambledOddKey {
		t.Errorf("scrambling = %v, want odd key", got)
	}
	if !oh.Flags.Has(PESFlagPriority) || oh.DataAlignment() || oh.Flags.Has(PESFlagDTS) {
		t.Errorf("flags = %#04x", uint16(oh.Flags))
	}
	if oh.PTS == nil || oh.PTS.Base != 45000 || oh.DTS != nil {
		t.Errorf("PTS/DTS = %v/%v, want 45000/nil", oh.PTS, oh.DTS)
	}
	if oh.ESCR == nil || oh.ESCR.Base != escrBase || oh.ESCR.Extension != escrExt {
		t.Errorf("ESCR = %+v, want base %#x ext %#x", oh.ESCR, escrBase, escrExt)
	}
	if oh.ESRate != rate {
		t.Errorf("ES rate = %#x, want %#x", oh.ESRate, rate)
	}
	want := DSMTrickMode{Control: TrickModeFastForward, FieldID: 3, IntraSliceRefresh: true, FrequencyTruncation: 1}
	if oh.TrickMode == nil || *oh.TrickMode != want {
		t.Errorf("trick mode = %+v, want %+v", oh.TrickMode, want)
	}
	if oh.AdditionalCopyInfo != 0x2A || oh.PreviousCRC != 0xBEEF {
		t.Errorf("copy info/CRC = %#x/%#x, want 0x2a/0xbeef", oh.AdditionalCopyInfo, oh.PreviousCRC)
	}
	if oh.ExtensionFlags != 0x80 || !bytes.Equal(oh.PrivateData, private) {
		t.Errorf("extension = %#x % X", oh.ExtensionFlags, oh.PrivateData)
	}
	if !bytes.Equal(pes.Data, data) {
		t.Errorf("data = % X, want % X", pes.Data, data)
	}
}

func TestParsePES_TrickModes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		b    byte
		want DSMTrickMode
	}{
		{0x3F, DSMTrickMode{Control: TrickModeSlowMotion, RepControl: 0x1F}},
		{0x50, DSMTrickMode{Control: TrickModeFreezeFrame, FieldID: 2}},
		{0x6B, DSMTrickMode{Control: TrickModeFastReverse, FieldID: 1, FrequencyTruncation: 3}},
		{0x81, DSMTrickMode{Control: TrickModeSlowReverse, RepControl: 1}},
	}
	for _, tc := range tests {
		if got := parseTrickMode(tc.b); *got != tc.want {
			t.Errorf("parseTrickMode(%#x) = %+v, want %+v", tc.b, *got, tc.want)
		}
	}
}

func TestParsePES_HeaderBounds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		// PTS flagged but PES_header_data_length only covers 3 bytes.
		{"fields_overrun", []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x80, 0x03, 0x21, 0x00, 0x01, 0xAA}, ErrPESHeaderOverrun},
		// Header data length runs past PES_packet_length.
		{"length_bound", []byte{0x00, 0x00, 0x01, 0xC0, 0x00, 0x04, 0x80, 0x00, 0x05, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, ErrPESTooShort},
		// MPEG-1 style header without the '10' marker.
		{"marker", []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x0F, 0x00, 0x00}, ErrPESMarker},
	}
	for _, tc := range tests {
		if _, err := ParsePES(tc.payload); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}
