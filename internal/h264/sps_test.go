package h264

import (
	"bytes"
	"errors"
	"testing"
)

type bitWriter struct {
	buf  []byte
	nbit int
}

func (w *bitWriter) bits(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.nbit%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 0x80 >> (w.nbit % 8)
		}
		w.nbit++
	}
}

func (w *bitWriter) flag(b bool) {
	if b {
		w.bits(1, 1)
	} else {
		w.bits(0, 1)
	}
}

func (w *bitWriter) ue(v uint64) {
	v++
	n := 0
	for x := v; x > 1; x >>= 1 {
		n++
	}
	w.bits(0, n)
	w.bits(v, n+1)
}

// nal appends RBSP trailing bits and emulation prevention bytes and
// prefixes header.
func (w *bitWriter) nal(header byte) []byte {
	w.bits(1, 1)
	for w.nbit%8 != 0 {
		w.bits(0, 1)
	}
	out := []byte{header}
	zeros := 0
	for _, b := range w.buf {
		if zeros == 2 && b <= 3 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

func TestBitWriter_UE(t *testing.T) {
	t.Parallel()
	var w bitWriter
	for v := uint64(0); v < 10; v++ {
		w.ue(v)
	}
	if !bytes.Equal(w.buf, golombZeroToNine) {
		t.Errorf("got %08b, want %08b", w.buf, golombZeroToNine)
	}
}

func baselineSPS() []byte {
	var w bitWriter
	w.bits(66, 8)   // profile_idc
	w.bits(0xC0, 8) // constraint_set0 and constraint_set1
	w.bits(30, 8)   // level_idc
	w.ue(0)         // seq_parameter_set_id
	w.ue(0)         // log2_max_frame_num_minus4
	w.ue(2)         // pic_order_cnt_type
	w.ue(1)         // max_num_ref_frames
	w.flag(false)   // gaps_in_frame_num_value_allowed_flag
	w.ue(19)        // pic_width_in_mbs_minus1: 320
	w.ue(14)        // pic_height_in_map_units_minus1: 240
	w.flag(true)    // frame_mbs_only_flag
	w.flag(true)    // direct_8x8_inference_flag
	w.flag(false)   // frame_cropping_flag
	w.flag(false)   // vui_parameters_present_flag
	return w.nal(0x67)
}

// hrd writes hrd_parameters() with a single CPB and the given delay
// length fields (each already minus one where the syntax says so).
func (w *bitWriter) hrd(cpbRemovalMinus1, dpbOutputMinus1, timeOffset uint64) {
	w.ue(0)       // cpb_cnt_minus1
	w.bits(0, 8)  // bit_rate_scale, cpb_size_scale
	w.ue(100)     // bit_rate_value_minus1
	w.ue(100)     // cpb_size_value_minus1
	w.flag(false) // cbr_flag
	w.bits(23, 5) // initial_cpb_removal_delay_length_minus1
	w.bits(cpbRemovalMinus1, 5)
	w.bits(dpbOutputMinus1, 5)
	w.bits(timeOffset, 5)
}

// highSPS builds a 1080p High profile SPS with VUI timing, a NAL HRD and
// pic_struct_present_flag set. withVCL adds a VCL HRD with different delay
// lengths after the NAL one.
func highSPS(withVCL bool) []byte {
	var w bitWriter
	w.bits(100, 8)
	w.bits(0, 8)
	w.bits(40, 8)
	w.ue(1)       // seq_parameter_set_id
	w.ue(1)       // chroma_format_idc 4:2:0
	w.ue(0)       // bit_depth_luma_minus8
	w.ue(2)       // bit_depth_chroma_minus8
	w.flag(false) // qpprime_y_zero_transform_bypass_flag
	w.flag(false) // seq_scaling_matrix_present_flag
	w.ue(4)       // log2_max_frame_num_minus4
	w.ue(0)       // pic_order_cnt_type
	w.ue(2)       // log2_max_pic_order_cnt_lsb_minus4
	w.ue(4)       // max_num_ref_frames
	w.flag(false)
	w.ue(119) // 1920
	w.ue(67)  // 1088
	w.flag(true)
	w.flag(true)
	w.flag(true) // frame_cropping_flag
	w.ue(0)
	w.ue(0)
	w.ue(0)
	w.ue(4)       // bottom crop: 8 luma rows
	w.flag(true)  // vui_parameters_present_flag
	w.flag(false) // aspect_ratio_info_present_flag
	w.flag(false) // overscan_info_present_flag
	w.flag(false) // video_signal_type_present_flag
	w.flag(false) // chroma_loc_info_present_flag
	w.flag(true)  // timing_info_present_flag
	w.bits(1001, 32)
	w.bits(60000, 32)
	w.flag(true) // fixed_frame_rate_flag
	w.flag(true) // nal_hrd_parameters_present_flag
	w.hrd(23, 4, 24)
	w.flag(withVCL) // vcl_hrd_parameters_present_flag
	if withVCL {
		w.hrd(15, 15, 0)
	}
	w.flag(false) // low_delay_hrd_flag
	w.flag(true)  // pic_struct_present_flag
	return w.nal(0x67)
}

func TestParseSPS_Baseline(t *testing.T) {
	t.Parallel()
	sps, err := ParseSPS(baselineSPS())
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}

	if sps.ProfileIDC != 66 || sps.LevelIDC != 30 || sps.ID != 0 {
		t.Errorf("profile/level/id = %d/%d/%d, want 66/30/0", sps.ProfileIDC, sps.LevelIDC, sps.ID)
	}
	if !sps.Constraint0 || !sps.Constraint1 || sps.Constraint2 {
		t.Errorf("constraints = %v %v %v, want true true false", sps.Constraint0, sps.Constraint1, sps.Constraint2)
	}
	if sps.Width != 320 || sps.Height != 240 {
		t.Errorf("size = %dx%d, want 320x240", sps.Width, sps.Height)
	}
	if got := sps.CodecString(); got != "avc1.42C01E" {
		t.Errorf("CodecString = %q, want avc1.42C01E", got)
	}
	if sps.HRDPresent {
		t.Error("HRDPresent without VUI")
	}
	if fr := sps.FrameRate(); fr != 0 {
		t.Errorf("FrameRate = %v, want 0", fr)
	}
}

func TestParseSPS_HighWithVUI(t *testing.T) {
	t.Parallel()
	for _, withVCL := range []bool{false, true} {
		sps, err := ParseSPS(highSPS(withVCL))
		if err != nil {
			t.Fatalf("vcl=%v: ParseSPS: %v", withVCL, err)
		}

		if sps.ProfileIDC != 100 || sps.ID != 1 {
			t.Errorf("vcl=%v: profile/id = %d/%d, want 100/1", withVCL, sps.ProfileIDC, sps.ID)
		}
		if sps.BitDepthLuma != 8 || sps.BitDepthChroma != 10 {
			t.Errorf("vcl=%v: bit depth = %d/%d, want 8/10", withVCL, sps.BitDepthLuma, sps.BitDepthChroma)
		}
		if sps.Log2MaxFrameNum != 8 || sps.MaxNumRefFrames != 4 {
			t.Errorf("vcl=%v: log2_max_frame_num/refs = %d/%d, want 8/4", withVCL, sps.Log2MaxFrameNum, sps.MaxNumRefFrames)
		}
		if sps.Width != 1920 || sps.Height != 1080 {
			t.Errorf("vcl=%v: size = %dx%d, want 1920x1080", withVCL, sps.Width, sps.Height)
		}
		if got := sps.CodecString(); got != "avc1.640028" {
			t.Errorf("vcl=%v: CodecString = %q, want avc1.640028", withVCL, got)
		}
		if fr := sps.FrameRate(); fr < 29.96 || fr > 29.98 {
			t.Errorf("vcl=%v: FrameRate = %v, want 29.97", withVCL, fr)
		}
		if !sps.FixedFrameRate || !sps.HRDPresent {
			t.Errorf("vcl=%v: FixedFrameRate=%v HRDPresent=%v", withVCL, sps.FixedFrameRate, sps.HRDPresent)
		}
		// Delay lengths come from the NAL HRD even when a VCL HRD follows.
		if sps.CpbRemovalDelayLen != 24 || sps.DpbOutputDelayLen != 5 || sps.TimeOffsetLen != 24 {
			t.Errorf("vcl=%v: delay lengths = %d/%d/%d, want 24/5/24", withVCL,
				sps.CpbRemovalDelayLen, sps.DpbOutputDelayLen, sps.TimeOffsetLen)
		}
		if !sps.PicStructPresent {
			t.Errorf("vcl=%v: PicStructPresent = false", withVCL)
		}
	}
}

func TestParseSPS_Errors(t *testing.T) {
	t.Parallel()
	if _, err := ParseSPS([]byte{0x67, 0x42}); err == nil {
		t.Error("two-byte SPS parsed")
	}
	if _, err := ParseSPS([]byte{0x68, 0x42, 0xC0, 0x1E, 0xFF}); err == nil {
		t.Error("PPS parsed as SPS")
	}
	// Header fields present, seq_parameter_set_id cut off.
	if _, err := ParseSPS([]byte{0x67, 0x42, 0xC0, 0x1E, 0x00}); !errors.Is(err, ErrDecodeIncomplete) {
		t.Errorf("got %v, want ErrDecodeIncomplete", err)
	}
}

func picTimingSEI(sps *SeqParameterSet) []byte {
	var p bitWriter
	p.bits(0, sps.CpbRemovalDelayLen)
	p.bits(0, sps.DpbOutputDelayLen)
	p.bits(0, 4)  // pic_struct: frame
	p.flag(true)  // clock_timestamp_flag
	p.bits(0, 2)  // ct_type
	p.flag(false) // nuit_field_based_flag
	p.bits(0, 5)  // counting_type
	p.flag(true)  // full_timestamp_flag
	p.flag(false) // discontinuity_flag
	p.flag(false) // cnt_dropped_flag
	p.bits(12, 8) // n_frames
	p.bits(34, 6) // seconds
	p.bits(56, 6) // minutes
	p.bits(10, 5) // hours
	p.bits(0, sps.TimeOffsetLen)
	for p.nbit%8 != 0 {
		p.bits(0, 1)
	}

	sei := []byte{byte(NALTypeSEI), seiPicTiming, byte(len(p.buf))}
	sei = append(sei, p.buf...)
	return append(sei, seiRBSPTrailingBits)
}

func TestParsePicTimingSEI(t *testing.T) {
	t.Parallel()
	for _, withVCL := range []bool{false, true} {
		sps, err := ParseSPS(highSPS(withVCL))
		if err != nil {
			t.Fatalf("ParseSPS: %v", err)
		}
		tc, ok := ParsePicTimingSEI(picTimingSEI(sps), sps)
		if !ok {
			t.Fatalf("vcl=%v: no timecode", withVCL)
		}
		if got := tc.String(); got != "10:56:34:12" {
			t.Errorf("vcl=%v: timecode = %q, want 10:56:34:12", withVCL, got)
		}
	}

	hrd, err := ParseSPS(highSPS(false))
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}
	base, err := ParseSPS(baselineSPS())
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}
	if _, ok := ParsePicTimingSEI(picTimingSEI(hrd), base); ok {
		t.Error("timecode decoded without HRD parameters")
	}
}

func TestParseSEI(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 300)
	sei := []byte{0x06, 0x05, 0xFF, 0x2D} // type 5, size 255+45
	sei = append(sei, payload...)
	sei = append(sei, 0x01, 0x01, 0xAA, 0x80)

	msgs := ParseSEI(sei)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].PayloadType != 5 || len(msgs[0].Payload) != 300 {
		t.Errorf("message 0 = type %d, %d bytes; want type 5, 300 bytes", msgs[0].PayloadType, len(msgs[0].Payload))
	}
	if msgs[1].PayloadType != 1 || !bytes.Equal(msgs[1].Payload, []byte{0xAA}) {
		t.Errorf("message 1 = type %d, % X; want type 1, AA", msgs[1].PayloadType, msgs[1].Payload)
	}
}
