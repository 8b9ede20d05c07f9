package h264

import (
	"errors"
	"fmt"
)

var errSPSTooShort = errors.New("h264: SPS data too short")

// SeqParameterSet holds the fields of an H.264 sequence parameter set that
// describe the stream: profile and level, the SPS id, resolution, and the
// VUI/HRD timing fields needed to parse pic_timing SEI messages.
type SeqParameterSet struct {
	ProfileIDC      uint8
	Constraint0     bool
	Constraint1     bool
	Constraint2     bool
	ConstraintFlags uint8
	LevelIDC        uint8
	ID              uint64

	ChromaFormatIDC  uint64
	BitDepthLuma     int
	BitDepthChroma   int
	Log2MaxFrameNum  int
	PicOrderCntType  uint64
	MaxNumRefFrames  uint64
	FrameMbsOnly     bool
	Width            int
	Height           int
	NumUnitsInTick   uint32
	TimeScale        uint32
	FixedFrameRate   bool
	PicStructPresent bool

	HRDPresent         bool
	CpbRemovalDelayLen int
	DpbOutputDelayLen  int
	TimeOffsetLen      int
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "avc1.42E01E").
func (s *SeqParameterSet) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// FrameRate returns the frame rate signalled in the VUI timing info, or 0.
func (s *SeqParameterSet) FrameRate() float64 {
	if s.NumUnitsInTick == 0 {
		return 0
	}
	return float64(s.TimeScale) / float64(2*s.NumUnitsInTick)
}

// highProfiles carry chroma format, bit depth and scaling matrices.
var highProfiles = map[uint64]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseSPS parses an SPS NAL unit. The input is the raw NAL data including
// the header byte, without the start code.
func ParseSPS(nalu []byte) (*SeqParameterSet, error) {
	if len(nalu) < 4 {
		return nil, errSPSTooShort
	}
	if t := NALUnitType(nalu[0] & 0x1F); t != NALTypeSPS {
		return nil, fmt.Errorf("h264: NAL type %s is not an SPS", t)
	}

	c := NewBitCursor(removeEmulationPrevention(nalu[1:]))
	sps := &SeqParameterSet{BitDepthLuma: 8, BitDepthChroma: 8, ChromaFormatIDC: 1}

	profileIdc, _ := c.ReadBits(8)
	constraintFlags, _ := c.ReadBits(8)
	levelIdc, _ := c.ReadBits(8)
	sps.ProfileIDC = uint8(profileIdc)
	sps.ConstraintFlags = uint8(constraintFlags)
	sps.Constraint0 = constraintFlags&0x80 != 0
	sps.Constraint1 = constraintFlags&0x40 != 0
	sps.Constraint2 = constraintFlags&0x20 != 0
	sps.LevelIDC = uint8(levelIdc)

	var err error
	if sps.ID, err = c.ReadUE(); err != nil {
		return nil, fmt.Errorf("h264: seq_parameter_set_id: %w", err)
	}

	separateColourPlane := false
	if highProfiles[profileIdc] {
		if sps.ChromaFormatIDC, err = c.ReadUE(); err != nil {
			return nil, err
		}
		if sps.ChromaFormatIDC == 3 {
			if separateColourPlane, err = c.ReadFlag(); err != nil {
				return nil, err
			}
		}
		lumaMinus8, err := c.ReadUE()
		if err != nil {
			return nil, err
		}
		chromaMinus8, err := c.ReadUE()
		if err != nil {
			return nil, err
		}
		sps.BitDepthLuma = int(lumaMinus8) + 8
		sps.BitDepthChroma = int(chromaMinus8) + 8
		if err := c.Skip(1); err != nil { // qpprime_y_zero_transform_bypass_flag
			return nil, err
		}

		seqScalingMatrixPresent, err := c.ReadFlag()
		if err != nil {
			return nil, err
		}
		if seqScalingMatrixPresent {
			limit := 8
			if sps.ChromaFormatIDC == 3 {
				limit = 12
			}
			for i := 0; i < limit; i++ {
				present, err := c.ReadFlag()
				if err != nil {
					return nil, err
				}
				if present {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := c.skipScalingList(size); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	log2MaxFrameNumMinus4, err := c.ReadUE()
	if err != nil {
		return nil, err
	}
	sps.Log2MaxFrameNum = int(log2MaxFrameNumMinus4) + 4

	if sps.PicOrderCntType, err = c.ReadUE(); err != nil {
		return nil, err
	}
	switch sps.PicOrderCntType {
	case 0:
		if _, err := c.ReadUE(); err != nil {
			return nil, err
		}
	case 1:
		if err := c.Skip(1); err != nil {
			return nil, err
		}
		if _, err := c.ReadSE(); err != nil {
			return nil, err
		}
		if _, err := c.ReadSE(); err != nil {
			return nil, err
		}
		numRefFrames, err := c.ReadUE()
		if err != nil {
			return nil, err
		}
		for i := uint64(0); i < numRefFrames; i++ {
			if _, err := c.ReadSE(); err != nil {
				return nil, err
			}
		}
	}

	if sps.MaxNumRefFrames, err = c.ReadUE(); err != nil {
		return nil, err
	}
	if err := c.Skip(1); err != nil { // gaps_in_frame_num_value_allowed_flag
		return nil, err
	}

	picWidthMbs, err := c.ReadUE()
	if err != nil {
		return nil, err
	}
	picHeightMapUnits, err := c.ReadUE()
	if err != nil {
		return nil, err
	}
	if sps.FrameMbsOnly, err = c.ReadFlag(); err != nil {
		return nil, err
	}
	if !sps.FrameMbsOnly {
		if err := c.Skip(1); err != nil { // mb_adaptive_frame_field_flag
			return nil, err
		}
	}
	if err := c.Skip(1); err != nil { // direct_8x8_inference_flag
		return nil, err
	}

	var cropLeft, cropRight, cropTop, cropBottom uint64
	frameCropping, err := c.ReadFlag()
	if err != nil {
		return nil, err
	}
	if frameCropping {
		for _, v := range []*uint64{&cropLeft, &cropRight, &cropTop, &cropBottom} {
			if *v, err = c.ReadUE(); err != nil {
				return nil, err
			}
		}
	}

	chromaArrayType := sps.ChromaFormatIDC
	if separateColourPlane {
		chromaArrayType = 0
	}
	var subWidthC, subHeightC uint64
	switch chromaArrayType {
	case 0, 3:
		subWidthC, subHeightC = 1, 1
	case 2:
		subWidthC, subHeightC = 2, 1
	default:
		subWidthC, subHeightC = 2, 2
	}
	frameMbsOnly := uint64(0)
	if sps.FrameMbsOnly {
		frameMbsOnly = 1
	}
	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)
	sps.Width = int((picWidthMbs+1)*16 - cropUnitX*(cropLeft+cropRight))
	sps.Height = int((picHeightMapUnits+1)*16*(2-frameMbsOnly) - cropUnitY*(cropTop+cropBottom))

	// VUI is best effort: a truncated VUI keeps the fields read so far.
	if vuiPresent, err := c.ReadFlag(); err == nil && vuiPresent {
		parseVUI(c, sps)
	}
	return sps, nil
}

func parseVUI(c *BitCursor, sps *SeqParameterSet) {
	if ar, _ := c.ReadFlag(); ar {
		arIdc, _ := c.ReadBits(8)
		if arIdc == 255 { // Extended_SAR
			_ = c.Skip(32)
		}
	}
	if overscan, _ := c.ReadFlag(); overscan {
		_ = c.Skip(1)
	}
	if videoSignal, _ := c.ReadFlag(); videoSignal {
		_ = c.Skip(4) // video_format + video_full_range
		if colourDesc, _ := c.ReadFlag(); colourDesc {
			_ = c.Skip(24)
		}
	}
	if chromaLoc, _ := c.ReadFlag(); chromaLoc {
		_, _ = c.ReadUE()
		_, _ = c.ReadUE()
	}
	if timing, _ := c.ReadFlag(); timing {
		tick, _ := c.ReadBits(32)
		scale, _ := c.ReadBits(32)
		sps.NumUnitsInTick = uint32(tick)
		sps.TimeScale = uint32(scale)
		sps.FixedFrameRate, _ = c.ReadFlag()
	}

	parseHRD := func() {
		cpbCnt, _ := c.ReadUE()
		_ = c.Skip(8) // bit_rate_scale + cpb_size_scale
		for i := uint64(0); i <= cpbCnt && c.BitsLeft() > 0; i++ {
			_, _ = c.ReadUE()
			_, _ = c.ReadUE()
			_ = c.Skip(1)
		}
		_ = c.Skip(5) // initial_cpb_removal_delay_length_minus1
		cpbRdLen, _ := c.ReadBits(5)
		dpbOdLen, _ := c.ReadBits(5)
		toLen, _ := c.ReadBits(5)
		// When both HRDs are present the delay lengths come from the NAL
		// one; the VCL HRD is still consumed.
		if sps.HRDPresent {
			return
		}
		sps.CpbRemovalDelayLen = int(cpbRdLen) + 1
		sps.DpbOutputDelayLen = int(dpbOdLen) + 1
		sps.TimeOffsetLen = int(toLen)
		sps.HRDPresent = true
	}

	nalHRD, _ := c.ReadFlag()
	if nalHRD {
		parseHRD()
	}
	vclHRD, _ := c.ReadFlag()
	if vclHRD {
		parseHRD()
	}
	if nalHRD || vclHRD {
		_ = c.Skip(1) // low_delay_hrd_flag
	}
	sps.PicStructPresent, _ = c.ReadFlag()
}
