package h264

import "fmt"

// NALUnitType is the 5-bit nal_unit_type field (ITU-T H.264 Table 7-1).
type NALUnitType uint8

// NAL unit types.
const (
	NALTypeSlice         NALUnitType = 1
	NALTypeSliceA        NALUnitType = 2
	NALTypeSliceB        NALUnitType = 3
	NALTypeSliceC        NALUnitType = 4
	NALTypeIDR           NALUnitType = 5
	NALTypeSEI           NALUnitType = 6
	NALTypeSPS           NALUnitType = 7
	NALTypePPS           NALUnitType = 8
	NALTypeAUD           NALUnitType = 9
	NALTypeEndOfSequence NALUnitType = 10
	NALTypeEndOfStream   NALUnitType = 11
	NALTypeFillerData    NALUnitType = 12
)

var nalTypeNames = map[NALUnitType]string{
	NALTypeSlice:         "slice",
	NALTypeSliceA:        "slice-partition-a",
	NALTypeSliceB:        "slice-partition-b",
	NALTypeSliceC:        "slice-partition-c",
	NALTypeIDR:           "idr",
	NALTypeSEI:           "sei",
	NALTypeSPS:           "sps",
	NALTypePPS:           "pps",
	NALTypeAUD:           "aud",
	NALTypeEndOfSequence: "end-of-sequence",
	NALTypeEndOfStream:   "end-of-stream",
	NALTypeFillerData:    "filler",
}

func (t NALUnitType) String() string {
	if s, ok := nalTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("nal-%d", uint8(t))
}

// IsKeyframe reports whether the type is an IDR slice.
func (t NALUnitType) IsKeyframe() bool {
	return t == NALTypeIDR
}

// IsVCL reports whether the type carries slice data.
func (t NALUnitType) IsVCL() bool {
	return t >= NALTypeSlice && t <= NALTypeIDR
}

// NALUnit is one H.264 NAL unit. Data holds the raw unit including its
// header byte, without a start code.
type NALUnit struct {
	ForbiddenZeroBit bool
	RefIDC           uint8
	Type             NALUnitType
	Data             []byte
}

// ParseNALHeader decodes a NAL header byte. The forbidden zero bit is
// reported but not enforced.
func ParseNALHeader(b byte) NALUnit {
	return NALUnit{
		ForbiddenZeroBit: b&0x80 != 0,
		RefIDC:           (b >> 5) & 0x03,
		Type:             NALUnitType(b & 0x1F),
	}
}

// newNALUnit builds a NALUnit from raw data starting at the header byte.
func newNALUnit(data []byte) NALUnit {
	u := ParseNALHeader(data[0])
	u.Data = data
	return u
}

// RBSP returns the unit's payload after the header byte with emulation
// prevention bytes removed.
func (u NALUnit) RBSP() []byte {
	if len(u.Data) < 2 {
		return nil
	}
	return removeEmulationPrevention(u.Data[1:])
}
