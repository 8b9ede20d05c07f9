package h264

import "fmt"

// SEI payload types.
const (
	seiPicTiming        = 1
	seiRBSPTrailingBits = 0x80
)

// Timecode represents a SMPTE 12M timecode extracted from an H.264
// pic_timing SEI message.
type Timecode struct {
	Hours   int
	Minutes int
	Seconds int
	Frames  int
}

// String formats the timecode as HH:MM:SS:FF.
func (tc Timecode) String() string {
	return fmt.Sprintf("%02d:%02d:%02d:%02d", tc.Hours, tc.Minutes, tc.Seconds, tc.Frames)
}

// SEIMessage is one sei_message from an SEI NAL unit.
type SEIMessage struct {
	PayloadType int
	Payload     []byte
}

// ParseSEI splits an SEI NAL unit (header byte included) into its
// messages. Parsing stops at the trailing bits or at the first message
// whose size runs past the unit.
func ParseSEI(nalu []byte) []SEIMessage {
	if len(nalu) < 2 {
		return nil
	}
	rbsp := removeEmulationPrevention(nalu[1:])
	var msgs []SEIMessage
	i := 0
	for i < len(rbsp) {
		if rbsp[i] == seiRBSPTrailingBits {
			break
		}

		payloadType := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadType += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadType += int(rbsp[i])
		i++

		payloadSize := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadSize += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadSize += int(rbsp[i])
		i++

		if i+payloadSize > len(rbsp) {
			break
		}
		msgs = append(msgs, SEIMessage{PayloadType: payloadType, Payload: rbsp[i : i+payloadSize]})
		i += payloadSize
	}
	return msgs
}

// ParsePicTimingSEI extracts a SMPTE 12M timecode from a pic_timing SEI
// message. It needs the HRD lengths from the active SPS and reports false
// when the SPS lacks them or the message carries no clock timestamp.
func ParsePicTimingSEI(seiNALU []byte, sps *SeqParameterSet) (Timecode, bool) {
	if sps == nil || !sps.PicStructPresent || !sps.HRDPresent {
		return Timecode{}, false
	}
	for _, m := range ParseSEI(seiNALU) {
		if m.PayloadType != seiPicTiming {
			continue
		}
		if tc, ok := parsePicTimingPayload(m.Payload, sps); ok {
			return tc, true
		}
	}
	return Timecode{}, false
}

func parsePicTimingPayload(payload []byte, sps *SeqParameterSet) (Timecode, bool) {
	c := NewBitCursor(payload)

	_ = c.Skip(sps.CpbRemovalDelayLen)
	_ = c.Skip(sps.DpbOutputDelayLen)

	picStruct, err := c.ReadBits(4)
	if err != nil {
		return Timecode{}, false
	}

	numClockTS := 1
	switch picStruct {
	case 3, 4:
		numClockTS = 2
	case 5, 6, 7, 8:
		numClockTS = 3
	}

	for i := 0; i < numClockTS; i++ {
		clockTS, err := c.ReadFlag()
		if err != nil {
			return Timecode{}, false
		}
		if !clockTS {
			continue
		}

		_ = c.Skip(2 + 1 + 5) // ct_type, nuit_field_based_flag, counting_type
		fullTS, _ := c.ReadFlag()
		_ = c.Skip(2) // discontinuity_flag, cnt_dropped_flag
		nFrames, err := c.ReadBits(8)
		if err != nil {
			return Timecode{}, false
		}

		var secs, mins, hours uint64
		if fullTS {
			secs, _ = c.ReadBits(6)
			mins, _ = c.ReadBits(6)
			hours, _ = c.ReadBits(5)
		} else if secFlag, _ := c.ReadFlag(); secFlag {
			secs, _ = c.ReadBits(6)
			if minFlag, _ := c.ReadFlag(); minFlag {
				mins, _ = c.ReadBits(6)
				if hrFlag, _ := c.ReadFlag(); hrFlag {
					hours, _ = c.ReadBits(5)
				}
			}
		}

		return Timecode{
			Hours:   int(hours),
			Minutes: int(mins),
			Seconds: int(secs),
			Frames:  int(nFrames),
		}, true
	}

	return Timecode{}, false
}
