package h264

// removeEmulationPrevention strips the 0x03 byte from every 00 00 03 xx
// sequence where xx <= 3.
func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}

type startCode struct {
	scStart   int
	dataStart int
}

// findStartCodes returns the position of every 3-byte (0x000001) and
// 4-byte (0x00000001) start code in data.
func findStartCodes(data []byte) []startCode {
	var positions []startCode
	n := len(data)
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, startCode{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, startCode{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}
	return positions
}

// SplitAnnexB parses an Annex B byte stream into NAL units. Bytes before
// the first start code are ignored. The returned units alias data.
func SplitAnnexB(data []byte) []NALUnit {
	var units []NALUnit
	positions := findStartCodes(data)
	for idx, pos := range positions {
		end := len(data)
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		units = append(units, newNALUnit(data[pos.dataStart:end]))
	}
	return units
}
