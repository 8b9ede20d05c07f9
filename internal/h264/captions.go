package h264

import (
	"github.com/zsiec/ccx"
)

// CaptionDecoder turns the CEA-608 and CEA-708 caption data carried in SEI
// NAL units into caption frames. CEA-608 channels are 1-4; CEA-708
// services 1-6 are reported as channels 7-12. It is not safe for
// concurrent use.
type CaptionDecoder struct {
	cea608Decs map[int]*ccx.CEA608Decoder
	cea708Svcs map[int]*ccx.CEA708Service
	dtvccBuf   []byte

	// Control codes are sent twice for robustness; the repeat is dropped
	// when it arrives within two frames.
	frames          int64
	lastCCCtrl      [2][2]byte
	lastCCWasCtrl   [2]bool
	lastCCCtrlFrame [2]int64
}

// NewCaptionDecoder creates a CaptionDecoder with fresh decoder state for
// every channel and service.
func NewCaptionDecoder() *CaptionDecoder {
	d := &CaptionDecoder{
		cea608Decs: make(map[int]*ccx.CEA608Decoder),
		cea708Svcs: make(map[int]*ccx.CEA708Service),
	}
	for ch := 1; ch <= 4; ch++ {
		d.cea608Decs[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		d.cea708Svcs[svc] = ccx.NewCEA708Service()
	}
	return d
}

// Frame advances the frame counter used to detect repeated control codes.
// Call it once per decoded picture.
func (d *CaptionDecoder) Frame() {
	d.frames++
}

// Decode feeds one SEI NAL unit (header byte included) stamped with pts and
// returns any caption frames it completes.
func (d *CaptionDecoder) Decode(sei []byte, pts int64) []*ccx.CaptionFrame {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return nil
	}

	var frames []*ccx.CaptionFrame
	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		isCtrl := cc1 >= 0x10 && cc1 <= 0x1F
		f := pair.Field
		if isCtrl {
			cp := [2]byte{cc1, cc2}
			frameGap := d.frames - d.lastCCCtrlFrame[f]
			if d.lastCCWasCtrl[f] && d.lastCCCtrl[f] == cp && frameGap <= 2 {
				d.lastCCWasCtrl[f] = false
				continue
			}
			d.lastCCCtrl[f] = cp
			d.lastCCWasCtrl[f] = true
			d.lastCCCtrlFrame[f] = d.frames
		} else {
			d.lastCCWasCtrl[f] = false
		}

		dec := d.cea608Decs[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: pair.Channel}
			frame.Regions = dec.StyledRegions()
			frames = append(frames, frame)
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			frames = append(frames, d.drainDTVCC(pts)...)
			d.dtvccBuf = d.dtvccBuf[:0]
		}
		d.dtvccBuf = append(d.dtvccBuf, t.Data[0], t.Data[1])
	}
	return frames
}

func (d *CaptionDecoder) drainDTVCC(pts int64) []*ccx.CaptionFrame {
	if len(d.dtvccBuf) < 1 {
		return nil
	}
	packetSize := ccx.DTVCCPacketSize(d.dtvccBuf[0])
	if len(d.dtvccBuf) < packetSize {
		return nil
	}

	var frames []*ccx.CaptionFrame
	for _, block := range ccx.ParseDTVCCPacket(d.dtvccBuf[:packetSize]) {
		svc := d.cea708Svcs[block.ServiceNum]
		if svc == nil {
			continue
		}
		if svc.ProcessBlock(block.Data) {
			if text := svc.DisplayText(); text != "" {
				frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: block.ServiceNum + 6}
				frame.Regions = svc.StyledRegions()
				frames = append(frames, frame)
			}
		}
	}
	d.dtvccBuf = d.dtvccBuf[packetSize:]
	return frames
}
