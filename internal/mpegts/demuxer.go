package mpegts

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/tsprobe/internal/stats"
)

// Demuxer reads MPEG-TS packets from a reader and produces DemuxerData
// for each reassembled PES unit.
type Demuxer struct {
	ctx        context.Context
	src        ByteSource
	framer     *Framer
	reasm      *Reassembler
	store      StateStore
	log        *slog.Logger
	stats      stats.Recorder
	policy     ContinuityPolicy
	strict     bool
	sourceSize int
	dataBuffer []*DemuxerData
	eof        bool
}

// NewDemuxer creates a new MPEG-TS demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...func(*Demuxer)) *Demuxer {
	d := &Demuxer{
		ctx:        ctx,
		log:        slog.Default(),
		stats:      stats.Nop{},
		sourceSize: defaultSourceSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.store == nil {
		d.store = NewMapStore()
	}
	if d.src == nil {
		d.src = NewReaderSource(r, d.sourceSize)
	}

	fopts := []FramerOption{FramerOptLogger(d.log), FramerOptStats(d.stats)}
	if d.strict {
		fopts = append(fopts, FramerOptStrictAdaptationLength())
	}
	d.framer = NewFramer(d.src, fopts...)
	d.reasm = NewReassembler(d.store, nil,
		ReassemblerOptPolicy(d.policy),
		ReassemblerOptLogger(d.log),
		ReassemblerOptStats(d.stats),
		ReassemblerOptUnitHandler(func(first *Packet, pes *PESData) {
			d.dataBuffer = append(d.dataBuffer, &DemuxerData{
				FirstPacket: first,
				PID:         first.Header.PID,
				PES:         pes,
			})
		}),
	)
	return d
}

// DemuxerOptSourceSize sets the read buffer size in bytes.
func DemuxerOptSourceSize(size int) func(*Demuxer) {
	return func(d *Demuxer) {
		d.sourceSize = size
	}
}

// DemuxerOptByteSource reads from src instead of the io.Reader passed to
// NewDemuxer.
func DemuxerOptByteSource(src ByteSource) func(*Demuxer) {
	return func(d *Demuxer) {
		d.src = src
	}
}

// DemuxerOptStateStore sets the per-PID state store (default NewMapStore).
func DemuxerOptStateStore(s StateStore) func(*Demuxer) {
	return func(d *Demuxer) {
		d.store = s
	}
}

// DemuxerOptContinuityPolicy sets the reassembler's continuity policy.
func DemuxerOptContinuityPolicy(p ContinuityPolicy) func(*Demuxer) {
	return func(d *Demuxer) {
		d.policy = p
	}
}

// DemuxerOptStrictAdaptationLength rejects over-length adaptation fields.
func DemuxerOptStrictAdaptationLength() func(*Demuxer) {
	return func(d *Demuxer) {
		d.strict = true
	}
}

// DemuxerOptLogger sets the logger.
func DemuxerOptLogger(log *slog.Logger) func(*Demuxer) {
	return func(d *Demuxer) {
		d.log = log
	}
}

// DemuxerOptStats sets the telemetry recorder.
func DemuxerOptStats(r stats.Recorder) func(*Demuxer) {
	return func(d *Demuxer) {
		d.stats = r
	}
}

// NextData returns the next reassembled PES unit from the stream. Returns
// io.EOF when all data has been consumed.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for {
		// Drain buffered results first.
		if len(d.dataBuffer) > 0 {
			data := d.dataBuffer[0]
			d.dataBuffer = d.dataBuffer[1:]
			return data, nil
		}
		if d.eof {
			return nil, io.EOF
		}

		pkt, err := d.framer.Next(d.ctx)
		if err != nil {
			var mpe *MalformedPacketError
			switch {
			case errors.Is(err, io.EOF):
				d.eof = true
				d.reasm.Flush()
				continue
			case errors.As(err, &mpe):
				continue // skip corrupt packets
			}
			return nil, err
		}

		if err := d.reasm.Push(pkt); err != nil {
			var ce *ContinuityError
			if errors.As(err, &ce) {
				continue
			}
			return nil, err
		}
	}
}
