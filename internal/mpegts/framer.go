package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/tsprobe/internal/stats"
)

// Framer carves 188-byte packets out of a ByteSource. It locates each
// packet by scanning for the sync byte only; it does not confirm alignment
// by checking for another sync byte one packet later, so a 0x47 inside
// payload data can start a false packet. Resynchronization happens
// naturally on the next scan.
type Framer struct {
	src    ByteSource
	log    *slog.Logger
	stats  stats.Recorder
	strict bool
	need   int
}

// FramerOption configures a Framer.
type FramerOption func(*Framer)

// FramerOptLogger sets the logger used for per-packet diagnostics.
func FramerOptLogger(log *slog.Logger) FramerOption {
	return func(f *Framer) {
		f.log = log
	}
}

// FramerOptStats sets the telemetry recorder.
func FramerOptStats(r stats.Recorder) FramerOption {
	return func(f *Framer) {
		f.stats = r
	}
}

// FramerOptStrictAdaptationLength rejects packets whose adaptation field
// declares more bytes than the packet holds instead of tolerating them.
func FramerOptStrictAdaptationLength() FramerOption {
	return func(f *Framer) {
		f.strict = true
	}
}

// NewFramer creates a Framer reading from src.
func NewFramer(src ByteSource, opts ...FramerOption) *Framer {
	f := &Framer{
		src:   src,
		log:   slog.Default(),
		stats: stats.Nop{},
		need:  1,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With("component", "framer")
	return f
}

// Next returns the next packet in stream order. It returns io.EOF once the
// source is exhausted; a trailing partial packet is dropped silently. A
// packet that fails validation is consumed and reported as a
// *MalformedPacketError, after which Next may be called again. The context
// is checked between packets.
func (f *Framer) Next(ctx context.Context) (*Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		view, final, err := f.src.Read(ctx, f.need)
		if err != nil {
			return nil, err
		}

		idx := bytes.IndexByte(view, SyncByte)
		if idx < 0 {
			if len(view) > 0 {
				f.src.Advance(len(view))
				f.stats.RecordSkipped(len(view))
			}
			if final {
				return nil, io.EOF
			}
			f.need = 1
			continue
		}
		if idx > 0 {
			f.stats.RecordSkipped(idx)
		}

		if len(view)-idx < PacketSize {
			// Keep the candidate packet and wait for the rest of it.
			f.src.Advance(idx)
			if final {
				return nil, io.EOF
			}
			f.need = PacketSize
			continue
		}

		pkt, err := parsePacket(view[idx:idx+PacketSize], f.strict)
		f.src.Advance(idx + PacketSize)
		f.need = 1
		if err != nil {
			var mpe *MalformedPacketError
			if errors.As(err, &mpe) {
				f.stats.RecordMalformed(mpe.PID, mpe.Invariant)
			}
			f.log.Debug("dropping packet", "error", err)
			return nil, err
		}
		f.stats.RecordPacket(pkt.Header.PID)
		return pkt, nil
	}
}
