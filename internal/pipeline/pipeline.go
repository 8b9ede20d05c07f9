// Package pipeline runs one input stream through the decoder: a pump
// goroutine copies the input into a bounded chunk queue and a drain
// goroutine frames packets, reassembles PES units and analyses the H.264
// elementary streams they carry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/ccx"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsprobe/internal/h264"
	"github.com/zsiec/tsprobe/internal/mpegts"
	"github.com/zsiec/tsprobe/internal/stats"
)

const (
	// DefaultChunkSize is the pump's read size.
	DefaultChunkSize = mpegts.PacketSize * 64
	// DefaultQueueDepth is the number of chunks the pump may run ahead.
	DefaultQueueDepth = 16
)

// Sink receives what the analysis finds. Calls come from the drain
// goroutine, one at a time.
type Sink interface {
	OnSPS(pid uint16, sps *h264.SeqParameterSet)
	OnCaption(pid uint16, frame *ccx.CaptionFrame)
	OnTimecode(pid uint16, pts int64, tc h264.Timecode)
}

// NopSink ignores every event.
type NopSink struct{}

func (NopSink) OnSPS(uint16, *h264.SeqParameterSet) {}
func (NopSink) OnCaption(uint16, *ccx.CaptionFrame) {}
func (NopSink) OnTimecode(uint16, int64, h264.Timecode) {}

// VideoSummary describes one H.264 elementary stream.
type VideoSummary struct {
	PID          uint16         `json:"pid"`
	StreamID     uint8          `json:"streamId"`
	Units        int64          `json:"units"`
	Keyframes    int64          `json:"keyframes"`
	Codec        string         `json:"codec,omitempty"`
	Width        int            `json:"width,omitempty"`
	Height       int            `json:"height,omitempty"`
	FrameRate    float64        `json:"frameRate,omitempty"`
	FirstPTS     int64          `json:"firstPts"`
	LastPTS      int64          `json:"lastPts"`
	LastTimecode string         `json:"lastTimecode,omitempty"`
	Captions     int64          `json:"captions"`
	NALUnits     map[string]int `json:"nalUnits"`
}

// Summary is a point-in-time view of a pipeline.
type Summary struct {
	Key      string         `json:"key"`
	UptimeMs int64          `json:"uptimeMs"`
	Stats    stats.Snapshot `json:"stats"`
	Video    []VideoSummary `json:"video"`
}

type videoState struct {
	summary  VideoSummary
	sps      *h264.SeqParameterSet
	captions *h264.CaptionDecoder
	hasPTS   bool
}

// Pipeline decodes a single input stream.
type Pipeline struct {
	log        *slog.Logger
	key        string
	chunkSize  int
	queueDepth int
	policy     mpegts.ContinuityPolicy
	strict     bool
	store      mpegts.StateStore
	sink       Sink
	stats      *stats.Stats
	rec        stats.Recorder
	startedAt  time.Time

	mu    sync.Mutex
	video map[uint16]*videoState
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithChunkSize sets the pump's read size.
func WithChunkSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.chunkSize = n
		}
	}
}

// WithQueueDepth sets how many chunks the pump may queue ahead of the
// drain.
func WithQueueDepth(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueDepth = n
		}
	}
}

// WithContinuityPolicy sets the reassembler's continuity policy.
func WithContinuityPolicy(policy mpegts.ContinuityPolicy) Option {
	return func(p *Pipeline) { p.policy = policy }
}

// WithStrictAdaptationLength makes over-length adaptation fields errors.
func WithStrictAdaptationLength() Option {
	return func(p *Pipeline) { p.strict = true }
}

// WithStateStore sets the per-PID state store; the default is a map.
func WithStateStore(store mpegts.StateStore) Option {
	return func(p *Pipeline) { p.store = store }
}

// WithSink sets the analysis event sink.
func WithSink(s Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithRecorder adds a telemetry recorder alongside the pipeline's own
// in-memory Stats.
func WithRecorder(rec stats.Recorder) Option {
	return func(p *Pipeline) { p.rec = rec }
}

// New creates a Pipeline for the stream named key.
func New(key string, opts ...Option) *Pipeline {
	p := &Pipeline{
		log:        slog.Default(),
		key:        key,
		chunkSize:  DefaultChunkSize,
		queueDepth: DefaultQueueDepth,
		sink:       NopSink{},
		stats:      stats.New(),
		startedAt:  time.Now(),
		video:      make(map[uint16]*videoState),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("component", "pipeline", "stream", key)
	if p.rec == nil {
		p.rec = p.stats
	} else {
		p.rec = stats.Tee(p.stats, p.rec)
	}
	if p.store == nil {
		p.store = mpegts.NewMapStore()
	}
	return p
}

// Key returns the stream key.
func (p *Pipeline) Key() string {
	return p.key
}

// Run decodes r until it reaches EOF, returns an error, or ctx is
// cancelled. A blocked r.Read is not interrupted by ctx; closing the
// reader ends Run.
func (p *Pipeline) Run(ctx context.Context, r io.Reader) error {
	g, ctx := errgroup.WithContext(ctx)
	chunks := make(chan []byte, p.queueDepth)

	g.Go(func() error {
		defer close(chunks)
		return p.pump(ctx, r, chunks)
	})
	g.Go(func() error {
		return p.drain(ctx, chunks)
	})

	err := g.Wait()
	p.log.Info("stream finished", "packets", p.stats.Snapshot().Packets, "error", err)
	return err
}

func (p *Pipeline) pump(ctx context.Context, r io.Reader, out chan<- []byte) error {
	for {
		buf := make([]byte, p.chunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case out <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("pipeline: read input: %w", err)
		}
	}
}

func (p *Pipeline) drain(ctx context.Context, chunks <-chan []byte) error {
	framerOpts := []mpegts.FramerOption{
		mpegts.FramerOptLogger(p.log),
		mpegts.FramerOptStats(p.rec),
	}
	if p.strict {
		framerOpts = append(framerOpts, mpegts.FramerOptStrictAdaptationLength())
	}
	framer := mpegts.NewFramer(mpegts.NewChanSource(chunks), framerOpts...)
	reasm := mpegts.NewReassembler(p.store, nil,
		mpegts.ReassemblerOptPolicy(p.policy),
		mpegts.ReassemblerOptUnitHandler(p.handleUnit),
		mpegts.ReassemblerOptLogger(p.log),
		mpegts.ReassemblerOptStats(p.rec),
	)

	for {
		pkt, err := framer.Next(ctx)
		if err != nil {
			var malformed *mpegts.MalformedPacketError
			switch {
			case errors.Is(err, io.EOF):
				if err := ctx.Err(); err != nil {
					return err
				}
				reasm.Flush()
				return nil
			case errors.As(err, &malformed):
				p.log.Debug("skipping malformed packet", "error", err)
				continue
			default:
				return err
			}
		}
		if err := reasm.Push(pkt); err != nil {
			p.log.Debug("continuity", "error", err)
		}
	}
}

func (p *Pipeline) handleUnit(first *mpegts.Packet, pes *mpegts.PESData) {
	if pes.Header == nil || !pes.Header.IsVideo() {
		return
	}
	pid := first.Header.PID

	p.mu.Lock()
	defer p.mu.Unlock()

	vs, ok := p.video[pid]
	if !ok {
		vs = &videoState{
			summary:  VideoSummary{PID: pid, StreamID: pes.Header.StreamID, NALUnits: make(map[string]int)},
			captions: h264.NewCaptionDecoder(),
		}
		p.video[pid] = vs
	}
	vs.summary.Units++

	var pts int64
	if oh := pes.Header.OptionalHeader; oh != nil && oh.PTS != nil {
		pts = oh.PTS.Base
		if !vs.hasPTS {
			vs.summary.FirstPTS = pts
			vs.hasPTS = true
		}
		vs.summary.LastPTS = pts
	}

	picture := false
	for _, nal := range h264.SplitAnnexB(pes.Data) {
		p.rec.RecordNALUnit(uint8(nal.Type))
		vs.summary.NALUnits[nal.Type.String()]++

		switch {
		case nal.Type == h264.NALTypeSPS:
			p.handleSPS(vs, nal)
		case nal.Type == h264.NALTypeSEI:
			p.handleSEI(vs, nal, pts)
		case nal.Type.IsVCL():
			picture = true
			if nal.Type.IsKeyframe() {
				vs.summary.Keyframes++
			}
		}
	}
	if picture {
		vs.captions.Frame()
	}
}

func (p *Pipeline) handleSPS(vs *videoState, nal h264.NALUnit) {
	sps, err := h264.ParseSPS(nal.Data)
	if err != nil {
		p.log.Debug("bad SPS", "pid", vs.summary.PID, "error", err)
		return
	}
	if vs.sps != nil && *vs.sps == *sps {
		return
	}
	vs.sps = sps
	vs.summary.Codec = sps.CodecString()
	vs.summary.Width = sps.Width
	vs.summary.Height = sps.Height
	vs.summary.FrameRate = sps.FrameRate()
	p.log.Info("video format", "pid", vs.summary.PID, "codec", vs.summary.Codec,
		"width", sps.Width, "height", sps.Height, "fps", sps.FrameRate())
	p.sink.OnSPS(vs.summary.PID, sps)
}

func (p *Pipeline) handleSEI(vs *videoState, nal h264.NALUnit, pts int64) {
	if tc, ok := h264.ParsePicTimingSEI(nal.Data, vs.sps); ok {
		vs.summary.LastTimecode = tc.String()
		p.sink.OnTimecode(vs.summary.PID, pts, tc)
	}
	for _, frame := range vs.captions.Decode(nal.Data, pts) {
		vs.summary.Captions++
		p.rec.RecordCaption(frame.Channel)
		p.sink.OnCaption(vs.summary.PID, frame)
	}
}

// Summary returns a snapshot of the stream's telemetry and the video
// streams found so far, ordered by PID. It is safe to call while Run is
// in progress.
func (p *Pipeline) Summary() Summary {
	p.mu.Lock()
	video := make([]VideoSummary, 0, len(p.video))
	for _, vs := range p.video {
		s := vs.summary
		s.NALUnits = make(map[string]int, len(vs.summary.NALUnits))
		for k, v := range vs.summary.NALUnits {
			s.NALUnits[k] = v
		}
		video = append(video, s)
	}
	p.mu.Unlock()
	sort.Slice(video, func(i, j int) bool { return video[i].PID < video[j].PID })

	return Summary{
		Key:      p.key,
		UptimeMs: time.Since(p.startedAt).Milliseconds(),
		Stats:    p.stats.Snapshot(),
		Video:    video,
	}
}
