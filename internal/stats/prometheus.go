package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a Recorder backed by Prometheus collectors. Every metric
// carries a stream label so one registry can serve several ingests.
type Prometheus struct {
	stream string
	c      *Collectors
}

// Compile-time interface check.
var _ Recorder = (*Prometheus)(nil)

// Collectors holds the shared Prometheus metric vectors. Register them once
// per registry and derive a Recorder per stream with ForStream.
type Collectors struct {
	packets          *prometheus.CounterVec
	skipped          *prometheus.CounterVec
	malformed        *prometheus.CounterVec
	continuityErrors *prometheus.CounterVec
	pesUnits         *prometheus.CounterVec
	pesBytes         *prometheus.CounterVec
	nalUnits         *prometheus.CounterVec
	captions         *prometheus.CounterVec
}

// NewCollectors creates the metric vectors and registers them with reg.
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	const ns = "tsprobe"
	c := &Collectors{
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "ts_packets_total", Help: "Transport packets decoded.",
		}, []string{"stream", "pid"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "ts_skipped_bytes_total", Help: "Bytes discarded while searching for a sync byte.",
		}, []string{"stream"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "ts_malformed_packets_total", Help: "Packets rejected by validation.",
		}, []string{"stream", "invariant"}),
		continuityErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "ts_continuity_errors_total", Help: "Continuity counter mismatches.",
		}, []string{"stream", "pid"}),
		pesUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "pes_units_total", Help: "Reassembled PES units.",
		}, []string{"stream", "pid"}),
		pesBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "pes_bytes_total", Help: "Elementary stream bytes in reassembled PES units.",
		}, []string{"stream", "pid"}),
		nalUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "h264_nal_units_total", Help: "H.264 NAL units by type.",
		}, []string{"stream", "type"}),
		captions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "captions_total", Help: "Decoded caption frames by channel.",
		}, []string{"stream", "channel"}),
	}
	for _, col := range []prometheus.Collector{
		c.packets, c.skipped, c.malformed, c.continuityErrors,
		c.pesUnits, c.pesBytes, c.nalUnits, c.captions,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ForStream returns a Recorder labelling every metric with stream.
func (c *Collectors) ForStream(stream string) *Prometheus {
	return &Prometheus{stream: stream, c: c}
}

func pidLabel(pid uint16) string {
	return strconv.Itoa(int(pid))
}

// RecordPacket implements Recorder.
func (p *Prometheus) RecordPacket(pid uint16) {
	p.c.packets.WithLabelValues(p.stream, pidLabel(pid)).Inc()
}

// RecordSkipped implements Recorder.
func (p *Prometheus) RecordSkipped(n int) {
	p.c.skipped.WithLabelValues(p.stream).Add(float64(n))
}

// RecordMalformed implements Recorder.
func (p *Prometheus) RecordMalformed(_ uint16, invariant string) {
	p.c.malformed.WithLabelValues(p.stream, invariant).Inc()
}

// RecordContinuityError implements Recorder.
func (p *Prometheus) RecordContinuityError(pid uint16) {
	p.c.continuityErrors.WithLabelValues(p.stream, pidLabel(pid)).Inc()
}

// RecordPESUnit implements Recorder.
func (p *Prometheus) RecordPESUnit(pid uint16, bytes int) {
	p.c.pesUnits.WithLabelValues(p.stream, pidLabel(pid)).Inc()
	p.c.pesBytes.WithLabelValues(p.stream, pidLabel(pid)).Add(float64(bytes))
}

// RecordNALUnit implements Recorder.
func (p *Prometheus) RecordNALUnit(nalType uint8) {
	p.c.nalUnits.WithLabelValues(p.stream, strconv.Itoa(int(nalType))).Inc()
}

// RecordCaption implements Recorder.
func (p *Prometheus) RecordCaption(channel int) {
	p.c.captions.WithLabelValues(p.stream, strconv.Itoa(channel)).Inc()
}
