package mpegts

import (
	"log/slog"

	"github.com/zsiec/tsprobe/internal/stats"
)

// ContinuityPolicy selects how the Reassembler reacts to a continuity
// counter that does not follow its predecessor.
type ContinuityPolicy int

const (
	// ContinuityTolerate records the mismatch and keeps emitting.
	ContinuityTolerate ContinuityPolicy = iota
	// ContinuityReject drops the offending payload and returns a
	// *ContinuityError from Push.
	ContinuityReject
)

func (p ContinuityPolicy) String() string {
	switch p {
	case ContinuityTolerate:
		return "tolerate"
	case ContinuityReject:
		return "reject"
	}
	return "unknown"
}

// Reassembler tracks continuity per PID and hands every payload to a
// PayloadHandler in arrival order. A PID is ignored until its first packet
// with the payload unit start indicator set.
type Reassembler struct {
	store  StateStore
	emit   PayloadHandler
	units  UnitHandler
	policy ContinuityPolicy
	log    *slog.Logger
	stats  stats.Recorder
}

// ReassemblerOption configures a Reassembler.
type ReassemblerOption func(*Reassembler)

// ReassemblerOptPolicy sets the continuity policy. The default is
// ContinuityTolerate.
func ReassemblerOptPolicy(p ContinuityPolicy) ReassemblerOption {
	return func(r *Reassembler) {
		r.policy = p
	}
}

// ReassemblerOptUnitHandler additionally collects payloads into whole PES
// units, delivered when the next unit on the same PID starts or on Flush.
func ReassemblerOptUnitHandler(h UnitHandler) ReassemblerOption {
	return func(r *Reassembler) {
		r.units = h
	}
}

// ReassemblerOptLogger sets the logger.
func ReassemblerOptLogger(log *slog.Logger) ReassemblerOption {
	return func(r *Reassembler) {
		r.log = log
	}
}

// ReassemblerOptStats sets the telemetry recorder.
func ReassemblerOptStats(rec stats.Recorder) ReassemblerOption {
	return func(r *Reassembler) {
		r.stats = rec
	}
}

// NewReassembler creates a Reassembler keeping its per-PID state in store.
// emit may be nil when only whole units are wanted.
func NewReassembler(store StateStore, emit PayloadHandler, opts ...ReassemblerOption) *Reassembler {
	if store == nil {
		store = NewMapStore()
	}
	r := &Reassembler{
		store: store,
		emit:  emit,
		log:   slog.Default(),
		stats: stats.Nop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "reassembler")
	return r
}

// Push feeds one packet. It returns a *ContinuityError only under
// ContinuityReject; all other conditions are absorbed.
func (r *Reassembler) Push(p *Packet) error {
	// Skip packets with transport errors.
	if p.Header.TransportErrorIndicator {
		return nil
	}
	pid := p.Header.PID
	cc := p.Header.ContinuityCounter

	st, tracking := r.store.Get(pid)
	if !tracking {
		if !p.Header.PayloadUnitStartIndicator || p.Payload == nil {
			return nil
		}
		st = &StreamState{PID: pid, LastContinuity: cc}
		r.store.Put(pid, st)
		r.deliver(st, p)
		return nil
	}

	// Adaptation-only packets do not increment the counter.
	if !p.Header.HasPayload() || p.Payload == nil {
		return nil
	}

	prev := st.LastContinuity
	if !continuityValid(prev, cc, p.DiscontinuityIndicator()) {
		st.Mismatches++
		r.stats.RecordContinuityError(pid)
		r.log.Debug("continuity mismatch",
			"pid", pid, "expected", (prev+1)&0x0F, "got", cc, "policy", r.policy)
		if r.policy == ContinuityReject {
			st.LastContinuity = cc
			// The unit in progress is missing data.
			st.unit, st.first = nil, nil
			return &ContinuityError{PID: pid, Expected: (prev + 1) & 0x0F, Got: cc}
		}
	}
	st.LastContinuity = cc
	r.deliver(st, p)
	return nil
}

// continuityValid reports whether cc may follow prev. A repeated counter is
// a duplicate packet and is accepted, as is any jump the stream signals
// with the discontinuity indicator.
func continuityValid(prev, cc uint8, discontinuity bool) bool {
	return discontinuity || cc == (prev+1)&0x0F || cc == prev
}

func (r *Reassembler) deliver(st *StreamState, p *Packet) {
	st.Packets++
	st.Bytes += int64(len(p.Payload))
	if r.emit != nil {
		r.emit(st.PID, p.Payload)
	}
	if r.units == nil {
		return
	}
	if p.Header.PayloadUnitStartIndicator {
		r.flushUnit(st)
		st.first = p
	}
	if st.first != nil {
		st.unit = append(st.unit, p.Payload...)
	}
}

func (r *Reassembler) flushUnit(st *StreamState) {
	if st.first == nil || len(st.unit) == 0 {
		st.unit, st.first = nil, nil
		return
	}
	unit, first := st.unit, st.first
	st.unit, st.first = nil, nil

	pes, err := ParsePES(unit)
	if err != nil {
		r.log.Debug("dropping unit", "pid", st.PID, "error", err)
		return
	}
	r.stats.RecordPESUnit(st.PID, len(pes.Data))
	r.units(first, pes)
}

// Flush delivers every pending PES unit in PID order. It is meant for end
// of stream; state is kept so pushing may continue afterwards.
func (r *Reassembler) Flush() {
	if r.units == nil {
		return
	}
	for _, pid := range r.store.PIDs() {
		if st, ok := r.store.Get(pid); ok {
			r.flushUnit(st)
		}
	}
}

// State returns the tracked state for pid.
func (r *Reassembler) State(pid uint16) (*StreamState, bool) {
	return r.store.Get(pid)
}
