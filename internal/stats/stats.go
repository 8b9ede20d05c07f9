// Package stats collects decoder telemetry: packets framed, bytes skipped
// while hunting for sync, malformed packets, continuity errors, PES units
// and NAL units. Components record into a Recorder; Stats keeps an atomic
// in-process snapshot and Prometheus exports the same counters.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder is the interface accepted by the framer, reassembler and
// pipeline for recording stream telemetry.
type Recorder interface {
	RecordPacket(pid uint16)
	RecordSkipped(n int)
	RecordMalformed(pid uint16, invariant string)
	RecordContinuityError(pid uint16)
	RecordPESUnit(pid uint16, bytes int)
	RecordNALUnit(nalType uint8)
	RecordCaption(channel int)
}

// Nop discards everything. It is the default Recorder.
type Nop struct{}

func (Nop) RecordPacket(uint16) {}
func (Nop) RecordSkipped(int) {}
func (Nop) RecordMalformed(uint16, string) {}
func (Nop) RecordContinuityError(uint16) {}
func (Nop) RecordPESUnit(uint16, int) {}
func (Nop) RecordNALUnit(uint8) {}
func (Nop) RecordCaption(int) {}

// Tee fans every record out to each of rs.
func Tee(rs ...Recorder) Recorder {
	return tee(rs)
}

type tee []Recorder

func (t tee) RecordPacket(pid uint16) {
	for _, r := range t {
		r.RecordPacket(pid)
	}
}

func (t tee) RecordSkipped(n int) {
	for _, r := range t {
		r.RecordSkipped(n)
	}
}

func (t tee) RecordMalformed(pid uint16, invariant string) {
	for _, r := range t {
		r.RecordMalformed(pid, invariant)
	}
}

func (t tee) RecordContinuityError(pid uint16) {
	for _, r := range t {
		r.RecordContinuityError(pid)
	}
}

func (t tee) RecordPESUnit(pid uint16, bytes int) {
	for _, r := range t {
		r.RecordPESUnit(pid, bytes)
	}
}

func (t tee) RecordNALUnit(nalType uint8) {
	for _, r := range t {
		r.RecordNALUnit(nalType)
	}
}

func (t tee) RecordCaption(channel int) {
	for _, r := range t {
		r.RecordCaption(channel)
	}
}

// PIDStats holds per-PID counters.
type PIDStats struct {
	PID              uint16 `json:"pid"`
	Packets          int64  `json:"packets"`
	ContinuityErrors int64  `json:"continuityErrors"`
	PESUnits         int64  `json:"pesUnits"`
	PESBytes         int64  `json:"pesBytes"`
}

// Snapshot is a point-in-time copy of a Stats.
type Snapshot struct {
	UptimeMs         int64           `json:"uptimeMs"`
	Packets          int64           `json:"packets"`
	SkippedBytes     int64           `json:"skippedBytes"`
	Malformed        int64           `json:"malformed"`
	ContinuityErrors int64           `json:"continuityErrors"`
	NALUnits         map[uint8]int64 `json:"nalUnits"`
	Captions         int64           `json:"captions"`
	PIDs             []PIDStats      `json:"pids"`
}

// Stats is a Recorder that accumulates counters in memory. Totals are
// atomics; per-PID and per-NAL-type maps are guarded by mu.
type Stats struct {
	startedAt time.Time

	packets          atomic.Int64
	skipped          atomic.Int64
	malformed        atomic.Int64
	continuityErrors atomic.Int64
	captions         atomic.Int64

	mu   sync.Mutex
	pids map[uint16]*PIDStats
	nals map[uint8]int64
}

// Compile-time interface check.
var _ Recorder = (*Stats)(nil)

// New creates an empty Stats.
func New() *Stats {
	return &Stats{
		startedAt: time.Now(),
		pids:      make(map[uint16]*PIDStats),
		nals:      make(map[uint8]int64),
	}
}

func (s *Stats) pid(pid uint16) *PIDStats {
	p, ok := s.pids[pid]
	if !ok {
		p = &PIDStats{PID: pid}
		s.pids[pid] = p
	}
	return p
}

// RecordPacket implements Recorder.
func (s *Stats) RecordPacket(pid uint16) {
	s.packets.Add(1)
	s.mu.Lock()
	s.pid(pid).Packets++
	s.mu.Unlock()
}

// RecordSkipped implements Recorder.
func (s *Stats) RecordSkipped(n int) {
	s.skipped.Add(int64(n))
}

// RecordMalformed implements Recorder.
func (s *Stats) RecordMalformed(uint16, string) {
	s.malformed.Add(1)
}

// RecordContinuityError implements Recorder.
func (s *Stats) RecordContinuityError(pid uint16) {
	s.continuityErrors.Add(1)
	s.mu.Lock()
	s.pid(pid).ContinuityErrors++
	s.mu.Unlock()
}

// RecordPESUnit implements Recorder.
func (s *Stats) RecordPESUnit(pid uint16, bytes int) {
	s.mu.Lock()
	p := s.pid(pid)
	p.PESUnits++
	p.PESBytes += int64(bytes)
	s.mu.Unlock()
}

// RecordNALUnit implements Recorder.
func (s *Stats) RecordNALUnit(nalType uint8) {
	s.mu.Lock()
	s.nals[nalType]++
	s.mu.Unlock()
}

// RecordCaption implements Recorder.
func (s *Stats) RecordCaption(int) {
	s.captions.Add(1)
}

// Snapshot returns a copy of the current counters with PIDs sorted
// ascending.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeMs:         time.Since(s.startedAt).Milliseconds(),
		Packets:          s.packets.Load(),
		SkippedBytes:     s.skipped.Load(),
		Malformed:        s.malformed.Load(),
		ContinuityErrors: s.continuityErrors.Load(),
		Captions:         s.captions.Load(),
		NALUnits:         make(map[uint8]int64),
	}
	s.mu.Lock()
	for _, p := range s.pids {
		snap.PIDs = append(snap.PIDs, *p)
	}
	for t, n := range s.nals {
		snap.NALUnits[t] = n
	}
	s.mu.Unlock()
	sort.Slice(snap.PIDs, func(i, j int) bool { return snap.PIDs[i].PID < snap.PIDs[j].PID })
	return snap
}
