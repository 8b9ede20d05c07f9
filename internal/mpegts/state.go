package mpegts

import (
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
)

// StreamState is the continuity tracker for one PID. A PID with no state in
// the store has not yet seen a payload unit start.
type StreamState struct {
	PID            uint16
	LastContinuity uint8
	Packets        int64
	Bytes          int64
	Mismatches     int64

	// unit collects payloads since the last payload unit start when whole
	// PES units are requested.
	unit  []byte
	first *Packet
}

// StateStore owns the per-PID state of a Reassembler. It is accessed only
// from the goroutine that calls Push.
type StateStore interface {
	Get(pid uint16) (*StreamState, bool)
	Put(pid uint16, st *StreamState)
	// PIDs returns the tracked PIDs in ascending order.
	PIDs() []uint16
	Len() int
}

// MapStore is an unbounded StateStore. State lives for the life of the
// store.
type MapStore struct {
	m map[uint16]*StreamState
}

// NewMapStore creates an empty MapStore.
func NewMapStore() *MapStore {
	return &MapStore{m: make(map[uint16]*StreamState)}
}

func (s *MapStore) Get(pid uint16) (*StreamState, bool) {
	st, ok := s.m[pid]
	return st, ok
}

func (s *MapStore) Put(pid uint16, st *StreamState) {
	s.m[pid] = st
}

func (s *MapStore) PIDs() []uint16 {
	pids := make([]uint16, 0, len(s.m))
	for pid := range s.m {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

func (s *MapStore) Len() int {
	return len(s.m)
}

// LRUStore bounds the number of tracked PIDs, evicting the least recently
// used one when full. An evicted PID starts over as unseen.
type LRUStore struct {
	c *lru.Cache[uint16, *StreamState]
}

// NewLRUStore creates an LRUStore holding at most capacity PIDs. onEvict,
// if non-nil, is called with each evicted state.
func NewLRUStore(capacity int, onEvict func(pid uint16, st *StreamState)) (*LRUStore, error) {
	c, err := lru.NewWithEvict[uint16, *StreamState](capacity, onEvict)
	if err != nil {
		return nil, err
	}
	return &LRUStore{c: c}, nil
}

func (s *LRUStore) Get(pid uint16) (*StreamState, bool) {
	return s.c.Get(pid)
}

func (s *LRUStore) Put(pid uint16, st *StreamState) {
	s.c.Add(pid, st)
}

func (s *LRUStore) PIDs() []uint16 {
	pids := s.c.Keys()
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

func (s *LRUStore) Len() int {
	return s.c.Len()
}
