package pipeline

import (
	"log/slog"
	"sort"
	"sync"
)

// Manager tracks running pipelines by stream key and keeps the final
// summary of each one that has finished.
type Manager struct {
	log *slog.Logger

	mu       sync.RWMutex
	running  map[string]*Pipeline
	finished []Summary
}

// NewManager creates a Manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "pipeline-manager"),
		running: make(map[string]*Pipeline),
	}
}

// Add registers p. It reports false when a pipeline with the same key is
// already running.
func (m *Manager) Add(p *Pipeline) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.running[p.Key()]; ok {
		m.log.Warn("pipeline already running, rejecting duplicate", "key", p.Key())
		return false
	}
	m.running[p.Key()] = p
	m.log.Info("pipeline started", "key", p.Key())
	return true
}

// Remove stops tracking key, keeping its final summary.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.running[key]
	if !ok {
		return
	}
	delete(m.running, key)
	m.finished = append(m.finished, p.Summary())
	m.log.Info("pipeline removed", "key", key)
}

// Get returns the running pipeline for key.
func (m *Manager) Get(key string) (*Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.running[key]
	return p, ok
}

// Running returns summaries of the running pipelines sorted by key.
func (m *Manager) Running() []Summary {
	m.mu.RLock()
	out := make([]Summary, 0, len(m.running))
	for _, p := range m.running {
		out = append(out, p.Summary())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Finished returns the summaries of removed pipelines in removal order.
func (m *Manager) Finished() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Summary(nil), m.finished...)
}
