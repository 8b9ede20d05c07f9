// Package ingest manages active byte-stream inputs, coupling transport
// readers (file, SRT, QUIC) with metadata, lifecycle signaling and
// dispatch into the decode pipeline.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Transport identifies how a stream's bytes arrive.
type Transport int

// Supported transports.
const (
	TransportFile Transport = iota
	TransportSRT
	TransportQUIC
)

func (t Transport) String() string {
	switch t {
	case TransportFile:
		return "file"
	case TransportSRT:
		return "srt"
	case TransportQUIC:
		return "quic"
	default:
		return fmt.Sprintf("transport-%d", int(t))
	}
}

// ErrDuplicateKey is returned by Register when the key is already active.
var ErrDuplicateKey = errors.New("ingest: stream key already registered")

// Stats captures connection-level metrics for an input.
type Stats struct {
	Key           string `json:"key"`
	Transport     string `json:"transport"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is one active input. Bytes written to the pipe by the transport
// are read by the pipeline; the pipe blocks the writer until they are.
type Stream struct {
	Key       string
	StartedAt time.Time
	Transport Transport
	input     io.ReadCloser
	pw        *io.PipeWriter
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters after a transport read.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the input for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the stream's connection metrics.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		Key:           s.Key,
		Transport:     s.Transport.String(),
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// StreamHandler consumes a registered stream's bytes until EOF.
type StreamHandler func(key string, input io.Reader)

// Registry tracks active streams by key and hands each new one to the
// handler on its own goroutine.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream StreamHandler
}

// NewRegistry creates a Registry. onStream may be nil.
func NewRegistry(onStream StreamHandler) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream under key and returns it with the writer the
// transport should copy into.
func (r *Registry) Register(key string, transport Transport) (*Stream, io.Writer, error) {
	pr, pw := io.Pipe()

	stream := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		Transport: transport,
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.streams[key]; exists {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	r.streams[key] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(key, pr)
	}

	return stream, pw, nil
}

// Unregister removes a stream by key, closing its pipe and signaling Done.
// A non-nil cause is delivered to the reader instead of io.EOF.
func (r *Registry) Unregister(key string, cause error) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.CloseWithError(cause)
		close(stream.done)
	}
}

// Get returns the Stream for the given key, or false if not found.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns a stats snapshot of every active stream, sorted by key.
func (r *Registry) List() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Copy moves bytes from src into a registered stream's writer using buf,
// recording each read, until src or the writer fails. It returns nil when
// src reaches io.EOF.
func Copy(stream *Stream, w io.Writer, src io.Reader, buf []byte) error {
	for {
		n, err := src.Read(buf)
		if n > 0 {
			stream.RecordRead(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("ingest: pipe write: %w", werr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
