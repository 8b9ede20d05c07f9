package srt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/tsprobe/internal/ingest"
)

// readBufferSize holds ten SRT payloads of 7 TS packets each.
const readBufferSize = 1316 * 10

// latencyNs is the SRT receiver latency, 120ms.
const latencyNs = 120_000_000

// Server accepts SRT publish connections and registers each one with the
// ingest registry under the key taken from its stream ID.
type Server struct {
	log      *slog.Logger
	addr     string
	allow    map[string]bool
	registry *ingest.Registry
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerOptAllowKeys restricts publishers to the given stream keys.
func ServerOptAllowKeys(keys ...string) ServerOption {
	return func(s *Server) {
		s.allow = make(map[string]bool, len(keys))
		for _, k := range keys {
			s.allow[k] = true
		}
	}
}

// NewServer creates an SRT server that listens on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start accepts publish connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("srt: listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if !s.accepts(req.StreamID) {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		go s.handleConnection(ctx, conn, key)
	}
}

func (s *Server) accepts(streamID string) bool {
	if streamID == "" {
		return false
	}
	if s.allow == nil {
		return true
	}
	return s.allow[extractStreamKey(streamID)]
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	stream, w, err := s.registry.Register(key, ingest.TransportSRT)
	if err != nil {
		s.log.Warn("rejecting publish", "stream_key", key, "error", err)
		return
	}
	stream.SetRemoteAddr(conn.RemoteAddr().String())

	err = ingest.Copy(stream, w, conn, make([]byte, readBufferSize))
	if err != nil && ctx.Err() == nil {
		s.log.Debug("read error", "stream_key", key, "error", err)
	}

	st := stream.Stats()
	s.registry.Unregister(key, nil)
	s.log.Info("connection closed", "stream_key", key,
		"bytes", st.BytesReceived, "reads", st.ReadCount,
		"uptime_ms", st.UptimeMs)
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
