// Package quic accepts MPEG-TS pushed over QUIC. The sender opens one
// bidirectional stream per input, writes a varint-length-prefixed stream
// key followed by raw TS bytes, and closes its side. The listener closes
// its side once every byte has been consumed.
package quic

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/tsprobe/internal/ingest"
)

// ALPN is the application protocol negotiated by sender and listener.
const ALPN = "tsprobe-ts"

// MaxKeyLen bounds the stream key header.
const MaxKeyLen = 256

const readBufferSize = 188 * 64

// Stream error codes sent when a stream is refused.
const (
	codeBadHeader quicgo.StreamErrorCode = 1
	codeRejected  quicgo.StreamErrorCode = 2
)

var errKeyLength = errors.New("quic: stream key length out of range")

// Server listens for QUIC connections and registers every incoming
// stream with the ingest registry.
type Server struct {
	log      *slog.Logger
	addr     string
	tlsConf  *tls.Config
	registry *ingest.Registry
}

// NewServer creates a Server. tlsConf must carry a certificate; ALPN is
// added to its NextProtos when missing. If log is nil, slog.Default() is
// used.
func NewServer(addr string, tlsConf *tls.Config, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	conf := tlsConf.Clone()
	hasALPN := false
	for _, p := range conf.NextProtos {
		if p == ALPN {
			hasALPN = true
		}
	}
	if !hasALPN {
		conf.NextProtos = append(conf.NextProtos, ALPN)
	}
	return &Server{
		log:      log.With("component", "quic-server"),
		addr:     addr,
		tlsConf:  conf,
		registry: registry,
	}
}

// Start accepts connections until ctx is cancelled. ready, when non-nil,
// receives the bound address once the listener is up.
func (s *Server) Start(ctx context.Context, ready chan<- string) error {
	ln, err := quicgo.ListenAddr(s.addr, s.tlsConf, &quicgo.Config{
		MaxIdleTimeout: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("quic: listen on %s: %w", s.addr, err)
	}
	defer ln.Close()
	s.log.Info("listening", "addr", ln.Addr().String())
	if ready != nil {
		ready <- ln.Addr().String()
	}

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quic: accept: %w", err)
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn quicgo.Connection) {
	remote := conn.RemoteAddr().String()
	s.log.Debug("connection", "remote", remote)
	for {
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			s.log.Debug("connection closed", "remote", remote, "error", err)
			return
		}
		go s.handleStream(ctx, str, remote)
	}
}

func refuse(str quicgo.Stream, code quicgo.StreamErrorCode) {
	str.CancelRead(code)
	str.CancelWrite(code)
}

func (s *Server) handleStream(ctx context.Context, str quicgo.Stream, remote string) {
	br := bufio.NewReaderSize(str, readBufferSize)
	key, err := readKey(br)
	if err != nil {
		s.log.Warn("bad stream header", "remote", remote, "error", err)
		refuse(str, codeBadHeader)
		return
	}

	stream, w, err := s.registry.Register(key, ingest.TransportQUIC)
	if err != nil {
		s.log.Warn("rejecting stream", "stream_key", key, "error", err)
		refuse(str, codeRejected)
		return
	}
	stream.SetRemoteAddr(remote)
	s.log.Info("publish", "stream_key", key, "remote", remote)

	stop := context.AfterFunc(ctx, func() { str.CancelRead(0) })
	defer stop()

	err = ingest.Copy(stream, w, br, make([]byte, readBufferSize))
	if err != nil && ctx.Err() == nil {
		s.log.Debug("read error", "stream_key", key, "error", err)
	}

	st := stream.Stats()
	s.registry.Unregister(key, nil)
	str.Close()
	s.log.Info("stream closed", "stream_key", key,
		"bytes", st.BytesReceived, "reads", st.ReadCount,
		"uptime_ms", st.UptimeMs)
}

func readKey(br *bufio.Reader) (string, error) {
	n, err := quicvarint.Read(br)
	if err != nil {
		return "", fmt.Errorf("quic: read key length: %w", err)
	}
	if n == 0 || n > MaxKeyLen {
		return "", fmt.Errorf("%w: %d", errKeyLength, n)
	}
	key := make([]byte, n)
	if _, err := io.ReadFull(br, key); err != nil {
		return "", fmt.Errorf("quic: read key: %w", err)
	}
	return string(key), nil
}

// AppendKeyHeader appends the stream header for key to b.
func AppendKeyHeader(b []byte, key string) []byte {
	b = quicvarint.Append(b, uint64(len(key)))
	return append(b, key...)
}

// Send dials addr, opens one stream under key and copies r into it until
// EOF, then waits for the listener to acknowledge the end of the stream.
func Send(ctx context.Context, addr string, tlsConf *tls.Config, key string, r io.Reader) error {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return fmt.Errorf("%w: %d", errKeyLength, len(key))
	}
	conf := tlsConf.Clone()
	conf.NextProtos = []string{ALPN}

	conn, err := quicgo.DialAddr(ctx, addr, conf, &quicgo.Config{MaxIdleTimeout: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("quic: dial %s: %w", addr, err)
	}
	defer conn.CloseWithError(0, "done")

	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("quic: open stream: %w", err)
	}
	if _, err := str.Write(AppendKeyHeader(nil, key)); err != nil {
		return fmt.Errorf("quic: write header: %w", err)
	}
	if _, err := io.Copy(str, r); err != nil {
		str.CancelWrite(0)
		return fmt.Errorf("quic: send: %w", err)
	}
	if err := str.Close(); err != nil {
		return fmt.Errorf("quic: close stream: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { str.CancelRead(0) })
	defer stop()
	if _, err := io.Copy(io.Discard, str); err != nil {
		return fmt.Errorf("quic: await ack: %w", err)
	}
	return nil
}
