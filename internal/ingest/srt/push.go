package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// pushChunkSize is one SRT payload: 7 TS packets.
const pushChunkSize = 1316

// pacer spreads writes so that sent bytes track a target byte rate against
// a single clock started at the first write.
type pacer struct {
	bytesPerSec float64
	start       time.Time
	sent        int64
}

// delay records n more bytes sent at now and returns how long to wait
// before the next write.
func (p *pacer) delay(n int, now time.Time) time.Duration {
	if p.bytesPerSec <= 0 {
		return 0
	}
	if p.start.IsZero() {
		p.start = now
	}
	p.sent += int64(n)
	expected := time.Duration(float64(p.sent) / p.bytesPerSec * float64(time.Second))
	if wait := expected - now.Sub(p.start); wait > 0 {
		return wait
	}
	return 0
}

// Push dials an SRT listener at addr with streamID and sends r in 1316-byte
// chunks until EOF or ctx is cancelled. A positive bytesPerSec paces the
// writes; zero sends as fast as the connection accepts.
func Push(ctx context.Context, addr, streamID string, r io.Reader, bytesPerSec float64, log *slog.Logger) error {
	if addr == "" {
		return ErrAddressRequired
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-push", "stream_id", streamID)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	cfg.StreamID = streamID
	conn, err := srtgo.Dial(addr, cfg)
	if err != nil {
		return fmt.Errorf("srt: dial %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	log.Info("connected", "address", addr, "rate", bytesPerSec)

	p := &pacer{bytesPerSec: bytesPerSec}
	buf := make([]byte, pushChunkSize)
	var total int64
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if _, err := conn.Write(buf[:n]); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("srt: write: %w", err)
			}
			total += int64(n)
			if wait := p.delay(n, time.Now()); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				log.Info("push finished", "bytes", total)
				return nil
			}
			return rerr
		}
	}
}
