package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
)

const fileReadBufferSize = 188 * 348

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ServeReader registers r under key and copies it into the registry until
// EOF, a write failure or ctx cancellation. The stream is unregistered on
// return.
func ServeReader(ctx context.Context, reg *Registry, key string, r io.Reader, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "file-ingest", "stream_key", key)

	stream, w, err := reg.Register(key, TransportFile)
	if err != nil {
		return err
	}
	if f, ok := r.(*os.File); ok {
		stream.SetRemoteAddr(f.Name())
	}

	err = Copy(stream, w, ctxReader{ctx: ctx, r: r}, make([]byte, fileReadBufferSize))
	st := stream.Stats()
	reg.Unregister(key, err)
	log.Info("input finished", "bytes", st.BytesReceived, "reads", st.ReadCount, "error", err)
	return err
}

// ServeFile opens path ("-" for stdin) and serves it as ServeReader does.
func ServeFile(ctx context.Context, reg *Registry, key, path string, log *slog.Logger) error {
	if path == "-" {
		return ServeReader(ctx, reg, key, os.Stdin, log)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return ServeReader(ctx, reg, key, f, log)
}
