package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsprobe/internal/certs"
	"github.com/zsiec/tsprobe/internal/ingest"
	quicingest "github.com/zsiec/tsprobe/internal/ingest/quic"
	srtingest "github.com/zsiec/tsprobe/internal/ingest/srt"
	"github.com/zsiec/tsprobe/internal/mpegts"
	"github.com/zsiec/tsprobe/internal/pipeline"
	"github.com/zsiec/tsprobe/internal/stats"
)

var version = "dev"

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "tsprobe:", err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdout); err != nil {
		slog.Error("tsprobe failed", "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg      *config
	log      *slog.Logger
	mgr      *pipeline.Manager
	registry *ingest.Registry
	metrics  *stats.Collectors
	promReg  *prometheus.Registry

	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup
}

func newApp(cfg *config) (*app, error) {
	a := &app{
		cfg:     cfg,
		log:     slog.Default().With("component", "tsprobe"),
		mgr:     pipeline.NewManager(nil),
		promReg: prometheus.NewRegistry(),
	}
	a.promReg.MustRegister(collectors.NewGoCollector())
	var err error
	if a.metrics, err = stats.NewCollectors(a.promReg); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return a, nil
}

func run(ctx context.Context, cfg *config, out io.Writer) error {
	if cfg.quicSend != "" || cfg.srtSend != "" {
		return send(ctx, cfg)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	a.log.Info("tsprobe starting", "version", version,
		"input", cfg.input, "srt", cfg.srtListen, "quic", cfg.quicListen,
		"api", cfg.apiAddr, "policy", cfg.policy)

	g, ctx := errgroup.WithContext(ctx)
	a.registry = ingest.NewRegistry(func(key string, input io.Reader) {
		a.handleStream(ctx, key, input)
	})

	if err := a.startInputs(ctx, g); err != nil {
		return err
	}
	if cfg.apiAddr != "" {
		a.serveAPI(ctx, g)
	}
	if cfg.input != "" {
		g.Go(func() error {
			if err := ingest.ServeFile(ctx, a.registry, inputKey(cfg.input), cfg.input, nil); err != nil {
				return err
			}
			if cfg.serving() {
				return nil
			}
			// The pipe is closed, so the file's pipeline drains to EOF.
			a.shutdown()
			return errDone
		})
	}

	err = g.Wait()
	a.shutdown()
	if errors.Is(err, errDone) || errors.Is(err, context.Canceled) {
		err = nil
	}
	a.report(out)
	return err
}

var errDone = errors.New("input finished")

func inputKey(path string) string {
	if path == "-" {
		return "stdin"
	}
	return path
}

// handleStream runs a pipeline for a newly registered input unless the app
// is shutting down, in which case the input is discarded.
func (a *app) handleStream(ctx context.Context, key string, input io.Reader) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_, _ = io.Copy(io.Discard, input)
		return
	}
	a.running.Add(1)
	a.mu.Unlock()
	defer a.running.Done()

	a.runPipeline(ctx, key, input)
}

// shutdown stops new pipelines from starting and waits for running ones.
func (a *app) shutdown() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.running.Wait()
}

func (a *app) runPipeline(ctx context.Context, key string, input io.Reader) {
	store, err := mpegts.NewLRUStore(a.cfg.maxPIDs, func(pid uint16, st *mpegts.StreamState) {
		a.log.Debug("evicted PID state", "stream", key, "pid", pid, "packets", st.Packets)
	})
	if err != nil {
		a.log.Error("state store", "stream", key, "error", err)
		_, _ = io.Copy(io.Discard, input)
		return
	}

	opts := []pipeline.Option{
		pipeline.WithContinuityPolicy(a.cfg.policy),
		pipeline.WithStateStore(store),
		pipeline.WithRecorder(a.metrics.ForStream(key)),
		pipeline.WithSink(logSink{log: a.log.With("stream", key)}),
	}
	if a.cfg.strictAF {
		opts = append(opts, pipeline.WithStrictAdaptationLength())
	}
	p := pipeline.New(key, opts...)
	if !a.mgr.Add(p) {
		_, _ = io.Copy(io.Discard, input)
		return
	}
	defer a.mgr.Remove(key)

	if err := p.Run(ctx, input); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("pipeline error", "stream", key, "error", err)
	}
	// Unblock the transport if the pipeline stopped before EOF.
	_, _ = io.Copy(io.Discard, input)
}

func (a *app) startInputs(ctx context.Context, g *errgroup.Group) error {
	cfg := a.cfg
	if cfg.srtListen != "" {
		var opts []srtingest.ServerOption
		if len(cfg.srtAllow) > 0 {
			opts = append(opts, srtingest.ServerOptAllowKeys(cfg.srtAllow...))
		}
		srv := srtingest.NewServer(cfg.srtListen, a.registry, nil, opts...)
		g.Go(func() error { return srv.Start(ctx) })
	}

	if cfg.srtPull != "" {
		caller := srtingest.NewCaller(a.registry, nil)
		if err := caller.Pull(ctx, srtingest.PullRequest{Address: cfg.srtPull, StreamKey: cfg.srtKey}); err != nil {
			return err
		}
	}

	if cfg.quicListen != "" {
		cert, err := a.loadCert()
		if err != nil {
			return err
		}
		srv := quicingest.NewServer(cfg.quicListen, cert.TLSConfig(quicingest.ALPN), a.registry, nil)
		g.Go(func() error { return srv.Start(ctx, nil) })
	}
	return nil
}

func (a *app) loadCert() (*certs.CertInfo, error) {
	if a.cfg.certFile != "" {
		return certs.Load(a.cfg.certFile, a.cfg.keyFile)
	}
	host := a.cfg.quicListen
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	cert, err := certs.Generate(certs.DefaultValidity, host)
	if err != nil {
		return nil, err
	}
	a.log.Info("generated self-signed certificate",
		"fingerprint", cert.FingerprintHex(),
		"expires", cert.NotAfter.Format(time.RFC3339))
	return cert, nil
}

type streamsResponse struct {
	Inputs   []ingest.Stats     `json:"inputs"`
	Running  []pipeline.Summary `json:"running"`
	Finished []pipeline.Summary `json:"finished"`
}

func (a *app) streams() streamsResponse {
	return streamsResponse{
		Inputs:   a.registry.List(),
		Running:  a.mgr.Running(),
		Finished: a.mgr.Finished(),
	}
}

func (a *app) apiHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/streams", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(a.streams()); err != nil {
			a.log.Error("encoding JSON response", "error", err)
		}
	})
	return mux
}

func (a *app) serveAPI(ctx context.Context, g *errgroup.Group) {
	srv := &http.Server{
		Addr:              a.cfg.apiAddr,
		Handler:           a.apiHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.log.Info("API server listening", "addr", a.cfg.apiAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func send(ctx context.Context, cfg *config) error {
	var r io.Reader = os.Stdin
	if cfg.input != "-" {
		f, err := os.Open(cfg.input)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	if cfg.srtSend != "" {
		return srtingest.Push(ctx, cfg.srtSend, "live/"+cfg.srtKey, r, cfg.rate, nil)
	}
	tlsConf, err := clientTLS(cfg)
	if err != nil {
		return err
	}
	return quicingest.Send(ctx, cfg.quicSend, tlsConf, inputKey(cfg.input), r)
}
