package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/zsiec/tsprobe/internal/mpegts"
)

type config struct {
	input      string
	srtListen  string
	srtPull    string
	srtKey     string
	srtAllow   []string
	quicListen string
	quicSend   string
	quicPin    string
	srtSend    string
	rate       float64
	certFile   string
	keyFile    string
	apiAddr    string
	policy     mpegts.ContinuityPolicy
	strictAF   bool
	maxPIDs    int
	jsonOut    bool
	debug      bool
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

func parsePolicy(s string) (mpegts.ContinuityPolicy, error) {
	switch strings.ToLower(s) {
	case "", "tolerate":
		return mpegts.ContinuityTolerate, nil
	case "reject":
		return mpegts.ContinuityReject, nil
	}
	return 0, fmt.Errorf("unknown continuity policy %q", s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseConfig(args []string, stderr io.Writer) (*config, error) {
	fs := flag.NewFlagSet("tsprobe", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &config{}
	var policy, allow string
	fs.StringVar(&cfg.input, "input", envOr("INPUT", ""), "MPEG-TS file to analyse, - for stdin")
	fs.StringVar(&cfg.srtListen, "srt-listen", envOr("SRT_ADDR", ""), "accept SRT publishers on this address")
	fs.StringVar(&cfg.srtPull, "srt-pull", envOr("SRT_PULL", ""), "pull from a remote SRT listener at this address")
	fs.StringVar(&cfg.srtKey, "srt-key", envOr("SRT_KEY", "pull"), "stream key for -srt-pull")
	fs.StringVar(&allow, "srt-allow", envOr("SRT_ALLOW", ""), "comma-separated stream keys SRT publishers may use")
	fs.StringVar(&cfg.quicListen, "quic-listen", envOr("QUIC_ADDR", ""), "accept QUIC pushes on this address")
	fs.StringVar(&cfg.quicSend, "quic-send", envOr("QUIC_SEND", ""), "push -input to a remote QUIC listener instead of analysing it")
	fs.StringVar(&cfg.srtSend, "srt-send", envOr("SRT_SEND", ""), "push -input to a remote SRT listener under -srt-key instead of analysing it")
	fs.Float64Var(&cfg.rate, "rate", 0, "bytes per second for -srt-send, 0 for unpaced")
	fs.StringVar(&cfg.quicPin, "quic-pin", envOr("QUIC_PIN", ""), "hex SHA-256 fingerprint the -quic-send peer certificate must match")
	fs.StringVar(&cfg.certFile, "cert", envOr("TLS_CERT", ""), "TLS certificate file for -quic-listen")
	fs.StringVar(&cfg.keyFile, "key", envOr("TLS_KEY", ""), "TLS key file for -quic-listen")
	fs.StringVar(&cfg.apiAddr, "api", envOr("API_ADDR", ""), "serve /metrics and /api/streams on this address")
	fs.StringVar(&policy, "policy", envOr("CONTINUITY_POLICY", "tolerate"), "continuity policy: tolerate or reject")
	fs.BoolVar(&cfg.strictAF, "strict-af", envBool("STRICT_AF"), "treat over-length adaptation fields as malformed")
	fs.IntVar(&cfg.maxPIDs, "max-pids", 256, "PIDs tracked per stream before the least recent is evicted")
	fs.BoolVar(&cfg.jsonOut, "json", envBool("JSON"), "print summaries as JSON")
	fs.BoolVar(&cfg.debug, "debug", os.Getenv("DEBUG") != "", "debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if cfg.policy, err = parsePolicy(policy); err != nil {
		return nil, err
	}
	cfg.srtAllow = splitList(allow)

	switch {
	case (cfg.quicSend != "" || cfg.srtSend != "") && cfg.input == "":
		return nil, errors.New("-quic-send and -srt-send need -input")
	case cfg.quicSend != "" && cfg.srtSend != "":
		return nil, errors.New("-quic-send and -srt-send are exclusive")
	case cfg.input == "" && cfg.srtListen == "" && cfg.srtPull == "" && cfg.quicListen == "":
		return nil, errors.New("nothing to do: set -input, -srt-listen, -srt-pull or -quic-listen")
	case (cfg.certFile == "") != (cfg.keyFile == ""):
		return nil, errors.New("-cert and -key must be set together")
	case cfg.maxPIDs <= 0:
		return nil, fmt.Errorf("-max-pids must be positive, got %d", cfg.maxPIDs)
	}
	return cfg, nil
}

// serving reports whether the process should keep running until signalled
// rather than exit once the input file ends.
func (c *config) serving() bool {
	return c.srtListen != "" || c.srtPull != "" || c.quicListen != ""
}
