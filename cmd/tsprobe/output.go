package main

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/zsiec/ccx"

	"github.com/zsiec/tsprobe/internal/h264"
	"github.com/zsiec/tsprobe/internal/pipeline"
)

// logSink reports analysis events through slog.
type logSink struct {
	log *slog.Logger
}

func (s logSink) OnSPS(pid uint16, sps *h264.SeqParameterSet) {
	s.log.Info("sequence parameter set", "pid", pid, "codec", sps.CodecString(),
		"width", sps.Width, "height", sps.Height, "fps", sps.FrameRate())
}

func (s logSink) OnCaption(pid uint16, f *ccx.CaptionFrame) {
	s.log.Info("caption", "pid", pid, "channel", f.Channel, "pts", f.PTS, "text", f.Text)
}

func (s logSink) OnTimecode(pid uint16, pts int64, tc h264.Timecode) {
	s.log.Debug("timecode", "pid", pid, "pts", pts, "timecode", tc.String())
}

var errFingerprint = errors.New("peer certificate fingerprint mismatch")

func clientTLS(cfg *config) (*tls.Config, error) {
	if cfg.quicPin == "" {
		return &tls.Config{MinVersion: tls.VersionTLS13}, nil
	}
	want, err := hex.DecodeString(strings.ReplaceAll(cfg.quicPin, ":", ""))
	if err != nil || len(want) != sha256.Size {
		return nil, fmt.Errorf("-quic-pin: want %d hex bytes", sha256.Size)
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS13}
	// Chain verification is replaced by the pin check.
	conf.InsecureSkipVerify = true //nolint:gosec
	conf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errFingerprint
		}
		sum := sha256.Sum256(rawCerts[0])
		if !bytes.Equal(sum[:], want) {
			return errFingerprint
		}
		return nil
	}
	return conf, nil
}

func (a *app) report(out io.Writer) {
	summaries := a.mgr.Finished()
	summaries = append(summaries, a.mgr.Running()...)
	sort.SliceStable(summaries, func(i, j int) bool { return summaries[i].Key < summaries[j].Key })

	if a.cfg.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summaries); err != nil {
			a.log.Error("encoding summary", "error", err)
		}
		return
	}
	for _, s := range summaries {
		writeSummary(out, s)
	}
}

func writeSummary(w io.Writer, s pipeline.Summary) {
	st := s.Stats
	fmt.Fprintf(w, "stream %s\n", s.Key)
	fmt.Fprintf(w, "  packets %d  skipped bytes %d  malformed %d  continuity errors %d\n",
		st.Packets, st.SkippedBytes, st.Malformed, st.ContinuityErrors)
	for _, pid := range st.PIDs {
		fmt.Fprintf(w, "  pid 0x%04X  packets %d  pes units %d  pes bytes %d  cc errors %d\n",
			pid.PID, pid.Packets, pid.PESUnits, pid.PESBytes, pid.ContinuityErrors)
	}
	for _, v := range s.Video {
		fmt.Fprintf(w, "  video pid 0x%04X  %s %dx%d", v.PID, v.Codec, v.Width, v.Height)
		if v.FrameRate > 0 {
			fmt.Fprintf(w, " @ %.3f fps", v.FrameRate)
		}
		fmt.Fprintf(w, "  units %d  keyframes %d  captions %d", v.Units, v.Keyframes, v.Captions)
		if v.LastTimecode != "" {
			fmt.Fprintf(w, "  timecode %s", v.LastTimecode)
		}
		fmt.Fprintln(w)

		types := make([]string, 0, len(v.NALUnits))
		for t := range v.NALUnits {
			types = append(types, t)
		}
		sort.Strings(types)
		parts := make([]string, len(types))
		for i, t := range types {
			parts[i] = fmt.Sprintf("%s=%d", t, v.NALUnits[t])
		}
		fmt.Fprintf(w, "    nal %s\n", strings.Join(parts, " "))
	}
}
