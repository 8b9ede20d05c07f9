package mpegts

import (
	"errors"
	"fmt"
)

// Sentinel errors for transport stream decoding. Callers distinguish
// failure modes with errors.Is.
var (
	ErrTruncated               = errors.New("mpegts: truncated input")
	ErrBufferTooSmall          = errors.New("mpegts: destination buffer too small")
	ErrPayloadTooLarge         = errors.New("mpegts: payload does not fit in packet")
	ErrInvalidSyncByte         = errors.New("mpegts: invalid sync byte")
	ErrPacketSize              = errors.New("mpegts: invalid packet size")
	ErrContinuityMismatch      = errors.New("mpegts: continuity counter mismatch")
	ErrAdaptationFieldOverflow = errors.New("mpegts: adaptation field exceeds declared length")
)

// Invariants reported by MalformedPacketError.
const (
	InvariantPID                = "pid out of range"
	InvariantScrambling         = "scrambling control out of range"
	InvariantPayload            = "payload presence does not match adaptation field control"
	InvariantAdaptationField    = "adaptation field presence does not match adaptation field control"
	InvariantAdaptationLength   = "adaptation field length"
	InvariantPrivateData        = "private data flag set without private data"
	InvariantExtension          = "extension flag set without extension"
	InvariantAdaptationDecoding = "adaptation field decode"
)

// MalformedPacketError reports a packet that violates a structural
// invariant. The framer returns it for the offending packet only; the
// stream continues with the next sync byte.
type MalformedPacketError struct {
	PID       uint16
	Invariant string
	Err       error
}

func (e *MalformedPacketError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mpegts: malformed packet (pid %d): %s: %v", e.PID, e.Invariant, e.Err)
	}
	return fmt.Sprintf("mpegts: malformed packet (pid %d): %s", e.PID, e.Invariant)
}

func (e *MalformedPacketError) Unwrap() error {
	return e.Err
}

// ContinuityError records a continuity counter that did not follow its
// predecessor on the same PID.
type ContinuityError struct {
	PID      uint16
	Expected uint8
	Got      uint8
}

func (e *ContinuityError) Error() string {
	return fmt.Sprintf("mpegts: continuity mismatch on pid %d: expected %d, got %d", e.PID, e.Expected, e.Got)
}

func (e *ContinuityError) Unwrap() error {
	return ErrContinuityMismatch
}
