// Package recording implements the "opaque session recording sink" of
// spec.md §3 Session and its Non-goals ("no on-disk persistence beyond
// an opaque session recording sink"). The sink here never interprets the
// bytes it forwards — it is a write-only NATS fan-out, matching
// helixml-helix's pubsub.PubSub publish path (api/pkg/pubsub/nats.go)
// reshaped from a JSON envelope to raw timestamped instruction bytes, so
// an external subscriber can reconstruct a session the way
// gravitational-teleport's tty_playback.go reconstructs a recorded
// terminal session from a chronological byte trace.
package recording

import (
	"encoding/binary"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Sink publishes raw serialized instruction bytes onto a per-session NATS
// subject. A nil *nats.Conn (recording disabled, per §1.3's
// GATEWAY_RECORDING_NATS_URL being unset) makes every publish a no-op.
type Sink struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NewSink connects to natsURL and returns a Sink publishing through it.
// An empty natsURL returns a disabled no-op Sink rather than an error,
// matching the Non-goals' "opaque" framing: recording is an optional
// add-on, never a requirement for the core to run.
func NewSink(natsURL string, log zerolog.Logger) (*Sink, error) {
	if natsURL == "" {
		return &Sink{log: log}, nil
	}
	conn, err := nats.Connect(natsURL, nats.Name("gatewayd-recording"))
	if err != nil {
		return nil, err
	}
	return &Sink{conn: conn, log: log}, nil
}

// subject derives the per-session recording subject; kept as one
// function so the naming scheme only lives in one place.
func subject(sessionID string) string {
	return "gateway.recording." + sessionID
}

// RecordInstruction publishes raw, the exact on-wire bytes of one
// instruction, prefixed with an 8-byte big-endian millisecond timestamp
// so a subscriber can reconstruct playback timing without this package
// ever parsing the instruction itself — the sink stays opaque to the
// wire grammar it is recording.
func (s *Sink) RecordInstruction(sessionID string, raw []byte) {
	if s.conn == nil {
		return
	}
	envelope := make([]byte, 8+len(raw))
	binary.BigEndian.PutUint64(envelope[:8], uint64(time.Now().UnixMilli()))
	copy(envelope[8:], raw)

	if err := s.conn.Publish(subject(sessionID), envelope); err != nil {
		s.log.Warn().Err(err).Str("session", sessionID).Msg("recording publish failed")
	}
}

// Close closes the underlying NATS connection, if any, without draining
// it first.
func (s *Sink) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}
