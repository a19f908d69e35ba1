package internal

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxSnapshotBytes bounds the opaque resume snapshot a client may attach
// to start-session or heartbeat calls. Anything larger is ClientMisuse.
const MaxSnapshotBytes = 4096

// PlaybackSnapshot is the resume state a client attaches to its session so
// that the next admitted device can pick up where playback stopped. The
// coordinator stores it opaquely; this type is the agent-side encoding.
// CBOR with single-letter keys keeps the blob small on the heartbeat path.
type PlaybackSnapshot struct {
	MediaID    string `cbor:"m"`
	PositionMS int64  `cbor:"p"`
	Bitrate    int    `cbor:"b,omitempty"`
	UpdatedAt  int64  `cbor:"t"` // unix millis
}

func (s *PlaybackSnapshot) Encode() ([]byte, error) {
	return cbor.Marshal(s)
}

func DecodeSnapshot(b []byte) (*PlaybackSnapshot, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var s PlaybackSnapshot
	if err := cbor.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("failed to decode playback snapshot: %w", err)
	}
	return &s, nil
}
