// Package captions defines caption segments and the sink that publishes them
// into a LiveKit room as transcription packets.
package captions

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Segment is one caption line. Final segments are never revised.
type Segment struct {
	ID        string
	Text      string
	Language  string
	Final     bool
	StartTime time.Duration
	EndTime   time.Duration
}

// Track identifies the audio track a caption belongs to.
type Track struct {
	ParticipantIdentity string
	TrackSID            string
}

// Sink publishes caption segments.
type Sink interface {
	Publish(ctx context.Context, track Track, seg Segment) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, track Track, seg Segment) error

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, track Track, seg Segment) error {
	return f(ctx, track, seg)
}

// NewSegmentID returns a short random segment id of the form "SG_xxxxxxxxxxxx".
func NewSegmentID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "SG_" + id[:12]
}
