// Package transcribe runs speech recognition for one audio source at a time.
// A Controller owns the active recognition stream for a source and restarts it
// when the source's input language changes, making sure the previous stream
// has fully stopped before the next one starts pulling frames.
package transcribe

import (
	"context"
	"encoding/binary"
	"time"
)

// AudioFrame is a block of interleaved int16 PCM samples.
type AudioFrame struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate == 0 || f.Channels == 0 {
		return 0
	}
	n := len(f.Samples) / f.Channels
	return time.Duration(n) * time.Second / time.Duration(f.SampleRate)
}

// PCM16LE encodes the samples as little-endian linear16 bytes.
func (f AudioFrame) PCM16LE() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// FrameSource is a lazy, blocking sequence of frames from one audio track.
// Next returns io.EOF when the track ends and ctx.Err() when ctx is done.
// Only one caller may pull from a source at a time.
type FrameSource interface {
	Next(ctx context.Context) (AudioFrame, error)
}

// EventType distinguishes recognition results.
type EventType int

const (
	// Interim results are provisional and superseded by later ones.
	Interim EventType = iota
	// Final results will not be revised.
	Final
	// Error reports a stream failure; Err is set.
	Error
)

func (t EventType) String() string {
	switch t {
	case Interim:
		return "interim"
	case Final:
		return "final"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// SpeechEvent is one recognition result.
type SpeechEvent struct {
	Type       EventType
	Text       string
	Confidence float64
	Language   string
	Start      time.Duration
	End        time.Duration
	Err        error
}

// StreamConfig configures one recognition stream.
type StreamConfig struct {
	// Language is the recognizer dialect code, e.g. "en-US".
	Language   string
	SampleRate int
	Channels   int
	Interim    bool
}

// Recognizer opens recognition streams.
type Recognizer interface {
	Name() string
	// Open connects a stream. ctx bounds the lifetime of the whole stream.
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream is one live recognition session.
type Stream interface {
	// Push sends one frame. It may block while the recognizer catches up.
	Push(frame AudioFrame) error
	// Events yields results in recognizer order and is closed when the stream ends.
	Events() <-chan SpeechEvent
	// CloseSend tells the recognizer no more audio follows so it can flush.
	CloseSend() error
	// Close releases the stream.
	Close() error
}
