package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	soxr "github.com/zaf/resample"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/LastBotInc/coralie-captions-worker/internal/logging"
	"github.com/LastBotInc/coralie-captions-worker/internal/transcribe"
)

const (
	decodeRate = 48000
	// OutputRate is the sample rate of frames served by an AudioTrack.
	OutputRate = 16000
	// FrameSamples is 20ms at OutputRate.
	FrameSamples = OutputRate / 50
	// frameBuffer holds about two seconds of audio while a recognizer restarts.
	frameBuffer = 100
)

// AudioTrack turns a participant's Opus track into 16kHz mono PCM frames.
// It implements transcribe.FrameSource.
type AudioTrack struct {
	identity     string
	trackSID     string
	decoder      *opus.Decoder
	resampler    *soxr.Resampler
	resamplerBuf *bytes.Buffer
	// Reused for input byte conversion
	inputBytesBuf []byte
	chunker       frameChunker

	frames  chan transcribe.AudioFrame
	dropped int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	firstRTPLogged bool
}

// NewAudioTrack creates a track handler. Call Start to begin reading.
func NewAudioTrack(parent context.Context, identity, trackSID string) (*AudioTrack, error) {
	decoder, err := opus.NewDecoder(decodeRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	// The resampler writes into resamplerBuf, which is drained after every packet.
	resamplerBuf := &bytes.Buffer{}
	resampler, err := soxr.New(resamplerBuf, decodeRate, OutputRate, 1, soxr.I16, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	return &AudioTrack{
		identity:      identity,
		trackSID:      trackSID,
		decoder:       decoder,
		resampler:     resampler,
		resamplerBuf:  resamplerBuf,
		inputBytesBuf: make([]byte, 0, 1920),
		chunker:       frameChunker{size: FrameSamples},
		frames:        make(chan transcribe.AudioFrame, frameBuffer),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Identity returns the publishing participant's identity.
func (t *AudioTrack) Identity() string {
	return t.identity
}

// TrackSID returns the LiveKit track SID.
func (t *AudioTrack) TrackSID() string {
	return t.trackSID
}

// Start reads RTP packets from track until it ends or Stop is called.
func (t *AudioTrack) Start(track *webrtc.TrackRemote) {
	t.wg.Add(1)
	go t.processTrack(track)
	logging.Info(logging.CategoryBridge, "started audio track processing participant=%s track=%s", t.identity, t.trackSID)
}

// Stop ends processing and waits for the reader to exit. Pending Next calls
// return io.EOF once buffered frames are drained.
func (t *AudioTrack) Stop() {
	t.cancel()
	t.wg.Wait()
	if t.resampler != nil {
		t.resampler.Close()
	}
}

// Next implements transcribe.FrameSource.
func (t *AudioTrack) Next(ctx context.Context) (transcribe.AudioFrame, error) {
	select {
	case <-ctx.Done():
		return transcribe.AudioFrame{}, ctx.Err()
	case frame, ok := <-t.frames:
		if !ok {
			return transcribe.AudioFrame{}, io.EOF
		}
		return frame, nil
	}
}

func (t *AudioTrack) processTrack(track *webrtc.TrackRemote) {
	defer t.wg.Done()
	defer close(t.frames)

	buf := make([]byte, 1500)
	rtpPacket := &rtp.Packet{}
	pcm48k := make([]int16, 5760) // up to 120ms @ 48kHz

	for {
		if t.ctx.Err() != nil {
			return
		}

		n, _, err := track.Read(buf)
		if err != nil {
			if t.ctx.Err() == nil {
				logging.Info(logging.CategoryBridge, "audio track ended participant=%s track=%s: %v", t.identity, t.trackSID, err)
			}
			return
		}

		if !t.firstRTPLogged {
			t.firstRTPLogged = true
			logging.Debug(logging.CategoryBridge, "received first RTP packet participant=%s size=%d", t.identity, n)
		}

		if err := rtpPacket.Unmarshal(buf[:n]); err != nil {
			logging.Warning(logging.CategoryBridge, "failed to unmarshal RTP packet participant=%s: %v", t.identity, err)
			continue
		}
		if len(rtpPacket.Payload) == 0 {
			continue // DTX
		}

		sampleCount, err := t.decoder.Decode(rtpPacket.Payload, pcm48k)
		if err != nil {
			logging.Debug(logging.CategoryBridge, "failed to decode opus participant=%s: %v", t.identity, err)
			continue
		}
		if sampleCount == 0 {
			continue
		}

		resampled, err := t.resample(pcm48k[:sampleCount])
		if err != nil {
			logging.Warning(logging.CategoryBridge, "failed to resample participant=%s: %v", t.identity, err)
			continue
		}

		for _, chunk := range t.chunker.push(resampled) {
			t.deliver(transcribe.AudioFrame{Samples: chunk, SampleRate: OutputRate, Channels: 1})
		}
	}
}

// deliver queues a frame, dropping the oldest one when the reader falls behind.
func (t *AudioTrack) deliver(frame transcribe.AudioFrame) {
	for {
		select {
		case t.frames <- frame:
			return
		default:
		}
		select {
		case <-t.frames:
			t.dropped++
			if t.dropped == 1 || t.dropped%500 == 0 {
				logging.Warning(logging.CategoryBridge, "frame buffer full, dropping audio participant=%s dropped=%d", t.identity, t.dropped)
			}
		default:
		}
	}
}

// resample converts 48kHz samples to OutputRate.
func (t *AudioTrack) resample(samples []int16) ([]int16, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	inputSize := len(samples) * 2
	if cap(t.inputBytesBuf) < inputSize {
		t.inputBytesBuf = make([]byte, inputSize)
	}
	input := t.inputBytesBuf[:inputSize]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(input[i*2:], uint16(s))
	}

	t.resamplerBuf.Reset()
	if _, err := t.resampler.Write(input); err != nil {
		return nil, fmt.Errorf("resampler write: %w", err)
	}

	out := t.resamplerBuf.Bytes()
	result := make([]int16, len(out)/2)
	for i := range result {
		result[i] = int16(binary.LittleEndian.Uint16(out[i*2:]))
	}
	return result, nil
}

// frameChunker splits a sample stream into fixed-size frames, carrying the
// remainder over to the next push.
type frameChunker struct {
	size      int
	remaining []int16
}

func (c *frameChunker) push(samples []int16) [][]int16 {
	if len(samples) == 0 {
		return nil
	}
	combined := append(c.remaining, samples...)
	var out [][]int16
	for len(combined) >= c.size {
		chunk := make([]int16, c.size)
		copy(chunk, combined[:c.size])
		out = append(out, chunk)
		combined = combined[c.size:]
	}
	c.remaining = append(c.remaining[:0:0], combined...)
	return out
}
