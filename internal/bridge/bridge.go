// Package bridge turns subscribed LiveKit audio tracks into PCM frame sources.
package bridge

import (
	"context"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/LastBotInc/coralie-captions-worker/internal/logging"
)

// Bridge owns the audio tracks of one room, at most one per participant.
type Bridge struct {
	roomName string
	ctx      context.Context
	cancel   context.CancelFunc

	tracks   map[string]*AudioTrack // participant identity -> track handler
	tracksMu sync.Mutex
}

// NewBridge creates a bridge for roomName.
func NewBridge(parent context.Context, roomName string) *Bridge {
	ctx, cancel := context.WithCancel(parent)
	return &Bridge{
		roomName: roomName,
		ctx:      ctx,
		cancel:   cancel,
		tracks:   make(map[string]*AudioTrack),
	}
}

// HandleTrack starts decoding a subscribed audio track. It returns nil for
// non-audio tracks or when the track could not be set up. A previous track of
// the same participant is stopped and replaced.
func (b *Bridge) HandleTrack(participant *lksdk.RemoteParticipant, track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication) *AudioTrack {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return nil
	}
	if b.ctx.Err() != nil {
		return nil
	}

	identity := participant.Identity()
	logging.Info(logging.CategoryBridge, "handling audio track participant=%s track=%s codec=%s", identity, pub.SID(), track.Codec().MimeType)

	audio, err := NewAudioTrack(b.ctx, identity, pub.SID())
	if err != nil {
		logging.Error(logging.CategoryBridge, "failed to create audio track participant=%s: %v", identity, err)
		return nil
	}

	b.tracksMu.Lock()
	previous := b.tracks[identity]
	b.tracks[identity] = audio
	b.tracksMu.Unlock()

	if previous != nil {
		logging.Warning(logging.CategoryBridge, "replacing audio track participant=%s old=%s new=%s", identity, previous.TrackSID(), audio.TrackSID())
		previous.Stop()
	}

	audio.Start(track)
	return audio
}

// RemoveTrack stops the participant's audio track, if any.
func (b *Bridge) RemoveTrack(participantIdentity string) {
	b.tracksMu.Lock()
	track, exists := b.tracks[participantIdentity]
	if exists {
		delete(b.tracks, participantIdentity)
	}
	b.tracksMu.Unlock()

	if exists {
		track.Stop()
		logging.Info(logging.CategoryBridge, "removed audio track participant=%s", participantIdentity)
	}
}

// Track returns the participant's active audio track.
func (b *Bridge) Track(participantIdentity string) (*AudioTrack, bool) {
	b.tracksMu.Lock()
	defer b.tracksMu.Unlock()
	t, ok := b.tracks[participantIdentity]
	return t, ok
}

// Stop stops all audio tracks.
func (b *Bridge) Stop() {
	logging.Info(logging.CategoryBridge, "stopping audio bridge roomName=%s", b.roomName)
	b.cancel()

	b.tracksMu.Lock()
	tracks := b.tracks
	b.tracks = make(map[string]*AudioTrack)
	b.tracksMu.Unlock()

	var wg sync.WaitGroup
	for _, track := range tracks {
		wg.Add(1)
		go func(t *AudioTrack) {
			defer wg.Done()
			t.Stop()
		}(track)
	}
	wg.Wait()
	logging.Info(logging.CategoryBridge, "audio bridge stopped roomName=%s", b.roomName)
}
