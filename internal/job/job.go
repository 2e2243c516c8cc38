package job

import (
	"context"
	"fmt"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/LastBotInc/coralie-captions-worker/internal/bridge"
	"github.com/LastBotInc/coralie-captions-worker/internal/captions"
	"github.com/LastBotInc/coralie-captions-worker/internal/config"
	"github.com/LastBotInc/coralie-captions-worker/internal/logging"
	"github.com/LastBotInc/coralie-captions-worker/internal/session"
	"github.com/LastBotInc/coralie-captions-worker/internal/transcribe"
	"github.com/LastBotInc/coralie-captions-worker/internal/translate"
)

// Job represents a single room job execution.
// It joins a LiveKit room, transcribes every participant's microphone and
// publishes captions in all languages the room asked for.
type Job struct {
	JobID      string
	RoomName   string
	Token      string
	URL        string
	Config     *config.Config
	Recognizer transcribe.Recognizer
	Model      translate.ChatModel
}

// Run executes the job until ctx is cancelled or the room disconnects.
func (j *Job) Run(ctx context.Context) error {
	logging.Info(logging.CategoryJob, "starting job jobID=%s room=%s", j.JobID, j.RoomName)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	audioBridge := bridge.NewBridge(ctx, j.RoomName)

	var orch *session.Orchestrator

	callbacks := &lksdk.RoomCallback{
		OnDisconnected: func() {
			logging.Info(logging.CategoryJob, "disconnected from room jobID=%s", j.JobID)
			cancel()
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			logging.Info(logging.CategoryJob, "participant connected identity=%s", rp.Identity())
			orch.HandleParticipantJoined(participantOf(rp))
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			identity := rp.Identity()
			logging.Info(logging.CategoryJob, "participant disconnected identity=%s", identity)
			orch.HandleParticipantLeft(identity)
			audioBridge.RemoveTrack(identity)
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				// Video tracks are ignored
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				logging.Info(logging.CategoryJob, "track subscribed participant=%s track=%s", rp.Identity(), pub.SID())
				j.handleAudioTrack(orch, audioBridge, rp, track, pub)
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				identity := rp.Identity()
				logging.Info(logging.CategoryJob, "track unsubscribed participant=%s track=%s", identity, pub.SID())
				orch.HandleTrackUnsubscribed(identity, pub.SID())
				if t, ok := audioBridge.Track(identity); ok && t.TrackSID() == pub.SID() {
					audioBridge.RemoveTrack(identity)
				}
			},
			OnAttributesChanged: func(changed map[string]string, p lksdk.Participant) {
				rp, ok := p.(*lksdk.RemoteParticipant)
				if !ok {
					return
				}
				logging.Debug(logging.CategoryJob, "attributes changed participant=%s keys=%d", rp.Identity(), len(changed))
				orch.HandleAttributesChanged(participantOf(rp), changed)
			},
		},
	}

	room := lksdk.NewRoom(callbacks)
	publisher := captions.NewRoomPublisher(room)
	registry := translate.NewRegistry(translate.NewFactory(j.Model, publisher, translate.OptionsFromConfig(j.Config)))
	orch = session.New(ctx, j.Recognizer, registry, publisher, session.Config{
		AgentIdentity: j.Config.AgentIdentity,
		Controller:    ControllerConfig(j.Config),
		DrainTimeout:  j.Config.DrainTimeout,
	})

	if err := room.JoinWithToken(j.URL, j.Token, lksdk.WithAutoSubscribe(true)); err != nil {
		return fmt.Errorf("connect to room: %w", err)
	}
	defer room.Disconnect()

	logging.Success(logging.CategoryJob, "connected to room room=%s identity=%s", room.Name(), room.LocalParticipant.Identity())

	if err := room.LocalParticipant.RegisterRpcMethod(session.MethodGetLanguages, session.LanguagesHandler); err != nil {
		logging.Error(logging.CategoryJob, "failed to register rpc method=%s: %v", session.MethodGetLanguages, err)
	}

	// Participants already in the room do not trigger OnParticipantConnected.
	for _, rp := range room.GetRemoteParticipants() {
		logging.Info(logging.CategoryJob, "existing participant identity=%s", rp.Identity())
		orch.HandleParticipantJoined(participantOf(rp))

		for _, pub := range rp.TrackPublications() {
			if pub.Kind() != lksdk.TrackKindAudio {
				continue
			}
			remotePub, ok := pub.(*lksdk.RemoteTrackPublication)
			if !ok {
				continue
			}
			if !remotePub.IsSubscribed() {
				remotePub.SetSubscribed(true)
				continue
			}
			// Subscribed before our callbacks were wired; handle it now.
			if track := remotePub.Track(); track != nil {
				if remoteTrack, ok := track.(*webrtc.TrackRemote); ok {
					if _, exists := audioBridge.Track(rp.Identity()); !exists {
						j.handleAudioTrack(orch, audioBridge, rp, remoteTrack, remotePub)
					}
				}
			}
		}
	}

	<-ctx.Done()
	logging.Info(logging.CategoryJob, "context cancelled, exiting jobID=%s", j.JobID)

	// Stop recognition before the audio it reads from.
	orch.Close()
	audioBridge.Stop()
	room.Disconnect()

	logging.Info(logging.CategoryJob, "job completed jobID=%s", j.JobID)
	return nil
}

func (j *Job) handleAudioTrack(orch *session.Orchestrator, audioBridge *bridge.Bridge, rp *lksdk.RemoteParticipant, track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication) {
	src := audioBridge.HandleTrack(rp, track, pub)
	if src == nil {
		return
	}
	orch.HandleTrackSubscribed(participantOf(rp), pub.SID(), src)
}

func participantOf(rp *lksdk.RemoteParticipant) session.Participant {
	return session.Participant{
		Identity:   rp.Identity(),
		Metadata:   rp.Metadata(),
		Attributes: rp.Attributes(),
	}
}

// ControllerConfig returns the recognition stream settings for cfg.
func ControllerConfig(cfg *config.Config) transcribe.ControllerConfig {
	return transcribe.ControllerConfig{
		SampleRate:   bridge.OutputRate,
		Channels:     1,
		StartTimeout: cfg.STTStartTimeout,
	}
}
