package captions

import (
	"context"
	"fmt"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

// transcriptionPacket carries one segment as a livekit.Transcription data packet.
type transcriptionPacket struct {
	track Track
	seg   Segment
}

func (p *transcriptionPacket) ToProto() *livekit.DataPacket {
	return &livekit.DataPacket{
		Value: &livekit.DataPacket_Transcription{
			Transcription: toTranscription(p.track, p.seg),
		},
	}
}

func toTranscription(track Track, seg Segment) *livekit.Transcription {
	return &livekit.Transcription{
		TranscribedParticipantIdentity: track.ParticipantIdentity,
		TrackId:                        track.TrackSID,
		Segments: []*livekit.TranscriptionSegment{
			{
				Id:        seg.ID,
				Text:      seg.Text,
				StartTime: uint64(seg.StartTime.Milliseconds()),
				EndTime:   uint64(seg.EndTime.Milliseconds()),
				Final:     seg.Final,
				Language:  seg.Language,
			},
		},
	}
}

// RoomPublisher publishes captions through the local participant of a connected room.
type RoomPublisher struct {
	room *lksdk.Room
}

// NewRoomPublisher creates a publisher bound to room.
func NewRoomPublisher(room *lksdk.Room) *RoomPublisher {
	return &RoomPublisher{room: room}
}

// Publish implements Sink.
func (p *RoomPublisher) Publish(ctx context.Context, track Track, seg Segment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if seg.ID == "" {
		seg.ID = NewSegmentID()
	}
	pkt := &transcriptionPacket{track: track, seg: seg}
	if err := p.room.LocalParticipant.PublishDataPacket(pkt, lksdk.WithDataPublishReliable(true)); err != nil {
		return fmt.Errorf("publish transcription: %w", err)
	}
	return nil
}
