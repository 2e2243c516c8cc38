package captions

import (
	"strings"
	"testing"
	"time"
)

func TestNewSegmentID(t *testing.T) {
	a, b := NewSegmentID(), NewSegmentID()
	if !strings.HasPrefix(a, "SG_") || len(a) != 15 {
		t.Fatalf("unexpected segment id %q", a)
	}
	if a == b {
		t.Fatalf("segment ids should be unique")
	}
}

func TestTranscriptionPacket(t *testing.T) {
	track := Track{ParticipantIdentity: "alice", TrackSID: "TR_1"}
	seg := Segment{ID: "SG_1", Text: "bonjour", Language: "fr", Final: true, StartTime: 1500 * time.Millisecond, EndTime: 2 * time.Second}

	pkt := (&transcriptionPacket{track: track, seg: seg}).ToProto()
	tr := pkt.GetTranscription()
	if tr == nil {
		t.Fatalf("expected transcription packet, got %#v", pkt.Value)
	}
	if tr.TranscribedParticipantIdentity != "alice" || tr.TrackId != "TR_1" {
		t.Fatalf("unexpected track fields: %#v", tr)
	}
	if len(tr.Segments) != 1 {
		t.Fatalf("expected one segment, got %d", len(tr.Segments))
	}
	s := tr.Segments[0]
	if s.Id != "SG_1" || s.Text != "bonjour" || s.Language != "fr" || !s.Final {
		t.Fatalf("unexpected segment: %#v", s)
	}
	if s.StartTime != 1500 || s.EndTime != 2000 {
		t.Fatalf("unexpected times %d-%d", s.StartTime, s.EndTime)
	}
}
