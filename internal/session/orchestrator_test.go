package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LastBotInc/coralie-captions-worker/internal/captions"
	"github.com/LastBotInc/coralie-captions-worker/internal/transcribe"
	"github.com/LastBotInc/coralie-captions-worker/internal/translate"
)

// idleSource blocks until the stream is cancelled.
type idleSource struct{}

func (idleSource) Next(ctx context.Context) (transcribe.AudioFrame, error) {
	<-ctx.Done()
	return transcribe.AudioFrame{}, ctx.Err()
}

type fakeStream struct {
	dialect    string
	events     chan transcribe.SpeechEvent
	closeDelay time.Duration
	closeOnce  sync.Once
}

func (s *fakeStream) Push(transcribe.AudioFrame) error      { return nil }
func (s *fakeStream) Events() <-chan transcribe.SpeechEvent { return s.events }
func (s *fakeStream) CloseSend() error                      { return nil }
func (s *fakeStream) Close() error {
	time.Sleep(s.closeDelay)
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

type fakeRecognizer struct {
	mu         sync.Mutex
	streams    []*fakeStream
	opened     chan string
	closeDelay time.Duration
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{opened: make(chan string, 16)}
}

func (r *fakeRecognizer) Name() string { return "fake" }

func (r *fakeRecognizer) Open(ctx context.Context, cfg transcribe.StreamConfig) (transcribe.Stream, error) {
	r.mu.Lock()
	s := &fakeStream{dialect: cfg.Language, events: make(chan transcribe.SpeechEvent, 8), closeDelay: r.closeDelay}
	r.streams = append(r.streams, s)
	r.mu.Unlock()
	r.opened <- cfg.Language
	return s, nil
}

func (r *fakeRecognizer) last(t *testing.T) *fakeStream {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.streams) == 0 {
		t.Fatal("no recognition stream opened")
	}
	return r.streams[len(r.streams)-1]
}

func (r *fakeRecognizer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

type published struct {
	track captions.Track
	seg   captions.Segment
}

type recordingSink struct {
	ch chan published
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan published, 32)}
}

func (s *recordingSink) Publish(ctx context.Context, track captions.Track, seg captions.Segment) error {
	s.ch <- published{track: track, seg: seg}
	return nil
}

func (s *recordingSink) next(t *testing.T) published {
	t.Helper()
	select {
	case p := <-s.ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a caption")
		return published{}
	}
}

func (s *recordingSink) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case p := <-s.ch:
		t.Fatalf("unexpected caption %+v", p.seg)
	case <-time.After(wait):
	}
}

type deltaStream struct {
	deltas []string
}

func (s *deltaStream) Recv() (string, error) {
	if len(s.deltas) == 0 {
		return "", io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *deltaStream) Close() error { return nil }

// tagModel replies with "<language name>: <source text>" and fails for names in fail.
type tagModel struct {
	fail map[string]bool
}

func (m tagModel) StreamChat(ctx context.Context, req translate.ChatRequest) (translate.DeltaStream, error) {
	system := req.Messages[0].Content
	for name := range m.fail {
		if strings.Contains(system, name) {
			return nil, errors.New("model unavailable")
		}
	}
	name := "?"
	for _, n := range []string{"English", "Spanish", "French", "German", "Japanese", "Russian"} {
		if strings.Contains(system, n) {
			name = n
			break
		}
	}
	last := req.Messages[len(req.Messages)-1].Content
	return &deltaStream{deltas: []string{name, ": ", last}}, nil
}

type harness struct {
	orch *Orchestrator
	rec  *fakeRecognizer
	sink *recordingSink
	reg  *translate.Registry
}

func newHarness(t *testing.T, model translate.ChatModel) *harness {
	t.Helper()
	rec := newFakeRecognizer()
	sink := newRecordingSink()
	reg := translate.NewRegistry(translate.NewFactory(model, sink, translate.Options{Model: "test"}))
	orch := New(context.Background(), rec, reg, sink, Config{AgentIdentity: "agent", DrainTimeout: time.Second})
	t.Cleanup(orch.Close)
	return &harness{orch: orch, rec: rec, sink: sink, reg: reg}
}

func (h *harness) opened(t *testing.T) string {
	t.Helper()
	select {
	case d := <-h.rec.opened:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("recognition stream not opened")
		return ""
	}
}

func TestJoinThenSpeakPublishesOriginalAndTranslation(t *testing.T) {
	h := newHarness(t, tagModel{})
	alice := Participant{Identity: "alice", Metadata: `{"input_language":"fr","captions_language":"ja"}`}

	h.orch.HandleParticipantJoined(alice)
	h.orch.HandleTrackSubscribed(alice, "TR_alice", idleSource{})

	if d := h.opened(t); d != "fr-FR" {
		t.Fatalf("dialect = %q, want fr-FR", d)
	}
	if got := h.orch.Translators(); len(got) != 1 || got[0] != "ja" {
		t.Fatalf("translators = %v, want [ja]", got)
	}

	h.rec.last(t).events <- transcribe.SpeechEvent{Type: transcribe.Final, Text: "bonjour"}

	first := h.sink.next(t)
	if first.seg.Language != "fr" || first.seg.Text != "bonjour" || !first.seg.Final {
		t.Fatalf("first caption = %+v, want fr original", first.seg)
	}
	if first.track.ParticipantIdentity != "alice" || first.track.TrackSID != "TR_alice" {
		t.Fatalf("first caption track = %+v", first.track)
	}
	second := h.sink.next(t)
	if second.seg.Language != "ja" || second.seg.Text != "Japanese: bonjour" {
		t.Fatalf("second caption = %+v, want ja translation", second.seg)
	}
	h.sink.none(t, 50*time.Millisecond)
}

func TestOriginalAlwaysPublishedBeforeTranslations(t *testing.T) {
	h := newHarness(t, tagModel{})
	for _, code := range []string{"de", "es", "ja", "ru"} {
		h.orch.HandleAttributesChanged(Participant{Identity: "viewer-" + code}, map[string]string{KeyCaptionsLanguage: code})
	}
	speaker := Participant{Identity: "bob", Metadata: `{"input_language":"en","captions_language":"de"}`}
	h.orch.HandleParticipantJoined(speaker)
	h.orch.HandleTrackSubscribed(speaker, "TR_bob", idleSource{})
	h.opened(t)

	stream := h.rec.last(t)
	for i := 0; i < 3; i++ {
		stream.events <- transcribe.SpeechEvent{Type: transcribe.Final, Text: "hello"}
		first := h.sink.next(t)
		if first.seg.Language != "en" {
			t.Fatalf("round %d: first caption language = %q, want en", i, first.seg.Language)
		}
		seen := map[string]bool{}
		for j := 0; j < 4; j++ {
			p := h.sink.next(t)
			seen[p.seg.Language] = true
		}
		for _, code := range []string{"de", "es", "ja", "ru"} {
			if !seen[code] {
				t.Fatalf("round %d: no %s caption, got %v", i, code, seen)
			}
		}
	}
}

func TestTranslationFailureIsIsolated(t *testing.T) {
	h := newHarness(t, tagModel{fail: map[string]bool{"German": true}})
	speaker := Participant{Identity: "carol", Metadata: `{"input_language":"en","captions_language":"de"}`}
	h.orch.HandleParticipantJoined(speaker)
	h.orch.HandleAttributesChanged(Participant{Identity: "dave"}, map[string]string{KeyCaptionsLanguage: "es"})
	h.orch.HandleTrackSubscribed(speaker, "TR_carol", idleSource{})
	h.opened(t)

	h.rec.last(t).events <- transcribe.SpeechEvent{Type: transcribe.Final, Text: "good morning"}

	if p := h.sink.next(t); p.seg.Language != "en" {
		t.Fatalf("first caption = %+v, want en original", p.seg)
	}
	if p := h.sink.next(t); p.seg.Language != "es" || p.seg.Text != "Spanish: good morning" {
		t.Fatalf("second caption = %+v, want es translation", p.seg)
	}
	h.sink.none(t, 50*time.Millisecond)
}

func TestSourceLanguageIsNotTranslated(t *testing.T) {
	h := newHarness(t, tagModel{})
	speaker := Participant{Identity: "erin", Metadata: `{"input_language":"ru","captions_language":"ru"}`}
	h.orch.HandleParticipantJoined(speaker)
	h.orch.HandleTrackSubscribed(speaker, "TR_erin", idleSource{})
	if d := h.opened(t); d != "ru-RU" {
		t.Fatalf("dialect = %q, want ru-RU", d)
	}

	h.rec.last(t).events <- transcribe.SpeechEvent{Type: transcribe.Final, Text: "привет"}
	if p := h.sink.next(t); p.seg.Language != "ru" {
		t.Fatalf("caption = %+v, want ru original", p.seg)
	}
	h.sink.none(t, 50*time.Millisecond)
}

func TestUnsupportedInputFallsBackToDefault(t *testing.T) {
	h := newHarness(t, tagModel{})
	p := Participant{Identity: "frank", Metadata: `{"input_language":"xx","captions_language":"ja"}`}
	h.orch.HandleParticipantJoined(p)
	h.orch.HandleTrackSubscribed(p, "TR_frank", idleSource{})

	if d := h.opened(t); d != "en-US" {
		t.Fatalf("dialect = %q, want en-US", d)
	}

	h.rec.last(t).events <- transcribe.SpeechEvent{Type: transcribe.Final, Text: "still works"}
	if got := h.sink.next(t); got.seg.Language != "en" {
		t.Fatalf("caption = %+v, want en original", got.seg)
	}
}

func TestInputChangeWithoutSourceIsDropped(t *testing.T) {
	h := newHarness(t, tagModel{})
	h.orch.HandleAttributesChanged(Participant{Identity: "grace"}, map[string]string{KeyInputLanguage: "de"})

	if n := h.rec.count(); n != 0 {
		t.Fatalf("opened %d streams, want none", n)
	}
}

func TestInputChangeRestartsRecognition(t *testing.T) {
	h := newHarness(t, tagModel{})
	p := Participant{Identity: "heidi"}
	h.orch.HandleTrackSubscribed(p, "TR_heidi", idleSource{})
	if d := h.opened(t); d != "en-US" {
		t.Fatalf("initial dialect = %q, want en-US", d)
	}

	p.Attributes = map[string]string{KeyInputLanguage: "de"}
	h.orch.HandleAttributesChanged(p, map[string]string{KeyInputLanguage: "de"})
	if d := h.opened(t); d != "de-DE" {
		t.Fatalf("restarted dialect = %q, want de-DE", d)
	}

	h.rec.last(t).events <- transcribe.SpeechEvent{Type: transcribe.Final, Text: "hallo"}
	if got := h.sink.next(t); got.seg.Language != "de" {
		t.Fatalf("caption = %+v, want de", got.seg)
	}
}

func TestInterimSharesSegmentWithFinal(t *testing.T) {
	h := newHarness(t, tagModel{})
	p := Participant{Identity: "ivan"}
	h.orch.HandleTrackSubscribed(p, "TR_ivan", idleSource{})
	h.opened(t)

	stream := h.rec.last(t)
	stream.events <- transcribe.SpeechEvent{Type: transcribe.Interim, Text: "hel"}
	stream.events <- transcribe.SpeechEvent{Type: transcribe.Final, Text: "hello"}
	stream.events <- transcribe.SpeechEvent{Type: transcribe.Interim, Text: "next"}

	interim := h.sink.next(t)
	final := h.sink.next(t)
	nextInterim := h.sink.next(t)
	if interim.seg.Final || !final.seg.Final || nextInterim.seg.Final {
		t.Fatalf("final flags = %v %v %v", interim.seg.Final, final.seg.Final, nextInterim.seg.Final)
	}
	if interim.seg.ID != final.seg.ID {
		t.Fatalf("interim id %q != final id %q", interim.seg.ID, final.seg.ID)
	}
	if nextInterim.seg.ID == final.seg.ID {
		t.Fatal("new utterance reused the finished segment id")
	}
}

func TestAgentParticipantsIgnored(t *testing.T) {
	h := newHarness(t, tagModel{})
	h.orch.HandleParticipantJoined(Participant{Identity: "agent", Metadata: `{"captions_language":"ja"}`})
	h.orch.HandleParticipantJoined(Participant{Identity: "agent-tts", Metadata: `{"captions_language":"de"}`})
	h.orch.HandleTrackSubscribed(Participant{Identity: "agent-tts"}, "TR_tts", idleSource{})

	if n := h.reg.Len(); n != 0 {
		t.Fatalf("registered %d translators for agents", n)
	}
	if n := h.rec.count(); n != 0 {
		t.Fatalf("opened %d streams for agents", n)
	}
}

func TestParticipantLeftStopsRecognition(t *testing.T) {
	h := newHarness(t, tagModel{})
	p := Participant{Identity: "judy"}
	h.orch.HandleTrackSubscribed(p, "TR_judy", idleSource{})
	h.opened(t)
	stream := h.rec.last(t)

	h.orch.HandleParticipantLeft("judy")

	select {
	case _, ok := <-stream.events:
		if ok {
			t.Fatal("unexpected event after leave")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed after participant left")
	}

	h.orch.HandleAttributesChanged(p, map[string]string{KeyInputLanguage: "fr"})
	if n := h.rec.count(); n != 1 {
		t.Fatalf("opened %d streams, want 1", n)
	}
}

func TestTrackUnsubscribedIgnoresStaleTrack(t *testing.T) {
	h := newHarness(t, tagModel{})
	p := Participant{Identity: "kim"}
	h.orch.HandleTrackSubscribed(p, "TR_new", idleSource{})
	h.opened(t)

	h.orch.HandleTrackUnsubscribed("kim", "TR_old")
	h.orch.HandleAttributesChanged(p, map[string]string{KeyInputLanguage: "es"})
	if d := h.opened(t); d != "es-ES" {
		t.Fatalf("dialect = %q, want es-ES", d)
	}
}

func TestResubscribeReplacesSource(t *testing.T) {
	h := newHarness(t, tagModel{})
	p := Participant{Identity: "lena", Metadata: `{"input_language":"de"}`}
	h.orch.HandleTrackSubscribed(p, "TR_1", idleSource{})
	h.opened(t)
	first := h.rec.last(t)

	h.orch.HandleTrackSubscribed(p, "TR_2", idleSource{})
	if d := h.opened(t); d != "de-DE" {
		t.Fatalf("dialect = %q, want de-DE", d)
	}

	select {
	case _, ok := <-first.events:
		if ok {
			t.Fatal("unexpected event on replaced stream")
		}
	case <-time.After(time.Second):
		t.Fatal("replaced stream not closed")
	}

	h.rec.last(t).events <- transcribe.SpeechEvent{Type: transcribe.Final, Text: "hallo"}
	got := h.sink.next(t)
	if got.track.TrackSID != "TR_2" || got.seg.Language != "de" {
		t.Fatalf("caption = %+v on %s, want de on TR_2", got.seg, got.track.TrackSID)
	}

	h.orch.HandleTrackUnsubscribed("lena", "TR_1")
	h.orch.HandleAttributesChanged(p, map[string]string{KeyInputLanguage: "fr"})
	if d := h.opened(t); d != "fr-FR" {
		t.Fatalf("dialect after stale unsubscribe = %q, want fr-FR", d)
	}
}

func TestResubscribeDuringInputChangeKeepsNewestInput(t *testing.T) {
	h := newHarness(t, tagModel{})
	h.rec.closeDelay = 300 * time.Millisecond
	p := Participant{Identity: "mona"}
	h.orch.HandleTrackSubscribed(p, "TR_1", idleSource{})
	if d := h.opened(t); d != "en-US" {
		t.Fatalf("initial dialect = %q, want en-US", d)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.orch.HandleTrackSubscribed(p, "TR_2", idleSource{})
	}()
	// The resubscribe is still closing the first stream.
	time.Sleep(50 * time.Millisecond)
	h.orch.HandleAttributesChanged(Participant{Identity: "mona", Attributes: map[string]string{KeyInputLanguage: "fr"}}, map[string]string{KeyInputLanguage: "fr"})
	wg.Wait()

	h.rec.mu.Lock()
	var dialects []string
	for _, st := range h.rec.streams {
		dialects = append(dialects, st.dialect)
	}
	h.rec.mu.Unlock()
	if last := dialects[len(dialects)-1]; last != "fr-FR" {
		t.Fatalf("opened %v, newest input fr is not the running dialect", dialects)
	}

	h.rec.last(t).events <- transcribe.SpeechEvent{Type: transcribe.Final, Text: "bonjour"}
	got := h.sink.next(t)
	if got.seg.Language != "fr" || got.track.TrackSID != "TR_2" {
		t.Fatalf("caption = %+v on %s, want fr on TR_2", got.seg, got.track.TrackSID)
	}
}
