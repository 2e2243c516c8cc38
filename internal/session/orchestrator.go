// Package session reacts to room events for one captioning session. It starts
// and restarts speech recognition per participant, keeps the set of caption
// languages the room asked for, and fans finalized speech out to translators.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/LastBotInc/coralie-captions-worker/internal/captions"
	"github.com/LastBotInc/coralie-captions-worker/internal/language"
	"github.com/LastBotInc/coralie-captions-worker/internal/logging"
	"github.com/LastBotInc/coralie-captions-worker/internal/transcribe"
	"github.com/LastBotInc/coralie-captions-worker/internal/translate"
)

// agentPrefix marks identities of other agents in the room.
const agentPrefix = "agent-"

// Participant is a snapshot of a remote participant.
type Participant struct {
	Identity   string
	Metadata   string
	Attributes map[string]string
}

// Config holds orchestrator settings.
type Config struct {
	// AgentIdentity is this worker's own identity; its events are ignored.
	AgentIdentity string
	Controller    transcribe.ControllerConfig
	// DrainTimeout bounds how long Close waits for in-flight translations.
	DrainTimeout time.Duration
}

// Orchestrator owns the recognition controllers and translator registry of one room.
type Orchestrator struct {
	ctx    context.Context
	cancel context.CancelFunc

	recognizer transcribe.Recognizer
	registry   *translate.Registry
	sink       captions.Sink
	cfg        Config

	mu       sync.Mutex
	sources  map[string]*source // identity -> recorded audio source
	declared map[string]string  // identity -> last declared input code
	closed   bool

	inflight sync.WaitGroup
}

type source struct {
	track      captions.Track
	controller *transcribe.Controller
}

// New creates an orchestrator. parent bounds every stream and translation.
func New(parent context.Context, recognizer transcribe.Recognizer, registry *translate.Registry, sink captions.Sink, cfg Config) *Orchestrator {
	ctx, cancel := context.WithCancel(parent)
	return &Orchestrator{
		ctx:        ctx,
		cancel:     cancel,
		recognizer: recognizer,
		registry:   registry,
		sink:       sink,
		cfg:        cfg,
		sources:    make(map[string]*source),
		declared:   make(map[string]string),
	}
}

func (o *Orchestrator) ignored(identity string) bool {
	return identity == "" || identity == o.cfg.AgentIdentity || strings.HasPrefix(identity, agentPrefix)
}

// HandleParticipantJoined applies the languages declared in the participant's metadata.
func (o *Orchestrator) HandleParticipantJoined(p Participant) {
	if o.ignored(p.Identity) {
		return
	}

	pref, err := ParsePreference(p.Metadata)
	if err != nil {
		logging.Warning(logging.CategorySession, "using default languages participant=%s: %v", p.Identity, err)
	}
	logging.Info(logging.CategorySession, "participant joined participant=%s input=%s captions=%s", p.Identity, pref.Input, pref.Captions)

	o.registerOutput(pref.Captions)
	if code := p.Attributes[KeyCaptionsLanguage]; code != "" && code != pref.Captions {
		o.registerOutput(code)
	}

	input := pref.Input
	if code := p.Attributes[KeyInputLanguage]; code != "" {
		input = code
	}

	o.mu.Lock()
	o.declared[p.Identity] = input
	src := o.sources[p.Identity]
	o.mu.Unlock()

	if src != nil {
		o.restart(p.Identity, src)
	}
}

// HandleTrackSubscribed starts recognition on a participant's audio source,
// replacing any source recorded for that participant before.
func (o *Orchestrator) HandleTrackSubscribed(p Participant, trackSID string, frames transcribe.FrameSource) {
	if o.ignored(p.Identity) {
		return
	}

	track := captions.Track{ParticipantIdentity: p.Identity, TrackSID: trackSID}
	src := &source{track: track}
	src.controller = transcribe.NewController(o.ctx, p.Identity, o.recognizer, frames, o.consumer(track), o.cfg.Controller)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	code := o.inputCode(p)
	o.declared[p.Identity] = code
	previous := o.sources[p.Identity]
	o.sources[p.Identity] = src
	o.mu.Unlock()

	if previous != nil {
		logging.Info(logging.CategorySession, "replacing audio source participant=%s old=%s new=%s", p.Identity, previous.track.TrackSID, trackSID)
		previous.controller.Stop()
	}

	logging.Info(logging.CategorySession, "audio source added participant=%s track=%s input=%s", p.Identity, trackSID, code)
	o.restart(p.Identity, src)
}

// HandleAttributesChanged reacts to changed caption or input language attributes.
func (o *Orchestrator) HandleAttributesChanged(p Participant, changed map[string]string) {
	if o.ignored(p.Identity) {
		return
	}

	if code, ok := changed[KeyCaptionsLanguage]; ok && code != "" {
		o.registerOutput(code)
	}

	code, ok := changed[KeyInputLanguage]
	if !ok || code == "" {
		return
	}

	o.mu.Lock()
	o.declared[p.Identity] = code
	src := o.sources[p.Identity]
	o.mu.Unlock()

	if src == nil {
		logging.Warning(logging.CategorySession, "input language change without audio source, dropping participant=%s input=%s", p.Identity, code)
		return
	}
	logging.Info(logging.CategorySession, "input language changed participant=%s input=%s", p.Identity, code)
	o.restart(p.Identity, src)
}

// HandleTrackUnsubscribed stops recognition for the given track.
func (o *Orchestrator) HandleTrackUnsubscribed(identity, trackSID string) {
	o.mu.Lock()
	src := o.sources[identity]
	if src == nil || (trackSID != "" && src.track.TrackSID != trackSID) {
		o.mu.Unlock()
		return
	}
	delete(o.sources, identity)
	o.mu.Unlock()

	src.controller.Stop()
	logging.Info(logging.CategorySession, "audio source removed participant=%s track=%s", identity, src.track.TrackSID)
}

// HandleParticipantLeft forgets everything recorded for the participant.
// Translators stay registered for the rest of the session.
func (o *Orchestrator) HandleParticipantLeft(identity string) {
	o.mu.Lock()
	src := o.sources[identity]
	delete(o.sources, identity)
	delete(o.declared, identity)
	o.mu.Unlock()

	if src != nil {
		src.controller.Stop()
	}
	logging.Info(logging.CategorySession, "participant left participant=%s", identity)
}

// Translators returns the registered caption languages in code order.
func (o *Orchestrator) Translators() []string {
	ts := o.registry.Snapshot()
	codes := make([]string, len(ts))
	for i, t := range ts {
		codes[i] = t.Language().Code
	}
	return codes
}

// Close stops every recognition stream and waits for in-flight translations.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	sources := o.sources
	o.sources = make(map[string]*source)
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(s *source) {
			defer wg.Done()
			s.controller.Stop()
		}(src)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if o.cfg.DrainTimeout > 0 {
		timer := time.NewTimer(o.cfg.DrainTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-done:
	case <-timeout:
		logging.Warning(logging.CategorySession, "timed out waiting for in-flight translations after %s", o.cfg.DrainTimeout)
	}

	o.cancel()
	o.registry.Close()
	logging.Info(logging.CategorySession, "session closed")
}

// inputCode resolves the input language: attribute, then last declared, then
// metadata, then the default. Callers hold o.mu.
func (o *Orchestrator) inputCode(p Participant) string {
	if code := p.Attributes[KeyInputLanguage]; code != "" {
		return code
	}
	if code := o.declared[p.Identity]; code != "" {
		return code
	}
	if pref, err := ParsePreference(p.Metadata); err == nil {
		return pref.Input
	}
	return language.Default
}

// resolveInput maps code to a catalog entry, falling back to the default.
func resolveInput(identity, code string) language.Descriptor {
	lang, err := language.Lookup(code)
	if err != nil {
		logging.Warning(logging.CategorySession, "unsupported input language, using %s participant=%s input=%s", language.Default, identity, code)
		return language.MustLookup(language.Default)
	}
	return lang
}

// restart (re)starts recognition on src in the participant's last declared
// input language. The language is read after earlier restarts on the same
// controller have finished, so the newest declaration always wins; nothing
// starts once src has been replaced or removed.
func (o *Orchestrator) restart(identity string, src *source) {
	resolve := func() (language.Descriptor, bool) {
		o.mu.Lock()
		current := !o.closed && o.sources[identity] == src
		code := o.declared[identity]
		o.mu.Unlock()
		if !current {
			return language.Descriptor{}, false
		}
		return resolveInput(identity, code), true
	}
	if err := src.controller.RestartFunc(resolve); err != nil {
		if errors.Is(err, transcribe.ErrRecognitionStart) {
			logging.Fail(logging.CategorySession, "recognition unavailable participant=%s: %v", identity, err)
			return
		}
		logging.Warning(logging.CategorySession, "recognition restart skipped participant=%s: %v", identity, err)
	}
}

func (o *Orchestrator) registerOutput(code string) {
	if _, err := o.registry.GetOrCreate(code); err != nil {
		if errors.Is(err, language.ErrUnsupported) {
			logging.Warning(logging.CategorySession, "unsupported caption language requested lang=%s", code)
			return
		}
		logging.Error(logging.CategorySession, "failed to register translator lang=%s: %v", code, err)
	}
}

// consumer returns the speech event handler for one audio track. Events of a
// track arrive sequentially, so utterance state needs no lock.
func (o *Orchestrator) consumer(track captions.Track) transcribe.Consumer {
	var (
		sessionID uint64
		segmentID string
	)
	return func(sess transcribe.Session, ev transcribe.SpeechEvent) {
		if sess.ID != sessionID {
			sessionID = sess.ID
			segmentID = ""
		}
		text := strings.TrimSpace(ev.Text)
		if ev.Type == transcribe.Error || text == "" {
			return
		}
		if segmentID == "" {
			segmentID = captions.NewSegmentID()
		}

		seg := captions.Segment{
			ID:        segmentID,
			Text:      text,
			Language:  sess.Language.Code,
			Final:     ev.Type == transcribe.Final,
			StartTime: ev.Start,
			EndTime:   ev.End,
		}

		if !seg.Final {
			if err := o.sink.Publish(o.ctx, track, seg); err != nil {
				logging.Debug(logging.CategorySession, "failed to publish interim caption participant=%s: %v", track.ParticipantIdentity, err)
			}
			return
		}

		segmentID = ""
		o.publishFinal(track, seg)
	}
}

// publishFinal publishes the original caption, then one translation per
// registered language other than the source.
func (o *Orchestrator) publishFinal(track captions.Track, seg captions.Segment) {
	logging.Info(logging.CategorySession, "final transcript participant=%s lang=%s text=%q", track.ParticipantIdentity, seg.Language, seg.Text)
	if err := o.sink.Publish(o.ctx, track, seg); err != nil {
		logging.Error(logging.CategorySession, "failed to publish caption participant=%s lang=%s: %v", track.ParticipantIdentity, seg.Language, err)
	}

	for _, t := range o.registry.Snapshot() {
		if t.Language().Code == seg.Language {
			continue
		}
		o.inflight.Add(1)
		go func(t *translate.Translator) {
			defer o.inflight.Done()
			if err := t.Translate(o.ctx, seg.Text, track); err != nil {
				logging.Error(logging.CategorySession, "translation failed participant=%s lang=%s: %v", track.ParticipantIdentity, t.Language().Code, err)
			}
		}(t)
	}
}
