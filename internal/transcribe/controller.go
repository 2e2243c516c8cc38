package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/LastBotInc/coralie-captions-worker/internal/language"
	"github.com/LastBotInc/coralie-captions-worker/internal/logging"
)

// ErrRecognitionStart is returned when no recognition stream could be started,
// including the fallback to the default language.
var ErrRecognitionStart = errors.New("recognition start failed")

// State of a Controller.
type State int

const (
	Idle State = iota
	Starting
	Streaming
	Cancelling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Streaming:
		return "streaming"
	case Cancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

// Session identifies the recognition stream an event came from.
type Session struct {
	ID       uint64
	Language language.Descriptor
}

// Consumer receives every event of the current stream, in order.
type Consumer func(sess Session, ev SpeechEvent)

// Resolver picks the language of the next stream. It runs with restarts
// serialized; ok=false abandons the restart.
type Resolver func() (lang language.Descriptor, ok bool)

const defaultRecoverDelay = time.Second

// ControllerConfig holds stream parameters shared by every session.
type ControllerConfig struct {
	SampleRate int
	Channels   int
	// StartTimeout bounds Recognizer.Open; 0 disables it.
	StartTimeout time.Duration
	// RecoverDelay is the pause before reopening a stream the recognizer ended.
	RecoverDelay time.Duration
}

// Controller owns the recognition stream of one audio source.
type Controller struct {
	name       string
	recognizer Recognizer
	source     FrameSource
	consumer   Consumer
	cfg        ControllerConfig
	parent     context.Context

	// restartMu serializes Restart and Stop so cancel-then-start is atomic.
	restartMu sync.Mutex

	mu      sync.Mutex
	state   State
	current *session
	seq     uint64
	resolve Resolver
	stopped bool
}

// endReason records why a session stopped; the first recorded reason wins.
type endReason int

const (
	endNone endReason = iota
	endCancelled
	endSourceEnded
	endSourceFailed
	endStreamLost
)

type session struct {
	info   Session
	stream Stream
	cancel context.CancelFunc
	done   chan struct{}

	endMu sync.Mutex
	end   endReason
}

func (s *session) endWith(r endReason) {
	s.endMu.Lock()
	if s.end == endNone {
		s.end = r
	}
	s.endMu.Unlock()
}

func (s *session) reason() endReason {
	s.endMu.Lock()
	defer s.endMu.Unlock()
	return s.end
}

// NewController creates an idle controller. name is used in logs; parent
// bounds every stream the controller starts.
func NewController(parent context.Context, name string, recognizer Recognizer, source FrameSource, consumer Consumer, cfg ControllerConfig) *Controller {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.RecoverDelay <= 0 {
		cfg.RecoverDelay = defaultRecoverDelay
	}
	return &Controller{
		name:       name,
		recognizer: recognizer,
		source:     source,
		consumer:   consumer,
		cfg:        cfg,
		parent:     parent,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Language returns the language of the running stream, if any.
func (c *Controller) Language() (language.Descriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return language.Descriptor{}, false
	}
	return c.current.info.Language, true
}

// Restart stops the running stream, waits until it has released the audio
// source, and starts a new one in lang. If that fails it retries once in
// language.Default; a failure in the default language is terminal.
func (c *Controller) Restart(lang language.Descriptor) error {
	return c.RestartFunc(func() (language.Descriptor, bool) { return lang, true })
}

// RestartFunc is Restart with the language chosen by resolve once earlier
// restarts have finished. resolve is kept and consulted again when the
// recognizer ends a stream on its own.
func (c *Controller) RestartFunc(resolve Resolver) error {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()
	return c.restartLocked(resolve)
}

func (c *Controller) restartLocked(resolve Resolver) error {
	if err := c.parent.Err(); err != nil {
		return err
	}
	lang, ok := resolve()
	if !ok {
		return nil
	}

	c.mu.Lock()
	c.resolve = resolve
	c.stopped = false
	c.mu.Unlock()

	c.cancelCurrent()

	err := c.start(lang)
	if err == nil {
		return nil
	}
	if lang.Code == language.Default {
		c.setState(Idle)
		logging.Fail(logging.CategoryTranscribe, "recognition start failed source=%s lang=%s: %v", c.name, lang.Code, err)
		return fmt.Errorf("%w: %s: %v", ErrRecognitionStart, lang.Code, err)
	}

	logging.Warning(logging.CategoryTranscribe, "recognition start failed, falling back to %s source=%s lang=%s: %v", language.Default, c.name, lang.Code, err)
	fallback := language.MustLookup(language.Default)
	if ferr := c.start(fallback); ferr != nil {
		c.setState(Idle)
		logging.Fail(logging.CategoryTranscribe, "recognition fallback failed source=%s lang=%s: %v", c.name, fallback.Code, ferr)
		return fmt.Errorf("%w: %s (fallback from %s): %v", ErrRecognitionStart, fallback.Code, lang.Code, ferr)
	}
	return nil
}

// Stop cancels the running stream and waits for it to finish. The controller
// stays idle until the next Restart.
func (c *Controller) Stop() {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.cancelCurrent()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// cancelCurrent drives the running session through Cancelling and returns
// once its pump and forwarder have exited and its stream is closed.
func (c *Controller) cancelCurrent() {
	c.mu.Lock()
	s := c.current
	if s == nil {
		c.mu.Unlock()
		return
	}
	c.state = Cancelling
	c.mu.Unlock()

	s.endWith(endCancelled)
	s.cancel()
	<-s.done

	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.state = Idle
	c.mu.Unlock()

	logging.Debug(logging.CategoryTranscribe, "recognition stream cancelled source=%s session=%d lang=%s", c.name, s.info.ID, s.info.Language.Code)
}

func (c *Controller) start(lang language.Descriptor) error {
	c.mu.Lock()
	c.state = Starting
	c.seq++
	id := c.seq
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(c.parent)
	stream, err := c.open(ctx, lang)
	if err != nil {
		cancel()
		return err
	}

	s := &session{
		info:   Session{ID: id, Language: lang},
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// Publish the session before its goroutines run so finish always sees it.
	c.mu.Lock()
	c.current = s
	c.state = Streaming
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pump(ctx, s)
	}()
	go func() {
		defer wg.Done()
		c.forward(ctx, s)
	}()
	go c.finish(s, &wg)

	logging.Info(logging.CategoryTranscribe, "recognition stream started source=%s session=%d lang=%s dialect=%s provider=%s", c.name, id, lang.Code, lang.Dialect(c.recognizer.Name()), c.recognizer.Name())
	return nil
}

func (c *Controller) open(ctx context.Context, lang language.Descriptor) (Stream, error) {
	cfg := StreamConfig{
		Language:   lang.Dialect(c.recognizer.Name()),
		SampleRate: c.cfg.SampleRate,
		Channels:   c.cfg.Channels,
		Interim:    true,
	}
	if c.cfg.StartTimeout <= 0 {
		return c.recognizer.Open(ctx, cfg)
	}

	type result struct {
		stream Stream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		stream, err := c.recognizer.Open(ctx, cfg)
		ch <- result{stream, err}
	}()

	timer := time.NewTimer(c.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.stream, r.err
	case <-timer.C:
		// The caller cancels ctx; close whatever Open eventually returns.
		go func() {
			if r := <-ch; r.stream != nil {
				r.stream.Close()
			}
		}()
		return nil, fmt.Errorf("open %s stream: timed out after %s", c.recognizer.Name(), c.cfg.StartTimeout)
	}
}

// pump moves frames from the source into the stream. Push is synchronous, so
// a slow recognizer slows down frame consumption.
func (c *Controller) pump(ctx context.Context, s *session) {
	for {
		frame, err := c.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.endWith(endSourceEnded)
				logging.Info(logging.CategoryTranscribe, "audio source ended source=%s session=%d", c.name, s.info.ID)
				if err := s.stream.CloseSend(); err != nil {
					logging.Warning(logging.CategoryTranscribe, "failed to flush recognition stream source=%s: %v", c.name, err)
				}
				return
			}
			if ctx.Err() == nil {
				logging.Warning(logging.CategoryTranscribe, "audio source error source=%s session=%d: %v", c.name, s.info.ID, err)
				s.endWith(endSourceFailed)
				s.cancel()
			}
			return
		}
		if err := s.stream.Push(frame); err != nil {
			if ctx.Err() == nil {
				logging.Error(logging.CategoryTranscribe, "failed to push audio source=%s session=%d: %v", c.name, s.info.ID, err)
				s.endWith(endStreamLost)
				s.cancel()
			}
			return
		}
	}
}

// forward hands recognition events to the consumer in arrival order. An error
// event or a closed event channel ends the session.
func (c *Controller) forward(ctx context.Context, s *session) {
	events := s.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.endWith(endStreamLost)
				s.cancel()
				return
			}
			if ev.Type == Error {
				logging.Error(logging.CategoryTranscribe, "recognition error source=%s session=%d: %v", c.name, s.info.ID, ev.Err)
			}
			if c.consumer != nil {
				c.consumer(s.info, ev)
			}
			if ev.Type == Error {
				s.endWith(endStreamLost)
				s.cancel()
				return
			}
		}
	}
}

// finish tears a session down once both of its goroutines have returned.
func (c *Controller) finish(s *session, wg *sync.WaitGroup) {
	wg.Wait()
	s.cancel()
	if err := s.stream.Close(); err != nil {
		logging.Debug(logging.CategoryTranscribe, "close recognition stream source=%s session=%d: %v", c.name, s.info.ID, err)
	}

	c.mu.Lock()
	if c.current == s && c.state == Streaming {
		c.current = nil
		c.state = Idle
	}
	c.mu.Unlock()

	close(s.done)

	if s.reason() == endStreamLost && c.parent.Err() == nil {
		go c.reopen(s)
	}
}

// reopen restarts recognition after the recognizer ended session s, unless
// the controller was stopped or restarted in the meantime.
func (c *Controller) reopen(s *session) {
	timer := time.NewTimer(c.cfg.RecoverDelay)
	defer timer.Stop()
	select {
	case <-c.parent.Done():
		return
	case <-timer.C:
	}

	c.restartMu.Lock()
	defer c.restartMu.Unlock()

	c.mu.Lock()
	stale := c.stopped || c.current != nil || c.seq != s.info.ID
	resolve := c.resolve
	c.mu.Unlock()
	if stale || resolve == nil {
		return
	}

	logging.Warning(logging.CategoryTranscribe, "recognition stream ended by %s, reopening source=%s session=%d", c.recognizer.Name(), c.name, s.info.ID)
	if err := c.restartLocked(resolve); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error(logging.CategoryTranscribe, "failed to reopen recognition source=%s: %v", c.name, err)
	}
}
