package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LastBotInc/coralie-captions-worker/internal/language"
	"github.com/LastBotInc/coralie-captions-worker/internal/logging"
)

const (
	deepgramURL          = "wss://api.deepgram.com/v1/listen"
	deepgramKeepAlive    = 5 * time.Second
	deepgramWriteTimeout = 5 * time.Second
)

// DeepgramRecognizer streams audio to Deepgram's live transcription API.
type DeepgramRecognizer struct {
	apiKey  string
	model   string
	baseURL string
	dialer  *websocket.Dialer
}

// NewDeepgramRecognizer creates a recognizer. model may be empty for the account default.
func NewDeepgramRecognizer(apiKey, model string) *DeepgramRecognizer {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	return &DeepgramRecognizer{
		apiKey:  apiKey,
		model:   model,
		baseURL: deepgramURL,
		dialer:  &dialer,
	}
}

// Name implements Recognizer.
func (d *DeepgramRecognizer) Name() string {
	return language.ProviderDeepgram
}

func (d *DeepgramRecognizer) listenURL(cfg StreamConfig) (string, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	q.Set("interim_results", strconv.FormatBool(cfg.Interim))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	if d.model != "" {
		q.Set("model", d.model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open implements Recognizer.
func (d *DeepgramRecognizer) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	wsURL, err := d.listenURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("build deepgram url: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	conn, resp, err := d.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial deepgram (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial deepgram: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s := &deepgramStream{
		conn:     conn,
		events:   make(chan SpeechEvent, 32),
		language: cfg.Language,
		done:     make(chan struct{}),
	}
	go s.readLoop(ctx)
	go s.keepAlive()
	return s, nil
}

type deepgramStream struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	events   chan SpeechEvent
	language string

	closeOnce sync.Once
	done      chan struct{}
}

// deepgramMessage is the subset of a Deepgram live response used here.
type deepgramMessage struct {
	Type        string  `json:"type"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgramMessage converts one message into an event. ok is false for
// messages that carry no transcript.
func parseDeepgramMessage(data []byte, lang string) (SpeechEvent, bool, error) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SpeechEvent{}, false, fmt.Errorf("decode deepgram message: %w", err)
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return SpeechEvent{}, false, nil
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return SpeechEvent{}, false, nil
	}
	ev := SpeechEvent{
		Type:       Interim,
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		Language:   lang,
		Start:      secondsToDuration(msg.Start),
		End:        secondsToDuration(msg.Start + msg.Duration),
	}
	if msg.IsFinal {
		ev.Type = Final
	}
	return ev, true, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (s *deepgramStream) readLoop(ctx context.Context) {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !s.closed() {
				s.emit(ctx, SpeechEvent{Type: Error, Err: fmt.Errorf("deepgram read: %w", err)})
			}
			return
		}
		ev, ok, err := parseDeepgramMessage(data, s.language)
		if err != nil {
			logging.Warning(logging.CategoryTranscribe, "ignoring deepgram message: %v", err)
			continue
		}
		if ok {
			s.emit(ctx, ev)
		}
	}
}

func (s *deepgramStream) emit(ctx context.Context, ev SpeechEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	case <-s.done:
	}
}

func (s *deepgramStream) keepAlive() {
	ticker := time.NewTicker(deepgramKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeControl(`{"type":"KeepAlive"}`); err != nil {
				return
			}
		}
	}
}

func (s *deepgramStream) writeControl(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *deepgramStream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Push implements Stream.
func (s *deepgramStream) Push(frame AudioFrame) error {
	if s.closed() {
		return fmt.Errorf("deepgram stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, frame.PCM16LE())
}

// Events implements Stream.
func (s *deepgramStream) Events() <-chan SpeechEvent {
	return s.events
}

// CloseSend implements Stream.
func (s *deepgramStream) CloseSend() error {
	return s.writeControl(`{"type":"CloseStream"}`)
}

// Close implements Stream.
func (s *deepgramStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
