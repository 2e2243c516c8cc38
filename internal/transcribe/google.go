package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/LastBotInc/coralie-captions-worker/internal/language"
)

// GoogleRecognizer streams audio to Google Cloud Speech-to-Text.
type GoogleRecognizer struct {
	client *speech.Client
}

// NewGoogleRecognizer creates a recognizer. credentialsFile may be empty to
// use application default credentials.
func NewGoogleRecognizer(ctx context.Context, credentialsFile string) (*GoogleRecognizer, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Speech client: %w", err)
	}
	return &GoogleRecognizer{client: client}, nil
}

// Name implements Recognizer.
func (g *GoogleRecognizer) Name() string {
	return language.ProviderGoogle
}

// Close releases the client connection.
func (g *GoogleRecognizer) Close() error {
	return g.client.Close()
}

// Open implements Recognizer.
func (g *GoogleRecognizer) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("open google stream: %w", err)
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            int32(cfg.SampleRate),
					AudioChannelCount:          int32(cfg.Channels),
					LanguageCode:               cfg.Language,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: cfg.Interim,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("send google streaming config: %w", err)
	}

	s := &googleStream{
		stream:   stream,
		events:   make(chan SpeechEvent, 32),
		language: cfg.Language,
		done:     make(chan struct{}),
	}
	go s.recvLoop(ctx)
	return s, nil
}

type googleStream struct {
	stream   speechpb.Speech_StreamingRecognizeClient
	sendMu   sync.Mutex
	events   chan SpeechEvent
	language string

	closeOnce sync.Once
	done      chan struct{}
}

func (s *googleStream) recvLoop(ctx context.Context) {
	defer close(s.events)
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				s.emit(ctx, SpeechEvent{Type: Error, Err: fmt.Errorf("google recv: %w", err)})
			}
			return
		}
		if st := resp.GetError(); st != nil {
			s.emit(ctx, SpeechEvent{Type: Error, Err: fmt.Errorf("google: %s", st.GetMessage())})
			return
		}
		for _, result := range resp.GetResults() {
			alts := result.GetAlternatives()
			if len(alts) == 0 || alts[0].GetTranscript() == "" {
				continue
			}
			ev := SpeechEvent{
				Type:       Interim,
				Text:       alts[0].GetTranscript(),
				Confidence: float64(alts[0].GetConfidence()),
				Language:   s.language,
				End:        result.GetResultEndTime().AsDuration(),
			}
			if result.GetIsFinal() {
				ev.Type = Final
			}
			s.emit(ctx, ev)
		}
	}
}

func (s *googleStream) emit(ctx context.Context, ev SpeechEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	case <-s.done:
	}
}

// Push implements Stream.
func (s *googleStream) Push(frame AudioFrame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: frame.PCM16LE(),
		},
	})
}

// Events implements Stream.
func (s *googleStream) Events() <-chan SpeechEvent {
	return s.events
}

// CloseSend implements Stream.
func (s *googleStream) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.CloseSend()
}

// Close implements Stream. The stream itself ends when its context is cancelled.
func (s *googleStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
