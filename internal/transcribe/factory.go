package transcribe

import (
	"context"
	"fmt"

	"github.com/LastBotInc/coralie-captions-worker/internal/config"
	"github.com/LastBotInc/coralie-captions-worker/internal/logging"
)

// NewRecognizer builds the recognizer selected by cfg.STTProvider.
func NewRecognizer(ctx context.Context, cfg *config.Config) (Recognizer, error) {
	switch cfg.STTProvider {
	case config.STTDeepgram:
		logging.Info(logging.CategoryTranscribe, "using deepgram recognizer model=%s", cfg.DeepgramModel)
		return NewDeepgramRecognizer(cfg.DeepgramAPIKey, cfg.DeepgramModel), nil
	case config.STTGoogle:
		logging.Info(logging.CategoryTranscribe, "using google recognizer")
		return NewGoogleRecognizer(ctx, cfg.GoogleSTTCredentials)
	default:
		return nil, fmt.Errorf("unknown stt provider: %s", cfg.STTProvider)
	}
}
