package translate

import (
	"fmt"

	"github.com/LastBotInc/coralie-captions-worker/internal/config"
	"github.com/LastBotInc/coralie-captions-worker/internal/logging"
)

// NewModel builds the chat model selected by cfg.TranslationProvider.
func NewModel(cfg *config.Config) (ChatModel, error) {
	switch cfg.TranslationProvider {
	case config.TranslationOpenAI:
		logging.Info(logging.CategoryTranslate, "using openai translation model=%s accessible=%s", cfg.TranslationModel, cfg.AccessibleTranslationModel)
		return NewOpenAIModel(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), nil
	case config.TranslationAnthropic:
		logging.Info(logging.CategoryTranslate, "using anthropic translation model=%s accessible=%s", cfg.TranslationModel, cfg.AccessibleTranslationModel)
		return NewAnthropicModel(cfg.AnthropicAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown translation provider: %s", cfg.TranslationProvider)
	}
}

// OptionsFromConfig returns translator options for cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Model:           cfg.TranslationModel,
		AccessibleModel: cfg.AccessibleTranslationModel,
		Temperature:     float32(cfg.TranslationTemperature),
		MaxTurns:        cfg.TranslationContextTurns,
		Timeout:         cfg.TranslationTimeout,
		RecordReplies:   cfg.TranslationRecordReplies,
	}
}
