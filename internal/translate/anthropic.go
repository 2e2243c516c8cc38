package translate

import (
	"context"
	"fmt"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const anthropicMaxTokens = 1024

// AnthropicModel streams completions from the Anthropic Messages API.
type AnthropicModel struct {
	client anthropic.Client
}

// NewAnthropicModel creates a model client.
func NewAnthropicModel(apiKey string) *AnthropicModel {
	return &AnthropicModel{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// StreamChat implements ChatModel. System entries become the system prompt.
func (m *AnthropicModel) StreamChat(ctx context.Context, req ChatRequest) (DeltaStream, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   anthropicMaxTokens,
		Temperature: anthropic.Float(float64(req.Temperature)),
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: msg.Content})
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	if len(params.Messages) == 0 {
		return nil, fmt.Errorf("anthropic stream: no user messages")
	}

	return &anthropicStream{stream: m.client.Messages.NewStreaming(ctx, params)}, nil
}

type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

func (s *anthropicStream) Recv() (string, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
			return delta.Text, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", fmt.Errorf("anthropic recv: %w", err)
	}
	return "", io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
