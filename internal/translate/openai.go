package translate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIModel streams completions from OpenAI or any compatible API.
type OpenAIModel struct {
	client *openai.Client
}

// NewOpenAIModel creates a model client. baseURL is optional and lets the
// worker talk to OpenAI-compatible servers.
func NewOpenAIModel(apiKey, baseURL string) *OpenAIModel {
	if apiKey == "" {
		apiKey = "not-needed" // local compatible servers ignore auth
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		cfg.BaseURL = baseURL
	}
	return &OpenAIModel{client: openai.NewClientWithConfig(cfg)}
}

// StreamChat implements ChatModel.
func (m *OpenAIModel) StreamChat(ctx context.Context, req ChatRequest) (DeltaStream, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}

	stream, err := m.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("openai stream (status %d, code %v): %s", apiErr.HTTPStatusCode, apiErr.Code, apiErr.Message)
		}
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		chunk, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("openai recv: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content == "" && choice.FinishReason != "" {
			return "", io.EOF
		}
		if choice.Delta.Content == "" {
			continue
		}
		return choice.Delta.Content, nil
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
