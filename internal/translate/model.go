// Package translate turns final source-language transcripts into captions in
// other languages. Each target language gets its own Translator with an
// isolated conversation context; the Registry keeps at most one per language.
package translate

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged entry of a conversation context.
type Message struct {
	Role    string
	Content string
}

// ChatRequest is a full, non-incremental completion request.
type ChatRequest struct {
	Model       string
	Temperature float32
	Messages    []Message
}

// ChatModel is the language model collaborator.
type ChatModel interface {
	StreamChat(ctx context.Context, req ChatRequest) (DeltaStream, error)
}

// DeltaStream yields text deltas of one completion. Recv returns io.EOF once
// the completion is done.
type DeltaStream interface {
	Recv() (string, error)
	Close() error
}
