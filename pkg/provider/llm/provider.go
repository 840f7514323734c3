// Package llm defines the Provider interface for streaming text-completion
// backends.
//
// An LLM provider wraps a remote model API (e.g., OpenAI, Anthropic, or a local
// Ollama instance) and exposes a uniform streaming interface so that the turn
// driver can forward incremental text to speech synthesis without coupling to
// any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// Message roles understood by all providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonError is the FinishReason of a Chunk that reports a mid-stream
// failure. Its Text holds the error message.
const FinishReasonError = "error"

// Message represents a single message in a completion request.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically from
	// the user role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction sent before
	// Messages. Providers without a dedicated system field prepend it as a
	// system-role message.
	SystemPrompt string

	// Temperature controls output randomness. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero uses the provider
	// default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped: "stop", "length", FinishReasonError, or "" for non-final chunks.
	FinishReason string
}

// Provider is the abstraction over any streaming completion backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed when
	// generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors after the
	// stream opened surface as a Chunk whose FinishReason is FinishReasonError;
	// the returned error is non-nil only when the stream could not start.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
