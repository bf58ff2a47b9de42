package infer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// queryTemplate is the fixed prompt frame for the final user turn.
const queryTemplate = `You're a helpful software developer assistant, please use the provided context to base your answers on
for user questions. Answer to the best of your knowledge. Keep your responses short and on point.
Context:
__CONTEXT__

Question:
__QUESTION__
`

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamSink receives incremental completion deltas. A non-nil return
// cancels the stream.
type StreamSink func(delta string) error

// CompletionClient streams chat completions from an OpenAI-compatible
// endpoint.
type CompletionClient struct {
	client *openai.Client
	model  string
}

// NewCompletionClient builds a streaming client. apiURL may be the full
// /v1/chat/completions endpoint or the /v1 base.
func NewCompletionClient(apiURL, apiKey, model string, timeoutMs int) *CompletionClient {
	if timeoutMs <= 0 {
		timeoutMs = 120000
	}

	base := strings.TrimRight(apiURL, "/")
	base = strings.TrimSuffix(base, "/chat/completions")

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = base
	cfg.HTTPClient = &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond}

	return &CompletionClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Complete rewrites the last user turn with the context template, issues a
// streaming chat-completion request, and forwards each delta to sink.
// Returns the full accumulated response.
func (c *CompletionClient) Complete(ctx context.Context, messages []Message, contexts []string, temperature float32, sink StreamSink) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("%w: no messages", ErrBadResponse)
	}

	question := messages[len(messages)-1].Content
	contextBlock := ""
	for _, text := range contexts {
		contextBlock += text + "\n\n"
	}

	prompt := strings.Replace(queryTemplate, "__CONTEXT__", contextBlock, 1)
	prompt = strings.Replace(prompt, "__QUESTION__", question, 1)

	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	chatMessages[len(chatMessages)-1].Content = prompt

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMessages,
		Temperature: temperature,
		Stream:      true,
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("completion stream: %w: %v", ErrTransport, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		content := delta.Content
		if content == "" {
			// Some servers stream the model's reasoning under a separate
			// key; both may be absent on keepalive frames.
			content = delta.ReasoningContent
		}
		if content == "" {
			continue
		}

		full.WriteString(content)
		if sink != nil {
			if err := sink(content); err != nil {
				return full.String(), fmt.Errorf("stream sink: %w", err)
			}
		}
	}
	return full.String(), nil
}

// classifyOpenAIError maps SDK errors onto the shared error kinds.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		body := apiErr.Message
		return &ServerError{StatusCode: apiErr.HTTPStatusCode, Body: body}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ServerError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return fmt.Errorf("completion request: %w: %v", ErrTransport, err)
}
