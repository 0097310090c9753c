// Package providers implements the chat-model client used for both
// reply generation and memory-extraction judgments.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// Message is a provider-agnostic prompt message.
type Message struct {
	Role    string // "system", "user" or "assistant"
	Content string
}

// ModelCallError wraps any failure talking to the model API.
type ModelCallError struct {
	Op  string
	Err error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model call failed during %s: %v", e.Op, e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }

// Completer is the narrow surface the chat engine depends on.
type Completer interface {
	Chat(ctx context.Context, msgs []Message) (string, error)
	CompleteText(ctx context.Context, system, user string) (string, error)
}

// Options configures one OpenAI-compatible client instance.
type Options struct {
	APIKey      string
	APIBase     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// OpenAIClient talks to any OpenAI-compatible chat-completions endpoint.
type OpenAIClient struct {
	client openai.Client
	opts   Options
}

func NewOpenAIClient(opts Options) (*OpenAIClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai client: api key is required")
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.Temperature <= 0 {
		opts.Temperature = 0.7
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.APIBase != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.APIBase))
	}

	return &OpenAIClient{
		client: openai.NewClient(reqOpts...),
		opts:   opts,
	}, nil
}

// Chat sends a full message sequence and returns the assistant reply.
func (c *OpenAIClient) Chat(ctx context.Context, msgs []Message) (string, error) {
	return c.complete(ctx, "chat reply", msgs)
}

// CompleteText is the single-shot subroutine used by memory extraction:
// one system prompt, one user payload, text in and text out.
func (c *OpenAIClient) CompleteText(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, "extraction", []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
}

func (c *OpenAIClient) complete(ctx context.Context, op string, msgs []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.opts.Model),
		Messages:    mapMessages(msgs),
		Temperature: openai.Float(c.opts.Temperature),
		MaxTokens:   openai.Int(int64(c.opts.MaxTokens)),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", &ModelCallError{Op: op, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &ModelCallError{Op: op, Err: errors.New("empty response from model")}
	}
	return resp.Choices[0].Message.Content, nil
}

func mapMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
