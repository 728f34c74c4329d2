// Package llm streams agent responses from OpenAI's chat completions
// API, emitting tokens to the orchestrator as they arrive.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog"

	"github.com/outdialhq/voice-agent/internal/observability"
)

// Role identifies the author of a history message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of structured conversation history
type Message struct {
	Role    Role
	Content string
}

// TokenCallback receives each streamed token. Returning false stops
// consumption early (cutoff heuristic or barge-in).
type TokenCallback func(token string) bool

// Result summarizes one completed stream
type Result struct {
	Text             string
	TimeToFirstToken time.Duration
	Latency          time.Duration
	StoppedEarly     bool
	CompletionTokens int64
}

// Client is the interface for streaming language-model responses
type Client interface {
	StreamChat(ctx context.Context, history []Message, onToken TokenCallback) (*Result, error)
}

// OpenAIClient implements Client over openai-go's streaming API
type OpenAIClient struct {
	client    openai.Client
	model     string
	maxTokens int64
	logger    zerolog.Logger
}

// NewOpenAIClient creates a streaming chat client
func NewOpenAIClient(apiKey, model string, maxTokens int, logger zerolog.Logger) *OpenAIClient {
	return &OpenAIClient{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: int64(maxTokens),
		logger:    logger.With().Str("component", "llm").Logger(),
	}
}

func toParams(history []Message) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return msgs
}

// StreamChat streams a completion for the given history. Tokens are
// delivered through onToken; a false return stops the stream without
// error and marks the result as stopped early.
func (c *OpenAIClient) StreamChat(ctx context.Context, history []Message, onToken TokenCallback) (*Result, error) {
	start := time.Now()

	stream := c.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.model),
		Messages:            toParams(history),
		MaxCompletionTokens: openai.Int(c.maxTokens),
	})
	defer stream.Close()

	result := &Result{}
	var firstToken time.Time

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		token := chunk.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		if firstToken.IsZero() {
			firstToken = time.Now()
			observability.ObserveStageLatency(observability.StageFirstToken, firstToken.Sub(start).Seconds())
		}
		result.Text += token
		result.CompletionTokens++

		if onToken != nil && !onToken(token) {
			result.StoppedEarly = true
			break
		}
	}

	if err := stream.Err(); err != nil && !result.StoppedEarly {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		observability.RecordError("stream", "llm")
		return nil, fmt.Errorf("llm stream: %w", err)
	}

	result.Latency = time.Since(start)
	if !firstToken.IsZero() {
		result.TimeToFirstToken = firstToken.Sub(start)
	}
	observability.ObserveStageLatency(observability.StageLLM, result.Latency.Seconds())

	c.logger.Debug().
		Dur("latency", result.Latency).
		Dur("ttft", result.TimeToFirstToken).
		Bool("stopped_early", result.StoppedEarly).
		Msg("Stream complete")
	return result, nil
}
