package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ashureev/interview-bot/internal/domain"
)

// OpenAIConfig configures an OpenAI-compatible chat completion backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAI streams chat completions from an OpenAI-compatible API such as Groq.
type OpenAI struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAI creates a generator for cfg.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: missing api key")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: missing model")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		logger: logger,
	}, nil
}

func (g *OpenAI) Generate(ctx context.Context, messages []domain.TurnRecord) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := g.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
			Model:    g.model,
			Messages: toOpenAIMessages(messages),
		})
		defer func() { _ = stream.Close() }()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
			g.logger.Debug("[LLM] Stream ended with error", "model", g.model, "error", err)
			yield("", fmt.Errorf("chat completion stream: %w", err))
		}
	}
}

func toOpenAIMessages(messages []domain.TurnRecord) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			params = append(params, openai.SystemMessage(m.Content))
		case domain.RoleUser:
			params = append(params, openai.UserMessage(m.Content))
		case domain.RoleAssistant:
			params = append(params, openai.AssistantMessage(m.Content))
		}
	}
	return params
}

var _ Generator = (*OpenAI)(nil)
