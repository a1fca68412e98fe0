// Package ai summarizes incidents with a chat model and records token usage
// and cost for every call.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/example/kdp-orchestrator/internal/apperr"
	"github.com/example/kdp-orchestrator/internal/config"
)

// ErrNotConfigured is returned by every model call when no API key is set.
var ErrNotConfigured = fmt.Errorf("ai summarizer not configured: %w", apperr.ErrUnavailable)

// Completion is one model answer with its token usage.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Summarizer turns a prompt into a short operator-facing summary.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (*Completion, error)
}

type OpenAISummarizer struct {
	client *openai.Client
	model  string
}

// NewSummarizer returns an OpenAI summarizer, or nil when OPENAI_API_KEY is
// empty.
func NewSummarizer(cfg *config.Config) Summarizer {
	if cfg.OpenAIAPIKey == "" {
		return nil
	}
	return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.AIModel)
}

func NewOpenAI(apiKey, baseURL, model string) *OpenAISummarizer {
	oc := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		oc.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return &OpenAISummarizer{client: openai.NewClientWithConfig(oc), model: model}
}

const systemPrompt = "You are an SRE assistant. Summarize the incident for an on-call engineer: " +
	"likely cause, impact and the next diagnostic steps. Be concise."

func (o *OpenAISummarizer) Summarize(ctx context.Context, prompt string) (*Completion, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}
	model := resp.Model
	if model == "" {
		model = o.model
	}
	return &Completion{
		Text:             resp.Choices[0].Message.Content,
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}
