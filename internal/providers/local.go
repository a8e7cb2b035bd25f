package providers

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// LocalProvider drives any OpenAI-compatible endpoint on the local
// machine (Ollama, vLLM, llama.cpp server). Prompts never leave the
// process boundary's host, so the routing check admits Regulated data.
type LocalProvider struct {
	client *openai.Client
	model  string
}

// NewLocalProvider creates a driver against baseURL (e.g.
// "http://127.0.0.1:11434/v1").
func NewLocalProvider(baseURL, model string) *LocalProvider {
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = baseURL
	return &LocalProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Complete implements Provider.
func (p *LocalProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := withDeadline(ctx, req)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("local completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("local completion: empty choices")
	}
	choice := resp.Choices[0]
	return &Response{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (p *LocalProvider) IsCloud() bool           { return false }
func (p *LocalProvider) ModelID() string         { return p.model }
func (p *LocalProvider) SupportsToolCalls() bool { return false }
