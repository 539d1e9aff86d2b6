package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/sashabaranov/go-openai"
)

var errEmptyCompletion = errors.New("model returned no content")

// OpenAIModel calls an OpenAI-compatible chat completion endpoint.
type OpenAIModel struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIModel creates a model client. An empty baseURL targets OpenAI.
func NewOpenAIModel(baseURL, apiKey, model string, maxTokens int) *OpenAIModel {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	slog.Info("Initializing chat completion client", "base_url", cfg.BaseURL, "model", model)
	return &OpenAIModel{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Reply sends the history followed by userText and returns the first choice.
func (m *OpenAIModel) Reply(ctx context.Context, history []domain.Turn, userText string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Origin == domain.OriginAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Body})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userText})

	req := openai.ChatCompletionRequest{
		Model:    m.model,
		Messages: messages,
	}
	if m.maxTokens > 0 {
		req.MaxCompletionTokens = m.maxTokens
	}

	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errEmptyCompletion
	}
	slog.Debug("Received chat completion", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
