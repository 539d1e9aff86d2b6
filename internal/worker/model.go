package worker

import (
	"context"
	"fmt"

	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/domain"
)

// Model produces the assistant reply to userText given the prior turns.
type Model interface {
	Reply(ctx context.Context, history []domain.Turn, userText string) (string, error)
}

// Provider names accepted by NewModel.
const (
	ProviderOpenAI = "openai"
	ProviderEcho   = "echo"
)

// NewModel builds the model selected by cfg.Provider.
func NewModel(cfg config.WorkerConfig) (Model, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.InferenceAPIKey == "" {
			return nil, fmt.Errorf("INFERENCE_API_KEY (or GROQ_API_KEY) is required for provider %q", cfg.Provider)
		}
		return NewOpenAIModel(cfg.InferenceBaseURL, cfg.InferenceAPIKey, cfg.InferenceModel, cfg.InferenceMaxTokens), nil
	case ProviderEcho:
		return EchoModel{}, nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}

// EchoModel repeats the user's text. It needs no credentials.
type EchoModel struct{}

// Reply returns the user text prefixed with "echo: ".
func (EchoModel) Reply(_ context.Context, _ []domain.Turn, userText string) (string, error) {
	return "echo: " + userText, nil
}
