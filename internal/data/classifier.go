package data

import (
	"context"
	"fmt"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
	"github.com/niernejun2001/x-monitor-pro/internal/infra/openai"
)

// classifierRepo implements the LLM content classifier
type classifierRepo struct {
	client *openai.Client
	prompt string
}

// NewClassifierRepo creates a classifier repository. A nil client disables the stage.
func NewClassifierRepo(client *openai.Client, systemPrompt string) repo.ClassifierRepo {
	if client == nil {
		return nil
	}
	return &classifierRepo{client: client, prompt: systemPrompt}
}

// Classify asks the model whether content should be skipped
func (r *classifierRepo) Classify(ctx context.Context, content string) (bool, string, error) {
	v, err := r.client.Classify(ctx, r.prompt, content)
	if err != nil {
		return false, "", fmt.Errorf("classify: %w", err)
	}
	return v.Skip, v.Reason, nil
}
