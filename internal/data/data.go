package data

import (
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
	"github.com/niernejun2001/x-monitor-pro/internal/infra/openai"
)

// Repositories contains all repositories
type Repositories struct {
	State       repo.StateRepo
	Diagnostics repo.DiagnosticsSink
	Classifier  repo.ClassifierRepo // nil when the LLM stage is disabled
}

// NewRepositories creates all repositories
func NewRepositories(
	stateDBPath string,
	diagnosticsDir string,
	llmClient *openai.Client,
	classifierPrompt string,
) (*Repositories, error) {
	stateRepo, err := NewStateRepo(stateDBPath)
	if err != nil {
		return nil, err
	}

	// Diagnostics live in their own database next to the screenshots
	diagRepo, err := NewDiagnosticsRepo(diagnosticsDir)
	if err != nil {
		stateRepo.Close()
		return nil, err
	}

	return &Repositories{
		State:       stateRepo,
		Diagnostics: diagRepo,
		Classifier:  NewClassifierRepo(llmClient, classifierPrompt),
	}, nil
}

// Close closes every repository that holds a database
func (r *Repositories) Close() error {
	err := r.State.Close()
	if c, ok := r.Diagnostics.(interface{ Close() error }); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
