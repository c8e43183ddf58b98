package repo

import (
	"context"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
)

// StateRepo persists the engine snapshot (SQLite)
type StateRepo interface {
	// Load returns the saved snapshot, or an empty one on first start
	Load(ctx context.Context) (*domain.Snapshot, error)

	// Save replaces the saved snapshot
	Save(ctx context.Context, snap *domain.Snapshot) error

	Close() error
}

// ClassifierRepo is the optional LLM content classifier
type ClassifierRepo interface {
	// Classify returns whether content should be skipped and why
	Classify(ctx context.Context, content string) (skip bool, reason string, err error)
}

// DiagnosticsSink stores failure evidence for later inspection
type DiagnosticsSink interface {
	Capture(ctx context.Context, rec *domain.DiagnosticRecord) error
	Recent(ctx context.Context, limit int) ([]*domain.DiagnosticRecord, error)
}
