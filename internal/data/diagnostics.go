package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

// diagnosticsRepo stores failure records in sqlite and screenshots as PNG files
type diagnosticsRepo struct {
	db  *sql.DB
	dir string
}

// NewDiagnosticsRepo creates a diagnostics sink rooted at dir
func NewDiagnosticsRepo(dir string) (repo.DiagnosticsSink, error) {
	db, err := openDB(filepath.Join(dir, "diagnostics.db"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS diagnostics (
			id TEXT PRIMARY KEY,
			at INTEGER NOT NULL,
			stage TEXT NOT NULL,
			class TEXT NOT NULL,
			reason TEXT NOT NULL,
			handle TEXT NOT NULL DEFAULT '',
			status_id TEXT NOT NULL DEFAULT '',
			page_url TEXT NOT NULL DEFAULT '',
			selector_counts TEXT NOT NULL DEFAULT '{}',
			screenshot_path TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create diagnostics table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_diagnostics_at ON diagnostics(at)`)

	return &diagnosticsRepo{db: db, dir: dir}, nil
}

// Capture writes the screenshot (if any) and inserts the record
func (r *diagnosticsRepo) Capture(ctx context.Context, rec *domain.DiagnosticRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if len(rec.Screenshot) > 0 {
		path := filepath.Join(r.dir, "failure_"+rec.ID+".png")
		if err := os.WriteFile(path, rec.Screenshot, 0644); err != nil {
			return fmt.Errorf("failed to write screenshot: %w", err)
		}
		rec.ScreenshotPath = path
	}

	counts, err := json.Marshal(rec.SelectorCounts)
	if err != nil {
		return fmt.Errorf("failed to encode selector counts: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO diagnostics
			(id, at, stage, class, reason, handle, status_id, page_url, selector_counts, screenshot_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, toMillis(rec.At), string(rec.Stage), rec.Class, rec.Reason,
		rec.Handle, rec.StatusID, rec.PageURL, string(counts), rec.ScreenshotPath)
	if err != nil {
		return fmt.Errorf("failed to save diagnostic: %w", err)
	}
	return nil
}

// Recent returns the newest records first
func (r *diagnosticsRepo) Recent(ctx context.Context, limit int) ([]*domain.DiagnosticRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, at, stage, class, reason, handle, status_id, page_url, selector_counts, screenshot_path
		FROM diagnostics
		ORDER BY at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnostics: %w", err)
	}
	defer rows.Close()

	var out []*domain.DiagnosticRecord
	for rows.Next() {
		var rec domain.DiagnosticRecord
		var at int64
		var stage, counts string
		if err := rows.Scan(&rec.ID, &at, &stage, &rec.Class, &rec.Reason, &rec.Handle,
			&rec.StatusID, &rec.PageURL, &counts, &rec.ScreenshotPath); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic: %w", err)
		}
		rec.At = fromMillis(at)
		rec.Stage = domain.ReplyStage(stage)
		_ = json.Unmarshal([]byte(counts), &rec.SelectorCounts)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close closes the database
func (r *diagnosticsRepo) Close() error {
	return r.db.Close()
}
