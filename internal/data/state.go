package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"

	_ "modernc.org/sqlite"
)

// Setting keys in the settings table
const (
	settingAuthToken        = "auth_token"
	settingNotification     = "notification_enabled"
	settingDelegatedAccount = "delegated_account"
	settingDelegatedEnabled = "delegated_enabled"
	settingHeadless         = "headless"
	settingLLMFilter        = "llm_filter_enabled"
	settingKeySalt          = "key_salt"
	settingReplyTemplates   = "reply_templates"
	settingDMTemplates      = "dm_templates"
	settingSavedAt          = "saved_at"
)

var stateSchema = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		url TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		added_at INTEGER NOT NULL,
		last_check_time INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS results (
		key TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		source TEXT NOT NULL,
		handle TEXT NOT NULL,
		payload TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS signatures (
		signature TEXT PRIMARY KEY,
		seen_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dm_unavailable (
		handle TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reply_failures (
		handle TEXT PRIMARY KEY,
		count INTEGER NOT NULL,
		window_start_at INTEGER NOT NULL,
		cooldown_until INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_results_seq ON results(seq)`,
	`CREATE INDEX IF NOT EXISTS idx_history_seq ON history(seq)`,
}

// stateRepo implements the engine snapshot repository
type stateRepo struct {
	db *sql.DB
}

// openDB creates the parent directory and opens a sqlite database
func openDB(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps modernc from returning SQLITE_BUSY inside a single process
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewStateRepo creates a new state repository
func NewStateRepo(dbPath string) (repo.StateRepo, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	for _, stmt := range stateSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create state schema: %w", err)
		}
	}
	if err := migrateState(db); err != nil {
		db.Close()
		return nil, err
	}

	return &stateRepo{db: db}, nil
}

// migrateState renames columns of databases written by older versions
func migrateState(db *sql.DB) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('dm_unavailable') WHERE name = 'marked_at'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect dm_unavailable: %w", err)
	}
	if n == 0 {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE dm_unavailable RENAME COLUMN marked_at TO expires_at`); err != nil {
		return fmt.Errorf("failed to migrate dm_unavailable: %w", err)
	}
	return nil
}

// Load reads the whole snapshot
func (r *stateRepo) Load(ctx context.Context) (*domain.Snapshot, error) {
	snap := domain.NewSnapshot()

	if err := r.loadSettings(ctx, snap); err != nil {
		return nil, err
	}
	if err := r.loadTasks(ctx, snap); err != nil {
		return nil, err
	}
	if err := r.loadResults(ctx, snap); err != nil {
		return nil, err
	}

	if err := r.loadHistory(ctx, snap); err != nil {
		return nil, err
	}

	if err := r.loadTimes(ctx, `SELECT signature, seen_at FROM signatures`, snap.Signatures); err != nil {
		return nil, fmt.Errorf("failed to load signatures: %w", err)
	}
	if err := r.loadTimes(ctx, `SELECT handle, expires_at FROM dm_unavailable`, snap.DMUnavailable); err != nil {
		return nil, fmt.Errorf("failed to load dm cache: %w", err)
	}
	if err := r.loadFailures(ctx, snap); err != nil {
		return nil, err
	}

	return snap, nil
}

func (r *stateRepo) loadSettings(ctx context.Context, snap *domain.Snapshot) error {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("failed to scan setting: %w", err)
		}
		switch key {
		case settingAuthToken:
			snap.AuthToken = value
		case settingNotification:
			snap.NotificationEnabled = value == "1"
		case settingDelegatedAccount:
			snap.Delegated.Account = value
		case settingDelegatedEnabled:
			snap.Delegated.Enabled = value == "1"
		case settingHeadless:
			snap.Headless = value == "1"
		case settingLLMFilter:
			snap.LLMFilterEnabled = value == "1"
		case settingKeySalt:
			snap.KeySalt = value
		case settingReplyTemplates:
			if err := json.Unmarshal([]byte(value), &snap.ReplyTemplates); err != nil {
				return fmt.Errorf("failed to decode reply templates: %w", err)
			}
		case settingDMTemplates:
			if err := json.Unmarshal([]byte(value), &snap.DMTemplates); err != nil {
				return fmt.Errorf("failed to decode dm templates: %w", err)
			}
		case settingSavedAt:
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
				snap.SavedAt = time.UnixMilli(ms)
			}
		}
	}
	return rows.Err()
}

func (r *stateRepo) loadTasks(ctx context.Context, snap *domain.Snapshot) error {
	rows, err := r.db.QueryContext(ctx, `SELECT url, added_at, last_check_time FROM tasks ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t domain.ScanTask
		var addedAt, lastCheck int64
		if err := rows.Scan(&t.URL, &addedAt, &lastCheck); err != nil {
			return fmt.Errorf("failed to scan task: %w", err)
		}
		t.AddedAt = fromMillis(addedAt)
		t.LastCheckTime = fromMillis(lastCheck)
		snap.Tasks = append(snap.Tasks, t)
	}
	return rows.Err()
}

func (r *stateRepo) loadResults(ctx context.Context, snap *domain.Snapshot) error {
	rows, err := r.db.QueryContext(ctx, `SELECT payload FROM results ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("failed to scan result: %w", err)
		}
		var res domain.PendingResult
		if err := json.Unmarshal([]byte(payload), &res); err != nil {
			// A single corrupt row should not lose the rest of the queue
			continue
		}
		snap.Results = append(snap.Results, res)
	}
	return rows.Err()
}

func (r *stateRepo) loadTimes(ctx context.Context, query string, into map[string]time.Time) error {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var ms int64
		if err := rows.Scan(&k, &ms); err != nil {
			return err
		}
		into[k] = fromMillis(ms)
	}
	return rows.Err()
}

func (r *stateRepo) loadHistory(ctx context.Context, snap *domain.Snapshot) error {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM history ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan history: %w", err)
		}
		snap.HistoryIDs = append(snap.HistoryIDs, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	return nil
}

func (r *stateRepo) loadFailures(ctx context.Context, snap *domain.Snapshot) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT handle, count, window_start_at, cooldown_until, last_error
		FROM reply_failures
	`)
	if err != nil {
		return fmt.Errorf("failed to query reply failures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec domain.ReplyFailureRecord
		var start, cooldown int64
		if err := rows.Scan(&rec.Handle, &rec.Count, &start, &cooldown, &rec.LastError); err != nil {
			return fmt.Errorf("failed to scan reply failure: %w", err)
		}
		rec.WindowStartAt = fromMillis(start)
		rec.CooldownUntil = fromMillis(cooldown)
		snap.Failures[rec.Handle] = rec
	}
	return rows.Err()
}

// Save replaces every table inside one transaction
func (r *stateRepo) Save(ctx context.Context, snap *domain.Snapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"settings", "tasks", "results", "history", "signatures", "dm_unavailable", "reply_failures"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := saveSettings(ctx, tx, snap); err != nil {
		return err
	}

	for i, t := range snap.Tasks {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO tasks (url, seq, added_at, last_check_time) VALUES (?, ?, ?, ?)
		`, t.URL, i, toMillis(t.AddedAt), toMillis(t.LastCheckTime)); err != nil {
			return fmt.Errorf("failed to save task: %w", err)
		}
	}

	for i, res := range snap.Results {
		payload, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO results (key, seq, source, handle, payload) VALUES (?, ?, ?, ?, ?)
		`, res.Key, i, string(res.Source), res.Handle, string(payload)); err != nil {
			return fmt.Errorf("failed to save result: %w", err)
		}
	}

	for i, id := range snap.HistoryIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO history (id, seq) VALUES (?, ?)`, id, i); err != nil {
			return fmt.Errorf("failed to save history: %w", err)
		}
	}

	for sig, at := range snap.Signatures {
		if _, err := tx.ExecContext(ctx, `INSERT INTO signatures (signature, seen_at) VALUES (?, ?)`, sig, toMillis(at)); err != nil {
			return fmt.Errorf("failed to save signature: %w", err)
		}
	}

	for handle, expires := range snap.DMUnavailable {
		if _, err := tx.ExecContext(ctx, `INSERT INTO dm_unavailable (handle, expires_at) VALUES (?, ?)`, handle, toMillis(expires)); err != nil {
			return fmt.Errorf("failed to save dm cache: %w", err)
		}
	}

	for handle, rec := range snap.Failures {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reply_failures (handle, count, window_start_at, cooldown_until, last_error)
			VALUES (?, ?, ?, ?, ?)
		`, handle, rec.Count, toMillis(rec.WindowStartAt), toMillis(rec.CooldownUntil), rec.LastError); err != nil {
			return fmt.Errorf("failed to save reply failure: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

func saveSettings(ctx context.Context, tx *sql.Tx, snap *domain.Snapshot) error {
	reply, err := json.Marshal(snap.ReplyTemplates)
	if err != nil {
		return fmt.Errorf("failed to encode reply templates: %w", err)
	}
	dm, err := json.Marshal(snap.DMTemplates)
	if err != nil {
		return fmt.Errorf("failed to encode dm templates: %w", err)
	}

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	settings := map[string]string{
		settingAuthToken:        snap.AuthToken,
		settingNotification:     boolString(snap.NotificationEnabled),
		settingDelegatedAccount: snap.Delegated.Account,
		settingDelegatedEnabled: boolString(snap.Delegated.Enabled),
		settingHeadless:         boolString(snap.Headless),
		settingLLMFilter:        boolString(snap.LLMFilterEnabled),
		settingKeySalt:          snap.KeySalt,
		settingReplyTemplates:   string(reply),
		settingDMTemplates:      string(dm),
		settingSavedAt:          strconv.FormatInt(savedAt.UnixMilli(), 10),
	}
	for k, v := range settings {
		if _, err := tx.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("failed to save setting %s: %w", k, err)
		}
	}
	return nil
}

// Close closes the database
func (r *stateRepo) Close() error {
	return r.db.Close()
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
