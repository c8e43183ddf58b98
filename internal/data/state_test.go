package data

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/infra/openai"
)

func TestStateRepo_EmptyDatabase(t *testing.T) {
	r, err := NewStateRepo(filepath.Join(t.TempDir(), "nested", "state.db"))
	require.NoError(t, err)
	defer r.Close()

	snap, err := r.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.SavedAt.IsZero())
	assert.Empty(t, snap.Results)
	assert.NotNil(t, snap.Signatures)
	assert.NotNil(t, snap.Failures)
}

func TestStateRepo_SaveReplacesSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	r, err := NewStateRepo(path)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := domain.NewSnapshot()
	snap.AuthToken = "token"
	snap.NotificationEnabled = true
	snap.Headless = true
	snap.KeySalt = "salt"
	snap.Delegated.Set("@Brand", true)
	snap.Tasks = []domain.ScanTask{
		{URL: "https://x.com/a/status/2", AddedAt: at},
		{URL: "https://x.com/a/status/1", AddedAt: at, LastCheckTime: at.Add(time.Minute)},
	}
	snap.Results = []domain.PendingResult{
		{CandidateItem: domain.CandidateItem{Handle: "@zed", Key: "k-zed", Source: domain.SourceNotification, CapturedAt: at}},
		{CandidateItem: domain.CandidateItem{Handle: "@amy", Key: "k-amy", Source: domain.SourceTweet, CapturedAt: at}},
	}
	snap.Results[1].MarkCourtesyReplied("hi", "dm_unavailable", at)
	snap.HistoryIDs = []string{"9", "3", "7"}
	snap.Signatures["sig"] = at
	snap.DMUnavailable["@closed"] = at
	snap.Failures["@amy"] = domain.ReplyFailureRecord{Handle: "@amy", Count: 2, WindowStartAt: at, CooldownUntil: at.Add(time.Hour), LastError: "boom"}
	snap.ReplyTemplates = []string{"r1", "r2"}
	snap.DMTemplates = []string{"d1"}
	require.NoError(t, r.Save(ctx, snap))
	require.NoError(t, r.Close())

	r, err = NewStateRepo(path)
	require.NoError(t, err)
	defer r.Close()
	got, err := r.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, "token", got.AuthToken)
	assert.True(t, got.NotificationEnabled)
	assert.True(t, got.Headless)
	assert.Equal(t, "@brand", got.Delegated.Target())
	assert.False(t, got.SavedAt.IsZero())

	require.Len(t, got.Tasks, 2)
	assert.Equal(t, "https://x.com/a/status/2", got.Tasks[0].URL)
	assert.True(t, got.Tasks[0].LastCheckTime.IsZero())
	assert.True(t, got.Tasks[1].LastCheckTime.Equal(at.Add(time.Minute)))

	require.Len(t, got.Results, 2)
	assert.Equal(t, "k-zed", got.Results[0].Key)
	assert.True(t, got.Results[1].DMSkipped)
	assert.Equal(t, "dm_unavailable", got.Results[1].DMSkipReason)

	assert.Equal(t, []string{"9", "3", "7"}, got.HistoryIDs)
	assert.True(t, got.Signatures["sig"].Equal(at))
	assert.True(t, got.DMUnavailable["@closed"].Equal(at))
	assert.Equal(t, 2, got.Failures["@amy"].Count)
	assert.Equal(t, "boom", got.Failures["@amy"].LastError)
	assert.Equal(t, []string{"r1", "r2"}, got.ReplyTemplates)

	// A second save drops rows that are gone from the snapshot
	got.Results = got.Results[:1]
	got.HistoryIDs = nil
	delete(got.Failures, "@amy")
	require.NoError(t, r.Save(ctx, got))
	again, err := r.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, again.Results, 1)
	assert.Empty(t, again.HistoryIDs)
	assert.Empty(t, again.Failures)
}

func TestStateRepo_HistoryKeepsOrder(t *testing.T) {
	ctx := context.Background()
	r, err := NewStateRepo(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer r.Close()

	snap := domain.NewSnapshot()
	for i := 500; i > 0; i-- {
		snap.HistoryIDs = append(snap.HistoryIDs, fmt.Sprintf("id-%d", i))
	}
	require.NoError(t, r.Save(ctx, snap))

	got, err := r.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.HistoryIDs, got.HistoryIDs)
}

func TestStateRepo_MigratesDMUnavailableColumn(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE dm_unavailable (handle TEXT PRIMARY KEY, marked_at INTEGER NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO dm_unavailable (handle, marked_at) VALUES (?, ?)`, "@closed", expires.UnixMilli())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	r, err := NewStateRepo(path)
	require.NoError(t, err)
	got, err := r.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.DMUnavailable["@closed"].Equal(expires))
	require.NoError(t, r.Close())

	// reopening a migrated database is a no-op
	r, err = NewStateRepo(path)
	require.NoError(t, err)
	defer r.Close()
	got, err = r.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.DMUnavailable, 1)
}

func TestDiagnosticsRepo_CaptureAndRecent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewDiagnosticsRepo(dir)
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Capture(ctx, &domain.DiagnosticRecord{
		At: base, Stage: domain.StageLocatePendingCard, Class: "target_state", Reason: "not found",
		Handle: "@amy", SelectorCounts: map[string]int{"article": 3},
	}))
	shot := &domain.DiagnosticRecord{
		At: base.Add(time.Minute), Stage: domain.StageSendDmText, Class: "transient", Reason: "send failed",
		Screenshot: []byte("png"),
	}
	require.NoError(t, sink.Capture(ctx, shot))
	assert.NotEmpty(t, shot.ID)
	require.NotEmpty(t, shot.ScreenshotPath)
	b, err := os.ReadFile(shot.ScreenshotPath)
	require.NoError(t, err)
	assert.Equal(t, "png", string(b))

	recent, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, domain.StageSendDmText, recent[0].Stage)
	assert.Equal(t, 3, recent[1].SelectorCounts["article"])
}

func TestClassifierRepo(t *testing.T) {
	assert.Nil(t, NewClassifierRepo(nil, "prompt"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"skip\":true,\"reason\":\"spam\"}"}}]}`))
	}))
	defer srv.Close()

	c := NewClassifierRepo(openai.NewClient("key", srv.URL, "m"), "prompt")
	skip, reason, err := c.Classify(context.Background(), "free crypto")
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, "spam", reason)
}
