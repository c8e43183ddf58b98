package conf

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XMONITOR_DATA_DIR", dir)
	t.Setenv("XMONITOR_TEMPLATES_PATH", "")
	for _, k := range proxyEnvKeys {
		t.Setenv(k, "")
	}

	cfg := LoadFromEnv()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join(dir, "state.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dir, "chromium-profile"), cfg.Browser.ProfileDir)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 4, cfg.Browser.LaunchAttempts)
	assert.Equal(t, 6*time.Second, cfg.Notify.IntervalMin)
	assert.Equal(t, 30*time.Minute, cfg.Notify.RecentWindow)
	assert.Equal(t, 72*time.Hour, cfg.Dedupe.TTL)
	assert.Equal(t, 40000, cfg.Dedupe.Max)
	assert.Equal(t, "1234", cfg.Reply.Passcode)
	assert.True(t, cfg.Reply.AssumeSentOnUnverified)
	assert.False(t, cfg.LLM.Enabled())
	assert.Empty(t, cfg.Browser.Proxy)
}

func TestLoadFromEnv_InvalidNumbersKeepDefaults(t *testing.T) {
	t.Setenv("XMONITOR_DATA_DIR", t.TempDir())
	t.Setenv("XMONITOR_NOTIFY_MAX_CARDS", "many")
	t.Setenv("XMONITOR_HEADLESS", "maybe")

	cfg := LoadFromEnv()
	assert.Equal(t, 60, cfg.Notify.MaxCards)
	assert.True(t, cfg.Browser.Headless)
}

func TestResolveProxy_Order(t *testing.T) {
	for _, k := range proxyEnvKeys {
		t.Setenv(k, "")
	}
	t.Setenv("HTTP_PROXY", "http://127.0.0.1:8080")
	t.Setenv("ALL_PROXY", "socks5://127.0.0.1:1080")
	assert.Equal(t, "socks5://127.0.0.1:1080", ResolveProxy())

	t.Setenv("XMONITOR_PROXY", "http://proxy:3128")
	assert.Equal(t, "http://proxy:3128", ResolveProxy())
}

func TestValidate_Ranges(t *testing.T) {
	t.Setenv("XMONITOR_DATA_DIR", t.TempDir())
	t.Setenv("XMONITOR_NOTIFY_INTERVAL_MIN_SEC", "20")
	t.Setenv("XMONITOR_NOTIFY_INTERVAL_MAX_SEC", "10")

	err := LoadFromEnv().Validate()
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Field, "NOTIFY_INTERVAL")
}

func TestLoadTemplatesConfig_SanitizesLists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	yaml := `
reply_templates:
  - "  thanks, check DMs  "
  - "thanks, check DMs"
  - ""
dm_templates: []
blocked_mentions: ["@competitor"]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadTemplatesConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, []string{"thanks, check DMs"}, cfg.ReplyTemplates)
	assert.Equal(t, domain.DefaultDMTemplates, cfg.DMTemplates)
	assert.Equal(t, []string{"@competitor"}, cfg.BlockedMentions)
	assert.Equal(t, []string{"@X", "@Twitter"}, cfg.ProtectedHandles)
	assert.Equal(t, DefaultClassifierPrompt, cfg.LLM.SystemPrompt)
}

func TestLoadTemplatesConfig_Errors(t *testing.T) {
	_, err := LoadTemplatesConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("reply_templates: [unclosed"), 0o644))
	_, err = LoadTemplatesConfig(bad)
	assert.Error(t, err)
}

func TestToSchedulerConfig(t *testing.T) {
	t.Setenv("XMONITOR_DATA_DIR", t.TempDir())
	t.Setenv("XMONITOR_TASK_PARALLEL_MAX", "3")
	t.Setenv("XMONITOR_MAINTENANCE_MIN_MIN", "10")

	sc := LoadFromEnv().ToSchedulerConfig()
	assert.Equal(t, 2, sc.ParallelMin)
	assert.Equal(t, 3, sc.ParallelMax)
	assert.Equal(t, 10*time.Minute, sc.MaintenanceMin)
	assert.Equal(t, 70*time.Minute, sc.MaintenanceMax)
	assert.Equal(t, 25*time.Second, sc.RefreshMin)
	assert.Equal(t, 3, sc.DisconnectRestart)
	assert.Equal(t, time.Minute, sc.SaveInterval)
}
