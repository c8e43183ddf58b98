package conf

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/usecase"
	"github.com/niernejun2001/x-monitor-pro/internal/service"
)

// Config represents application configuration
type Config struct {
	// Storage locations
	DataDir        string
	DBPath         string
	DiagnosticsDir string

	// AuthToken seeds startMonitoring when set
	AuthToken string

	Browser     BrowserConfig
	Notify      NotifyConfig
	Maintenance MaintenanceConfig
	Tasks       TaskConfig
	Dedupe      DedupeConfig
	Reply       ReplyConfig
	LLM         LLMConfig

	// Templates configuration (loaded from YAML)
	Templates *TemplatesConfig

	LogLevel  string
	LogFormat string
}

// BrowserConfig contains browser launch configuration
type BrowserConfig struct {
	Bin                 string
	ProfileDir          string
	PersistProfile      bool
	Headless            bool
	HeadlessTempProfile bool
	HeadedFallback      bool
	LaunchAttempts      int
	Proxy               string
	NavTimeout          time.Duration
}

// NotifyConfig contains notification scanning configuration
type NotifyConfig struct {
	IntervalMin  time.Duration
	IntervalMax  time.Duration
	RecentWindow time.Duration
	MaxCards     int
	RefreshMin   time.Duration
	RefreshMax   time.Duration
}

// MaintenanceConfig contains the browser maintenance cadence
type MaintenanceConfig struct {
	Min time.Duration
	Max time.Duration
}

// TaskConfig contains thread scan batching configuration
type TaskConfig struct {
	ParallelMin  int
	ParallelMax  int
	RoundRestMin time.Duration
	RoundRestMax time.Duration
}

// DedupeConfig contains dedupe store bounds
type DedupeConfig struct {
	TTL        time.Duration
	Max        int
	HistoryMax int
}

// ReplyConfig contains reply/DM workflow configuration
type ReplyConfig struct {
	Passcode               string
	GapMin                 time.Duration
	GapMax                 time.Duration
	FailureWindow          time.Duration
	DMUnavailableTTL       time.Duration
	AssumeSentOnUnverified bool
}

// LLMConfig contains the optional content classifier configuration
type LLMConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	CacheTTL time.Duration
	CacheMax int
}

// Enabled reports whether the LLM stage can run
func (c LLMConfig) Enabled() bool {
	return c.APIKey != ""
}

// proxyEnvKeys are checked in order for the browser proxy
var proxyEnvKeys = []string{
	"XMONITOR_PROXY", "ALL_PROXY", "all_proxy", "HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy",
}

func envString(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func envInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(key string, def int, unit time.Duration) time.Duration {
	return time.Duration(envInt(key, def)) * unit
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "x-monitor-pro")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "x-monitor-pro")
}

// ResolveProxy returns the first proxy found in the environment
func ResolveProxy() string {
	for _, key := range proxyEnvKeys {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			return val
		}
	}
	return ""
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	dataDir := envString("XMONITOR_DATA_DIR", defaultDataDir())

	// Load templates from YAML
	templates, err := LoadTemplatesConfig(os.Getenv("XMONITOR_TEMPLATES_PATH"))
	if err != nil {
		templates = DefaultTemplatesConfig()
		templates.LoadError = err
	}

	return &Config{
		DataDir:        dataDir,
		DBPath:         envString("XMONITOR_DB_PATH", filepath.Join(dataDir, "state.db")),
		DiagnosticsDir: envString("XMONITOR_DIAGNOSTICS_DIR", filepath.Join(dataDir, "diagnostics")),
		AuthToken:      envString("XMONITOR_AUTH_TOKEN", ""),
		Browser: BrowserConfig{
			Bin:                 envString("XMONITOR_BROWSER_BIN", ""),
			ProfileDir:          envString("XMONITOR_BROWSER_PROFILE_DIR", filepath.Join(dataDir, "chromium-profile")),
			PersistProfile:      envBool("XMONITOR_PERSIST_BROWSER_PROFILE", true),
			Headless:            envBool("XMONITOR_HEADLESS", true),
			HeadlessTempProfile: envBool("XMONITOR_HEADLESS_TEMP_PROFILE", false),
			HeadedFallback:      envBool("XMONITOR_HEADED_FALLBACK", false),
			LaunchAttempts:      envInt("XMONITOR_LAUNCH_ATTEMPTS", 4),
			Proxy:               ResolveProxy(),
			NavTimeout:          envDuration("XMONITOR_NAV_TIMEOUT_SEC", 30, time.Second),
		},
		Notify: NotifyConfig{
			IntervalMin:  envDuration("XMONITOR_NOTIFY_INTERVAL_MIN_SEC", 6, time.Second),
			IntervalMax:  envDuration("XMONITOR_NOTIFY_INTERVAL_MAX_SEC", 12, time.Second),
			RecentWindow: envDuration("XMONITOR_NOTIFY_RECENT_MINUTES", 30, time.Minute),
			MaxCards:     envInt("XMONITOR_NOTIFY_MAX_CARDS", 60),
			RefreshMin:   envDuration("XMONITOR_NOTIFY_REFRESH_MIN_SEC", 25, time.Second),
			RefreshMax:   envDuration("XMONITOR_NOTIFY_REFRESH_MAX_SEC", 55, time.Second),
		},
		Maintenance: MaintenanceConfig{
			Min: envDuration("XMONITOR_MAINTENANCE_MIN_MIN", 40, time.Minute),
			Max: envDuration("XMONITOR_MAINTENANCE_MAX_MIN", 70, time.Minute),
		},
		Tasks: TaskConfig{
			ParallelMin:  envInt("XMONITOR_TASK_PARALLEL_MIN", 2),
			ParallelMax:  envInt("XMONITOR_TASK_PARALLEL_MAX", 5),
			RoundRestMin: envDuration("XMONITOR_ROUND_REST_MIN_SEC", 20, time.Second),
			RoundRestMax: envDuration("XMONITOR_ROUND_REST_MAX_SEC", 40, time.Second),
		},
		Dedupe: DedupeConfig{
			TTL:        envDuration("XMONITOR_DEDUPE_TTL_HOURS", 72, time.Hour),
			Max:        envInt("XMONITOR_DEDUPE_MAX", 40000),
			HistoryMax: envInt("XMONITOR_HISTORY_MAX", 10000),
		},
		Reply: ReplyConfig{
			Passcode:               envString("XMONITOR_DM_PASSCODE", "1234"),
			GapMin:                 envDuration("XMONITOR_REPLY_GAP_MIN_SEC", 2, time.Second),
			GapMax:                 envDuration("XMONITOR_REPLY_GAP_MAX_SEC", 5, time.Second),
			FailureWindow:          envDuration("XMONITOR_FAILURE_WINDOW_MIN", 30, time.Minute),
			DMUnavailableTTL:       envDuration("XMONITOR_DM_UNAVAILABLE_HOURS", 12, time.Hour),
			AssumeSentOnUnverified: envBool("XMONITOR_ASSUME_SENT_ON_UNVERIFIED", true),
		},
		LLM: LLMConfig{
			APIKey:   envString("XMONITOR_LLM_API_KEY", ""),
			BaseURL:  envString("XMONITOR_LLM_BASE_URL", "https://api.openai.com/v1"),
			Model:    envString("XMONITOR_LLM_MODEL", "gpt-4o-mini"),
			CacheTTL: envDuration("XMONITOR_LLM_CACHE_TTL_MIN", 720, time.Minute),
			CacheMax: envInt("XMONITOR_LLM_CACHE_MAX", 5000),
		},
		Templates: templates,
		LogLevel:  strings.ToLower(envString("XMONITOR_LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(envString("XMONITOR_LOG_FORMAT", "console")),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return &ConfigError{Field: "XMONITOR_DB_PATH", Message: "required"}
	}
	if c.Browser.LaunchAttempts < 1 {
		return &ConfigError{Field: "XMONITOR_LAUNCH_ATTEMPTS", Message: "must be at least 1"}
	}
	ranges := []struct {
		field    string
		min, max time.Duration
	}{
		{"XMONITOR_NOTIFY_INTERVAL_MIN_SEC/MAX_SEC", c.Notify.IntervalMin, c.Notify.IntervalMax},
		{"XMONITOR_NOTIFY_REFRESH_MIN_SEC/MAX_SEC", c.Notify.RefreshMin, c.Notify.RefreshMax},
		{"XMONITOR_MAINTENANCE_MIN_MIN/MAX_MIN", c.Maintenance.Min, c.Maintenance.Max},
		{"XMONITOR_ROUND_REST_MIN_SEC/MAX_SEC", c.Tasks.RoundRestMin, c.Tasks.RoundRestMax},
		{"XMONITOR_REPLY_GAP_MIN_SEC/MAX_SEC", c.Reply.GapMin, c.Reply.GapMax},
	}
	for _, r := range ranges {
		if r.min <= 0 || r.max < r.min {
			return &ConfigError{Field: r.field, Message: "need 0 < min <= max"}
		}
	}
	if c.Tasks.ParallelMin < 1 || c.Tasks.ParallelMax < c.Tasks.ParallelMin {
		return &ConfigError{Field: "XMONITOR_TASK_PARALLEL_MIN/MAX", Message: "need 1 <= min <= max"}
	}
	if c.Notify.RecentWindow <= 0 || c.Notify.MaxCards <= 0 {
		return &ConfigError{Field: "XMONITOR_NOTIFY_RECENT_MINUTES/MAX_CARDS", Message: "must be positive"}
	}
	if c.Dedupe.TTL <= 0 || c.Dedupe.Max <= 0 || c.Dedupe.HistoryMax <= 0 {
		return &ConfigError{Field: "XMONITOR_DEDUPE_TTL_HOURS/DEDUPE_MAX/HISTORY_MAX", Message: "must be positive"}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "XMONITOR_LOG_LEVEL", Message: "must be debug, info, warn or error"}
	}
	return nil
}

// ToSessionConfig converts to the session manager configuration
func (c *Config) ToSessionConfig() usecase.SessionConfig {
	return usecase.SessionConfig{
		BrowserBin:          c.Browser.Bin,
		ProfileDir:          c.Browser.ProfileDir,
		PersistProfile:      c.Browser.PersistProfile,
		HeadlessTempProfile: c.Browser.HeadlessTempProfile,
		HeadedFallback:      c.Browser.HeadedFallback,
		LaunchAttempts:      c.Browser.LaunchAttempts,
		Proxy:               c.Browser.Proxy,
		Headless:            c.Browser.Headless,
	}
}

// ToDedupConfig converts to the dedupe store configuration
func (c *Config) ToDedupConfig() usecase.DedupConfig {
	return usecase.DedupConfig{
		SignatureTTL:  c.Dedupe.TTL,
		MaxSignatures: c.Dedupe.Max,
		MaxHistory:    c.Dedupe.HistoryMax,
	}
}

// ToExtractorConfig converts to the extractor configuration
func (c *Config) ToExtractorConfig() usecase.ExtractorConfig {
	cfg := usecase.DefaultExtractorConfig()
	cfg.RecentWindow = c.Notify.RecentWindow
	cfg.MaxCards = c.Notify.MaxCards
	if c.Templates != nil {
		cfg.ProtectedHandles = c.Templates.ProtectedHandles
	}
	return cfg
}

// ToPacerConfig converts to the pacing configuration
func (c *Config) ToPacerConfig() usecase.PacerConfig {
	cfg := usecase.DefaultPacerConfig()
	cfg.GapMin = c.Reply.GapMin
	cfg.GapMax = c.Reply.GapMax
	cfg.FailureWindow = c.Reply.FailureWindow
	cfg.DMUnavailableTTL = c.Reply.DMUnavailableTTL
	return cfg
}

// ToPolicyConfig converts to the policy filter configuration
func (c *Config) ToPolicyConfig() usecase.PolicyConfig {
	cfg := usecase.PolicyConfig{CacheTTL: c.LLM.CacheTTL, CacheMax: c.LLM.CacheMax}
	if c.Templates != nil {
		cfg.BlockedMentions = c.Templates.BlockedMentions
	}
	return cfg
}

// ToSchedulerConfig converts to the monitor loop cadence
func (c *Config) ToSchedulerConfig() service.SchedulerConfig {
	cfg := service.DefaultSchedulerConfig()
	cfg.NotifyIntervalMin = c.Notify.IntervalMin
	cfg.NotifyIntervalMax = c.Notify.IntervalMax
	cfg.RefreshMin = c.Notify.RefreshMin
	cfg.RefreshMax = c.Notify.RefreshMax
	cfg.ParallelMin = c.Tasks.ParallelMin
	cfg.ParallelMax = c.Tasks.ParallelMax
	cfg.RoundRestMin = c.Tasks.RoundRestMin
	cfg.RoundRestMax = c.Tasks.RoundRestMax
	cfg.MaintenanceMin = c.Maintenance.Min
	cfg.MaintenanceMax = c.Maintenance.Max
	return cfg
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
