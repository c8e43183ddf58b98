package domain

import "time"

// Snapshot is the persisted engine state
type Snapshot struct {
	AuthToken           string                        `json:"auth_token"`
	Tasks               []ScanTask                    `json:"tasks"`
	Results             []PendingResult               `json:"results"`
	NotificationEnabled bool                          `json:"notification_enabled"`
	Delegated           DelegatedAccountState         `json:"delegated"`
	Headless            bool                          `json:"headless"`
	HistoryIDs          []string                      `json:"history_ids"` // oldest first
	Signatures          map[string]time.Time          `json:"signatures"`
	ReplyTemplates      []string                      `json:"reply_templates"`
	DMTemplates         []string                      `json:"dm_templates"`
	LLMFilterEnabled    bool                          `json:"llm_filter_enabled"`
	DMUnavailable       map[string]time.Time          `json:"dm_unavailable"`
	Failures            map[string]ReplyFailureRecord `json:"failures"`
	KeySalt             string                        `json:"key_salt"`
	// SavedAt is zero when nothing was ever saved
	SavedAt time.Time `json:"saved_at"`
}

// NewSnapshot returns an empty snapshot with every map allocated
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Signatures:    make(map[string]time.Time),
		DMUnavailable: make(map[string]time.Time),
		Failures:      make(map[string]ReplyFailureRecord),
	}
}

// DiagnosticRecord is captured on every terminal orchestration failure
type DiagnosticRecord struct {
	ID             string         `json:"id"`
	At             time.Time      `json:"at"`
	Stage          ReplyStage     `json:"stage"`
	Class          string         `json:"class"`
	Reason         string         `json:"reason"`
	Handle         string         `json:"handle"`
	StatusID       string         `json:"status_id"`
	PageURL        string         `json:"page_url"`
	SelectorCounts map[string]int `json:"selector_counts"` // selector -> match count
	Screenshot     []byte         `json:"-"`
	ScreenshotPath string         `json:"screenshot_path,omitempty"`
}
