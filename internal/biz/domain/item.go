package domain

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies where a candidate item was captured
type Source string

const (
	SourceTweet        Source = "tweet"
	SourceNotification Source = "notification"
)

// ScanTask is an operator-registered thread URL to watch
type ScanTask struct {
	URL           string    `json:"url"`
	LastCheckTime time.Time `json:"last_check_time"`
	AddedAt       time.Time `json:"added_at"`
}

// CandidateItem is one extracted comment or mention (immutable once built)
type CandidateItem struct {
	Handle       string    `json:"handle"`
	Content      string    `json:"content"`
	Key          string    `json:"key"`
	Source       Source    `json:"source"`
	CapturedAt   time.Time `json:"captured_at"`
	StatusID     string    `json:"status_id,omitempty"`
	StatusHandle string    `json:"status_handle,omitempty"`
	StatusURL    string    `json:"status_url,omitempty"`
	TaskURL      string    `json:"task_url,omitempty"` // thread the item was found in (tweet mode)
}

// ReplyState is written only by the orchestrator after a successful workflow
type ReplyState struct {
	Replied      bool      `json:"replied"`
	ReplyText    string    `json:"reply_text,omitempty"`
	DMText       string    `json:"dm_text,omitempty"`
	ReplyTime    time.Time `json:"reply_time,omitempty"`
	DMSkipped    bool      `json:"dm_skipped,omitempty"`
	DMSkipReason string    `json:"dm_skip_reason,omitempty"`
}

// PendingResult is a captured item awaiting operator action
type PendingResult struct {
	CandidateItem
	ReplyState
}

// MarkReplied records a completed reply + DM workflow
func (r *PendingResult) MarkReplied(replyText, dmText string, at time.Time) {
	r.Replied = true
	r.ReplyText = replyText
	r.DMText = dmText
	r.ReplyTime = at
	r.DMSkipped = false
	r.DMSkipReason = ""
}

// MarkCourtesyReplied records a reply that finished without a DM
func (r *PendingResult) MarkCourtesyReplied(replyText, reason string, at time.Time) {
	r.Replied = true
	r.ReplyText = replyText
	r.DMText = ""
	r.ReplyTime = at
	r.DMSkipped = true
	r.DMSkipReason = reason
}

// ClearScope selects which pending results a bulk clear removes
type ClearScope string

const (
	ClearAll          ClearScope = "all"
	ClearNotification ClearScope = "notification"
	ClearTweet        ClearScope = "tweet"
)

// ParseClearScope accepts the scope names used by the control surface
func ParseClearScope(s string) (ClearScope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return ClearAll, nil
	case "notification", "notify", "notifications":
		return ClearNotification, nil
	case "tweet", "tweets":
		return ClearTweet, nil
	}
	return "", fmt.Errorf("unknown clear scope %q", s)
}

// Matches reports whether a result with the given source falls in the scope
func (s ClearScope) Matches(src Source) bool {
	switch s {
	case ClearNotification:
		return src == SourceNotification
	case ClearTweet:
		return src != SourceNotification
	default:
		return true
	}
}
