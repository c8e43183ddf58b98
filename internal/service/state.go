package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/usecase"
)

// ContentPolicy decides whether extracted content is dropped
type ContentPolicy interface {
	ShouldSkip(ctx context.Context, content string) (bool, string)
}

// StateDefaults are used for lists and flags that were never saved
type StateDefaults struct {
	Headless       bool
	ReplyTemplates []string
	DMTemplates    []string
}

// MonitorState is the shared engine state. One coarse lock guards the
// pending results, the dedupe store, the task list and the account flags.
type MonitorState struct {
	policy ContentPolicy
	now    func() time.Time

	mu             sync.Mutex
	dedup          *usecase.DedupStore
	token          string
	tasks          []domain.ScanTask
	results        []domain.PendingResult
	notification   bool
	delegated      domain.DelegatedAccountState
	headless       bool
	llmFilter      bool
	replyTemplates []string
	dmTemplates    []string
	keySalt        string
	dirty          bool
}

// NewMonitorState creates an empty state
func NewMonitorState(dedup *usecase.DedupStore, policy ContentPolicy, defaults StateDefaults) *MonitorState {
	return &MonitorState{
		policy:         policy,
		now:            time.Now,
		dedup:          dedup,
		headless:       defaults.Headless,
		replyTemplates: domain.SanitizeTemplates(defaults.ReplyTemplates, domain.ReplyTemplateMaxRunes, domain.DefaultReplyTemplates),
		dmTemplates:    domain.SanitizeTemplates(defaults.DMTemplates, domain.DMTemplateMaxRunes, domain.DefaultDMTemplates),
		keySalt:        uuid.NewString(),
	}
}

// Restore loads a saved snapshot. Unsaved installs keep the defaults.
func (s *MonitorState) Restore(snap *domain.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.KeySalt != "" {
		s.keySalt = snap.KeySalt
	}
	if snap.SavedAt.IsZero() {
		return
	}

	s.token = snap.AuthToken
	s.tasks = append([]domain.ScanTask(nil), snap.Tasks...)
	s.results = append([]domain.PendingResult(nil), snap.Results...)
	s.notification = snap.NotificationEnabled
	s.delegated = domain.DelegatedAccountState{Account: snap.Delegated.Account, Enabled: snap.Delegated.Enabled}
	s.headless = snap.Headless
	s.llmFilter = snap.LLMFilterEnabled
	s.replyTemplates = domain.SanitizeTemplates(snap.ReplyTemplates, domain.ReplyTemplateMaxRunes, s.replyTemplates)
	s.dmTemplates = domain.SanitizeTemplates(snap.DMTemplates, domain.DMTemplateMaxRunes, s.dmTemplates)

	now := s.now()
	s.dedup.Import(snap.HistoryIDs, snap.Signatures, now)
	// Pending results are part of the history even if the id list was trimmed
	for _, r := range s.results {
		s.dedup.RememberKey(r.Key)
		s.dedup.IsDuplicateContent(r.Handle, r.Content, r.CapturedAt)
	}
}

// Snapshot copies the persisted fields. DM cache and failures are filled by the caller.
func (s *MonitorState) Snapshot() *domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := domain.NewSnapshot()
	snap.AuthToken = s.token
	snap.Tasks = append([]domain.ScanTask(nil), s.tasks...)
	snap.Results = append([]domain.PendingResult(nil), s.results...)
	snap.NotificationEnabled = s.notification
	snap.Delegated = s.delegated
	snap.Headless = s.headless
	snap.LLMFilterEnabled = s.llmFilter
	snap.ReplyTemplates = append([]string(nil), s.replyTemplates...)
	snap.DMTemplates = append([]string(nil), s.dmTemplates...)
	snap.KeySalt = s.keySalt
	snap.HistoryIDs, snap.Signatures = s.dedup.Export()
	snap.SavedAt = s.now()
	s.dirty = false
	return snap
}

// Dirty reports whether anything changed since the last Snapshot
func (s *MonitorState) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// ========== Admission ==========

// Admit is the extractor's admission gate: exact key, then content policy
// (outside the lock, it may call the network), then content signature.
func (s *MonitorState) Admit(ctx context.Context, item domain.CandidateItem) (bool, string) {
	s.mu.Lock()
	dup := s.dedup.IsDuplicateKey(item.Key)
	s.mu.Unlock()
	if dup {
		return false, usecase.RejectDuplicateKey
	}

	if s.policy != nil {
		if skip, reason := s.policy.ShouldSkip(ctx, item.Content); skip {
			return false, reason
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedup.IsDuplicateKey(item.Key) {
		return false, usecase.RejectDuplicateKey
	}
	if s.dedup.IsDuplicateContent(item.Handle, item.Content, s.now()) {
		return false, usecase.RejectDuplicateContent
	}
	s.dedup.RememberKey(item.Key)
	s.results = append(s.results, domain.PendingResult{CandidateItem: item})
	s.dirty = true
	return true, ""
}

// Trim enforces the dedupe bounds and returns (history keys, signatures) after trimming
func (s *MonitorState) Trim() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup.Trim(s.now())
	return s.dedup.Len()
}

// ClearHistory forgets every seen key and content signature
func (s *MonitorState) ClearHistory() {
	s.mu.Lock()
	s.dedup.Reset()
	s.dirty = true
	s.mu.Unlock()
}

// ========== Results ==========

// Results returns a copy of the pending results in capture order
func (s *MonitorState) Results() []domain.PendingResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PendingResult(nil), s.results...)
}

// Result returns the pending result with key
func (s *MonitorState) Result(key string) (domain.PendingResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results {
		if r.Key == key {
			return r, true
		}
	}
	return domain.PendingResult{}, false
}

// Backlog counts results still waiting for a reply
func (s *MonitorState) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.results {
		if !r.Replied {
			n++
		}
	}
	return n
}

// MarkReplied records the outcome of a finished workflow on the result with key
func (s *MonitorState) MarkReplied(key string, out usecase.ReplyOutcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.results {
		if s.results[i].Key != key {
			continue
		}
		now := s.now()
		if out.DMSkipped {
			s.results[i].MarkCourtesyReplied(out.ReplyText, out.DMSkipReason, now)
		} else {
			s.results[i].MarkReplied(out.ReplyText, out.DMText, now)
		}
		s.dirty = true
		return true
	}
	return false
}

// Acknowledge removes the result with key, or every result of handle when key is empty
func (s *MonitorState) Acknowledge(key, handle string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	norm := domain.NormalizeHandle(handle)
	kept := s.results[:0]
	removed := 0
	for _, r := range s.results {
		switch {
		case key != "" && r.Key == key,
			key == "" && norm != "" && domain.NormalizeHandle(r.Handle) == norm:
			removed++
		default:
			kept = append(kept, r)
		}
	}
	s.results = kept
	if removed > 0 {
		s.dirty = true
	}
	return removed
}

// ClearResults removes every result in scope
func (s *MonitorState) ClearResults(scope domain.ClearScope) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.results[:0]
	removed := 0
	for _, r := range s.results {
		if scope.Matches(r.Source) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.results = kept
	s.dirty = true
	return removed
}

// ========== Tasks ==========

// NormalizeTaskURL accepts x.com and twitter.com status links
func NormalizeTaskURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid task url %q", raw)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	switch host {
	case "x.com", "twitter.com", "mobile.twitter.com", "mobile.x.com":
	default:
		return "", fmt.Errorf("task url must point to x.com, got %q", u.Host)
	}
	if _, id := domain.StatusFromHref(u.Path); id == "" {
		return "", fmt.Errorf("task url has no status id: %q", raw)
	}
	u.Scheme = "https"
	u.Host = "x.com"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Tasks returns a copy of the task list
func (s *MonitorState) Tasks() []domain.ScanTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ScanTask(nil), s.tasks...)
}

// AddTask registers a thread URL; adding an existing URL is a no-op
func (s *MonitorState) AddTask(rawURL string) (bool, error) {
	u, err := NormalizeTaskURL(rawURL)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.URL == u {
			return false, nil
		}
	}
	s.tasks = append(s.tasks, domain.ScanTask{URL: u, AddedAt: s.now()})
	s.dirty = true
	return true, nil
}

// RemoveTask drops a thread URL
func (s *MonitorState) RemoveTask(rawURL string) bool {
	u, err := NormalizeTaskURL(rawURL)
	if err != nil {
		u = strings.TrimSpace(rawURL)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tasks {
		if t.URL == u {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			s.dirty = true
			return true
		}
	}
	return false
}

// TouchTask records a finished scan of url
func (s *MonitorState) TouchTask(u string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		if s.tasks[i].URL == u {
			s.tasks[i].LastCheckTime = at
			s.dirty = true
			return
		}
	}
}

// ========== Flags ==========

// Token returns the saved auth token
func (s *MonitorState) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken replaces the saved auth token
func (s *MonitorState) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.dirty = true
	s.mu.Unlock()
}

// KeySalt returns the per-install salt for fallback keys
func (s *MonitorState) KeySalt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keySalt
}

func (s *MonitorState) Notification() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notification
}

func (s *MonitorState) SetNotification(enabled bool) {
	s.mu.Lock()
	s.notification = enabled
	s.dirty = true
	s.mu.Unlock()
}

func (s *MonitorState) Headless() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headless
}

func (s *MonitorState) SetHeadless(headless bool) {
	s.mu.Lock()
	s.headless = headless
	s.dirty = true
	s.mu.Unlock()
}

func (s *MonitorState) LLMFilter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.llmFilter
}

func (s *MonitorState) SetLLMFilter(enabled bool) {
	s.mu.Lock()
	s.llmFilter = enabled
	s.dirty = true
	s.mu.Unlock()
}

// Account implements usecase.AccountStore
func (s *MonitorState) Account() domain.DelegatedAccountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegated
}

// UpdateAccount implements usecase.AccountStore
func (s *MonitorState) UpdateAccount(fn func(*domain.DelegatedAccountState)) {
	s.mu.Lock()
	before := s.delegated
	fn(&s.delegated)
	if s.delegated.Account != before.Account || s.delegated.Enabled != before.Enabled {
		s.dirty = true
	}
	s.mu.Unlock()
}

// ========== Templates ==========

func (s *MonitorState) list(kind domain.TemplateKind) *[]string {
	if kind == domain.TemplateDM {
		return &s.dmTemplates
	}
	return &s.replyTemplates
}

// Templates returns a copy of the list for kind
func (s *MonitorState) Templates(kind domain.TemplateKind) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), *s.list(kind)...)
}

// AddTemplate appends content to the list for kind
func (s *MonitorState) AddTemplate(kind domain.TemplateKind, content string) ([]string, error) {
	t, err := domain.CheckTemplate(kind, content)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.list(kind)
	for _, existing := range *l {
		if existing == t {
			return nil, domain.ErrTemplateExists
		}
	}
	*l = append(*l, t)
	s.dirty = true
	return append([]string(nil), *l...), nil
}

// UpdateTemplate replaces the entry at index
func (s *MonitorState) UpdateTemplate(kind domain.TemplateKind, index int, content string) ([]string, error) {
	t, err := domain.CheckTemplate(kind, content)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.list(kind)
	if index < 0 || index >= len(*l) {
		return nil, domain.ErrTemplateIndex
	}
	for i, existing := range *l {
		if existing == t && i != index {
			return nil, domain.ErrTemplateExists
		}
	}
	(*l)[index] = t
	s.dirty = true
	return append([]string(nil), *l...), nil
}

// DeleteTemplate removes the entry at index; an emptied list gets the defaults back
func (s *MonitorState) DeleteTemplate(kind domain.TemplateKind, index int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.list(kind)
	if index < 0 || index >= len(*l) {
		return nil, domain.ErrTemplateIndex
	}
	*l = append((*l)[:index], (*l)[index+1:]...)
	if len(*l) == 0 {
		*l = kind.Defaults()
	}
	s.dirty = true
	return append([]string(nil), *l...), nil
}
