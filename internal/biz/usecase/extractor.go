package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

// ExtractorConfig holds the scan limits
type ExtractorConfig struct {
	RecentWindow        time.Duration
	MaxCards            int
	MaxScrolls          int
	MaxConsecutiveEmpty int
	ScrollStep          int
	TraceCards          int
	ProtectedHandles    []string
}

// DefaultExtractorConfig returns the production scan limits
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		RecentWindow:        30 * time.Minute,
		MaxCards:            60,
		MaxScrolls:          50,
		MaxConsecutiveEmpty: 8,
		ScrollStep:          800,
		TraceCards:          12,
		ProtectedHandles:    []string{"@X", "@Twitter"},
	}
}

// AdmitFunc gates one extracted item. It returns whether the item became a
// pending result and, if not, the rejection reason.
type AdmitFunc func(ctx context.Context, item domain.CandidateItem) (bool, string)

// Admission rejection reasons understood by ScanStats
const (
	RejectDuplicateKey     = "duplicate_key"
	RejectDuplicateContent = "duplicate_content"
)

// ScanStats counts what one scan captured and why the rest was dropped
type ScanStats struct {
	Cards          int
	Captured       int
	NoUser         int
	NoHandle       int
	NoContent      int
	Blacklist      int
	Duplicate      int
	HasReplies     int
	AlreadyReplied int
	EmojiOnly      int
	BlockedMention int
	Filtered       int
	Old            int
	NonReply       int
	Interaction    int
	EmptyText      int
	NoStatus       int
	Errors         int
}

func (s *ScanStats) reject(reason string) {
	switch {
	case reason == RejectDuplicateKey, reason == RejectDuplicateContent:
		s.Duplicate++
	case reason == SkipEmojiOnly:
		s.EmojiOnly++
	case strings.HasPrefix(reason, SkipBlockedMention):
		s.BlockedMention++
	default:
		s.Filtered++
	}
}

// Fields renders the counters for structured logging
func (s ScanStats) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("cards", s.Cards),
		zap.Int("captured", s.Captured),
		zap.Int("no_user", s.NoUser),
		zap.Int("no_handle", s.NoHandle),
		zap.Int("no_content", s.NoContent),
		zap.Int("blacklist", s.Blacklist),
		zap.Int("duplicate", s.Duplicate),
		zap.Int("has_replies", s.HasReplies),
		zap.Int("already_replied", s.AlreadyReplied),
		zap.Int("emoji_only", s.EmojiOnly),
		zap.Int("blocked_mention", s.BlockedMention),
		zap.Int("filtered", s.Filtered),
		zap.Int("old", s.Old),
		zap.Int("non_reply", s.NonReply),
		zap.Int("interaction", s.Interaction),
		zap.Int("empty_text", s.EmptyText),
		zap.Int("no_status", s.NoStatus),
		zap.Int("errors", s.Errors),
	}
}

// ThreadScanOptions parameterizes one tweet-thread scan
type ThreadScanOptions struct {
	URL       string
	Delegated string // normalized delegated handle, may be empty
}

// NotificationScanOptions parameterizes one notifications scan
type NotificationScanOptions struct {
	Delegated string
	KeySalt   string
}

// ExtractorUsecase turns rendered pages into candidate items
type ExtractorUsecase struct {
	cfg    ExtractorConfig
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.RWMutex
	protected map[string]bool
}

// NewExtractorUsecase creates a new extractor
func NewExtractorUsecase(cfg ExtractorConfig, logger *zap.Logger) *ExtractorUsecase {
	def := DefaultExtractorConfig()
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = def.RecentWindow
	}
	if cfg.MaxCards <= 0 {
		cfg.MaxCards = def.MaxCards
	}
	if cfg.MaxScrolls <= 0 {
		cfg.MaxScrolls = def.MaxScrolls
	}
	if cfg.MaxConsecutiveEmpty <= 0 {
		cfg.MaxConsecutiveEmpty = def.MaxConsecutiveEmpty
	}
	if cfg.ScrollStep <= 0 {
		cfg.ScrollStep = def.ScrollStep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	uc := &ExtractorUsecase{
		cfg:    cfg,
		logger: logger.Named("extractor"),
		now:    time.Now,
		sleep:  sleepCtx,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	uc.SetProtectedHandles(cfg.ProtectedHandles)
	return uc
}

// SetProtectedHandles replaces the always-skip handle list
func (uc *ExtractorUsecase) SetProtectedHandles(handles []string) {
	protected := make(map[string]bool, len(handles))
	for _, h := range handles {
		if n := domain.NormalizeHandle(h); n != "" {
			protected[n] = true
		}
	}
	uc.mu.Lock()
	uc.protected = protected
	uc.mu.Unlock()
}

func (uc *ExtractorUsecase) isProtected(handle string) bool {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return uc.protected[handle]
}

func (uc *ExtractorUsecase) jitter(min, max time.Duration) time.Duration {
	uc.rngMu.Lock()
	defer uc.rngMu.Unlock()
	return randDuration(uc.rng, min, max)
}

func (uc *ExtractorUsecase) reorder(cards []repo.Element) []repo.Element {
	uc.rngMu.Lock()
	defer uc.rngMu.Unlock()
	return reorderCards(uc.rng, cards)
}

func (uc *ExtractorUsecase) chance(p float64) bool {
	uc.rngMu.Lock()
	defer uc.rngMu.Unlock()
	return uc.rng.Float64() < p
}

func cardHash(html string) string {
	sum := sha1.Sum([]byte(domain.Truncate(html, 300)))
	return hex.EncodeToString(sum[:])
}

// ScanThread scrolls a tweet thread and admits every new comment
func (uc *ExtractorUsecase) ScanThread(ctx context.Context, b repo.Browser, tab repo.TabID, opts ThreadScanOptions, admit AdmitFunc) (ScanStats, error) {
	var stats ScanStats
	_, mainID := domain.StatusFromHref(opts.URL)
	if mainID == "" {
		return stats, fmt.Errorf("invalid thread url %q", opts.URL)
	}
	if err := b.Navigate(ctx, tab, opts.URL); err != nil {
		return stats, fmt.Errorf("failed to open thread: %w", err)
	}

	processed := make(map[string]bool)
	seenKeys := make(map[string]bool)
	empty := 0
	lastY := -1

	for scroll := 0; scroll < uc.cfg.MaxScrolls; scroll++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if cur, err := b.CurrentURL(ctx, tab); err == nil && !strings.Contains(cur, mainID) {
			if err := b.Navigate(ctx, tab, opts.URL); err != nil {
				return stats, fmt.Errorf("failed to reopen thread: %w", err)
			}
		}

		cards, err := b.QueryAll(ctx, tab, selArticle)
		if err != nil {
			cards = nil
		}
		cards = uc.reorder(cards)

		fresh := 0
		for i, card := range cards {
			if uc.chance(0.18) {
				_ = uc.sleep(ctx, uc.jitter(20*time.Millisecond, 120*time.Millisecond))
			}
			html, err := card.HTML(ctx)
			if err != nil {
				stats.Errors++
				continue
			}
			h := cardHash(html)
			if processed[h] {
				continue
			}
			processed[h] = true
			fresh++
			stats.Cards++

			if strings.Contains(html, "/status/"+mainID) && strings.Contains(html, "<time") {
				continue
			}
			uc.threadCard(ctx, cards, i, opts, seenKeys, admit, &stats)
		}

		// an iteration with nothing new that would exhaust the budget ends here
		if fresh == 0 && empty+1 >= uc.cfg.MaxConsecutiveEmpty {
			break
		}

		uc.expandReplies(ctx, b, tab)

		y, err := b.ScrollBy(ctx, tab, uc.cfg.ScrollStep)
		if err := uc.sleep(ctx, uc.jitter(500*time.Millisecond, 800*time.Millisecond)); err != nil {
			return stats, err
		}
		if fresh == 0 || err != nil || y <= lastY {
			empty++
			if empty >= uc.cfg.MaxConsecutiveEmpty {
				break
			}
		} else {
			empty = 0
		}
		lastY = y
	}

	uc.logger.Debug("thread scan finished", append([]zap.Field{zap.String("url", opts.URL)}, stats.Fields()...)...)
	return stats, nil
}

func (uc *ExtractorUsecase) threadCard(ctx context.Context, cards []repo.Element, idx int, opts ThreadScanOptions, seen map[string]bool, admit AdmitFunc, stats *ScanStats) {
	card := cards[idx]
	user := queryOne(ctx, card, selUserName)
	if user == nil {
		stats.NoUser++
		return
	}
	m := handlePattern.FindString(textOf(ctx, user))
	if m == "" {
		stats.NoHandle++
		return
	}
	handle := domain.NormalizeHandle(m)
	if uc.isProtected(handle) || (opts.Delegated != "" && handle == opts.Delegated) {
		stats.Blacklist++
		return
	}

	content := collapseSpace(textOf(ctx, queryOne(ctx, card, selTweetText)))
	if content == "" {
		stats.NoContent++
		return
	}

	statusHandle, statusID := cardStatus(ctx, card)
	key := domain.TweetKey(handle, content)
	if statusID != "" {
		key = domain.StatusKey(statusID)
	}
	if seen[key] {
		stats.Duplicate++
		return
	}
	seen[key] = true

	if replyCount(ctx, card) > 0 {
		stats.HasReplies++
		return
	}
	if opts.Delegated != "" && repliedBy(ctx, cards, idx, opts.Delegated) {
		stats.AlreadyReplied++
		return
	}

	item := domain.CandidateItem{
		Handle:       handle,
		Content:      content,
		Key:          key,
		Source:       domain.SourceTweet,
		CapturedAt:   uc.now(),
		StatusID:     statusID,
		StatusHandle: statusHandle,
		StatusURL:    domain.StatusURL(statusHandle, statusID),
		TaskURL:      opts.URL,
	}
	if ok, reason := admit(ctx, item); !ok {
		stats.reject(reason)
		return
	}
	stats.Captured++
	uc.logger.Info("captured comment", zap.String("handle", handle), zap.String("content", domain.OneLine(content, 30)))
}

// repliedBy reports whether one of the next three cards was written by handle
func repliedBy(ctx context.Context, cards []repo.Element, idx int, handle string) bool {
	for j := idx + 1; j < len(cards) && j <= idx+3; j++ {
		user := queryOne(ctx, cards[j], selUserName)
		if user == nil {
			continue
		}
		if m := handlePattern.FindString(textOf(ctx, user)); m != "" && domain.NormalizeHandle(m) == handle {
			return true
		}
	}
	return false
}

func (uc *ExtractorUsecase) expandReplies(ctx context.Context, b repo.Browser, tab repo.TabID) {
	buttons, err := b.QueryAll(ctx, tab, selButton)
	if err != nil {
		return
	}
	for _, btn := range buttons {
		if !containsAny(strings.ToLower(strings.TrimSpace(textOf(ctx, btn))), showMoreKeywords) {
			continue
		}
		if !visible(ctx, btn) {
			continue
		}
		if err := btn.Click(ctx); err == nil {
			_ = uc.sleep(ctx, time.Second)
		}
		return
	}
}

// SelectAllTab makes sure the "All" notifications tab is active
func (uc *ExtractorUsecase) SelectAllTab(ctx context.Context, b repo.Browser, tab repo.TabID) bool {
	tabs, err := b.QueryAll(ctx, tab, selRoleTab)
	if err != nil {
		return false
	}
	for _, t := range tabs {
		label := strings.ToLower(strings.TrimSpace(textOf(ctx, t)))
		if !containsExact(label, allTabLabels) {
			continue
		}
		if attrOf(ctx, t, "aria-selected") == "true" {
			return true
		}
		if err := t.Click(ctx); err != nil {
			return false
		}
		_ = uc.sleep(ctx, uc.jitter(350*time.Millisecond, time.Second))
		return true
	}
	return false
}

func containsExact(s string, values []string) bool {
	for _, v := range values {
		if s == v {
			return true
		}
	}
	return false
}

// ScanNotifications reads the newest notification cards and admits reply-like ones
func (uc *ExtractorUsecase) ScanNotifications(ctx context.Context, b repo.Browser, tab repo.TabID, opts NotificationScanOptions, admit AdmitFunc) (ScanStats, error) {
	var stats ScanStats

	cur, err := b.CurrentURL(ctx, tab)
	if err != nil {
		return stats, fmt.Errorf("failed to read tab url: %w", err)
	}
	if !strings.Contains(cur, "notifications") {
		if err := b.Navigate(ctx, tab, NotificationsURL); err != nil {
			return stats, fmt.Errorf("failed to open notifications: %w", err)
		}
		_ = uc.sleep(ctx, time.Second)
		uc.SelectAllTab(ctx, b, tab)
	}

	cards, err := b.QueryAll(ctx, tab, selArticle)
	if err != nil {
		return stats, fmt.Errorf("failed to list notifications: %w", err)
	}
	if len(cards) > uc.cfg.MaxCards {
		cards = cards[:uc.cfg.MaxCards]
	}
	cards = uc.reorder(cards)
	stats.Cards = len(cards)

	var trace []string
	seen := make(map[string]bool)
	for i, card := range cards {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line := uc.notificationCard(ctx, card, opts, seen, admit, &stats)
		if i < uc.cfg.TraceCards {
			trace = append(trace, fmt.Sprintf("A%02d %s", i+1, line))
		}
	}

	fields := stats.Fields()
	uc.logger.Debug("notification scan finished", fields...)
	if len(cards) > 0 && (stats.Captured == 0 || stats.Errors > 0) {
		for _, t := range trace {
			uc.logger.Debug("notification trace", zap.String("card", t))
		}
	}
	return stats, nil
}

func (uc *ExtractorUsecase) notificationCard(ctx context.Context, card repo.Element, opts NotificationScanOptions, seen map[string]bool, admit AdmitFunc, stats *ScanStats) string {
	text, err := card.Text(ctx)
	if err != nil {
		stats.Errors++
		return "skip=error err=" + domain.OneLine(err.Error(), 160)
	}
	if strings.TrimSpace(text) == "" {
		stats.EmptyText++
		return "skip=empty_text"
	}
	sample := domain.OneLine(text, 120)
	lower := strings.ToLower(text)

	replyLike := containsAny(lower, replyHintKeywords)
	if !replyLike && containsAny(lower, interactionKeywords) {
		stats.Interaction++
		return "skip=interaction text=" + sample
	}

	statusHandle, statusID := cardStatus(ctx, card)
	if statusID == "" {
		if !replyLike {
			stats.NonReply++
			return "skip=non_reply text=" + sample
		}
		stats.NoStatus++
	}

	if age, ok := cardAge(ctx, card, uc.now()); ok && age > uc.cfg.RecentWindow {
		stats.Old++
		return fmt.Sprintf("skip=old age=%s status_id=%s", age.Round(time.Second), statusID)
	}

	handle := statusHandle
	if handle == "" {
		handle = cardHandle(ctx, card, text)
	}
	if handle == "" {
		stats.NoHandle++
		return "skip=no_handle text=" + sample
	}
	if uc.isProtected(handle) && handle != opts.Delegated {
		stats.Blacklist++
		return "skip=blacklist handle=" + handle
	}

	content := cardContent(ctx, card, text, handle)
	if content == "" {
		stats.NoContent++
		return "skip=no_content handle=" + handle
	}

	var key string
	if statusID != "" {
		key = domain.StatusKey(statusID)
	} else {
		key = domain.FallbackKey(opts.KeySalt, handle, content, cardTimeToken(ctx, card))
	}
	if seen[key] {
		stats.Duplicate++
		return "skip=duplicate key=" + key
	}
	seen[key] = true

	item := domain.CandidateItem{
		Handle:       handle,
		Content:      content,
		Key:          key,
		Source:       domain.SourceNotification,
		CapturedAt:   uc.now(),
		StatusID:     statusID,
		StatusHandle: statusHandle,
		StatusURL:    domain.StatusURL(statusHandle, statusID),
	}
	if ok, reason := admit(ctx, item); !ok {
		stats.reject(reason)
		return "skip=" + reason + " key=" + key
	}
	stats.Captured++
	uc.logger.Info("captured notification", zap.String("handle", handle), zap.String("status_id", statusID), zap.String("content", domain.OneLine(content, 20)))
	return fmt.Sprintf("pass handle=%s status_id=%s content=%s", handle, statusID, domain.OneLine(content, 60))
}
