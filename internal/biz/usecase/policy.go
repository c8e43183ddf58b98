package usecase

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

// Skip reasons reported by PolicyUsecase
const (
	SkipBlockedMention = "blocked_mention"
	SkipEmojiOnly      = "emoji_only"
	SkipLLM            = "llm"
)

// PolicyConfig configures the content filter
type PolicyConfig struct {
	BlockedMentions []string
	CacheTTL        time.Duration
	CacheMax        int
}

type verdict struct {
	skip   bool
	reason string
	at     time.Time
}

// PolicyUsecase decides whether a candidate should be suppressed
type PolicyUsecase struct {
	classifier repo.ClassifierRepo
	logger     *zap.Logger
	now        func() time.Time

	llmEnabled atomic.Bool

	mu       sync.Mutex
	blocked  []string
	cfg      PolicyConfig
	cache    map[string]verdict
	inflight map[string]chan struct{}
}

// NewPolicyUsecase creates a new policy filter. classifier may be nil.
func NewPolicyUsecase(classifier repo.ClassifierRepo, cfg PolicyConfig, logger *zap.Logger) *PolicyUsecase {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 12 * time.Hour
	}
	if cfg.CacheMax <= 0 {
		cfg.CacheMax = 5000
	}
	uc := &PolicyUsecase{
		classifier: classifier,
		logger:     logger.Named("policy"),
		now:        time.Now,
		cfg:        cfg,
		cache:      make(map[string]verdict),
		inflight:   make(map[string]chan struct{}),
	}
	uc.SetBlockedMentions(cfg.BlockedMentions)
	uc.llmEnabled.Store(classifier != nil)
	return uc
}

// SetBlockedMentions replaces the always-blocked mention list
func (uc *PolicyUsecase) SetBlockedMentions(mentions []string) {
	blocked := make([]string, 0, len(mentions))
	for _, m := range mentions {
		if h := domain.NormalizeHandle(m); h != "" {
			blocked = append(blocked, h)
		}
	}
	uc.mu.Lock()
	uc.blocked = blocked
	uc.mu.Unlock()
}

// SetLLMEnabled toggles the LLM stage; it stays off without a classifier
func (uc *PolicyUsecase) SetLLMEnabled(enabled bool) {
	uc.llmEnabled.Store(enabled && uc.classifier != nil)
}

// IsLLMEnabled returns whether the LLM stage runs
func (uc *PolicyUsecase) IsLLMEnabled() bool {
	return uc.llmEnabled.Load()
}

// ShouldSkip runs the rule checks and then the optional LLM classifier.
// Classifier failures never suppress content.
func (uc *PolicyUsecase) ShouldSkip(ctx context.Context, content string) (bool, string) {
	if m := uc.blockedMention(content); m != "" {
		return true, SkipBlockedMention + ":" + m
	}
	if strings.TrimSpace(content) != "" && domain.IsEmojiOnly(content) {
		return true, SkipEmojiOnly
	}
	if !uc.llmEnabled.Load() {
		return false, ""
	}
	return uc.classify(ctx, content)
}

func (uc *PolicyUsecase) blockedMention(content string) string {
	uc.mu.Lock()
	blocked := uc.blocked
	uc.mu.Unlock()
	if len(blocked) == 0 {
		return ""
	}
	for _, m := range handlePattern.FindAllString(content, -1) {
		h := domain.NormalizeHandle(m)
		for _, b := range blocked {
			if h == b {
				return b
			}
		}
	}
	return ""
}

func (uc *PolicyUsecase) classify(ctx context.Context, content string) (bool, string) {
	sig := domain.ContentHash(content)

	for {
		uc.mu.Lock()
		if v, ok := uc.cache[sig]; ok && uc.now().Sub(v.at) <= uc.cfg.CacheTTL {
			uc.mu.Unlock()
			return v.skip, v.reason
		}
		wait, busy := uc.inflight[sig]
		if !busy {
			uc.inflight[sig] = make(chan struct{})
			uc.mu.Unlock()
			break
		}
		uc.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return false, ""
		}
	}

	skip, reason, err := uc.classifier.Classify(ctx, content)

	uc.mu.Lock()
	done := uc.inflight[sig]
	delete(uc.inflight, sig)
	if err == nil {
		if skip {
			reason = SkipLLM + ":" + strings.TrimSpace(reason)
		} else {
			reason = ""
		}
		uc.cache[sig] = verdict{skip: skip, reason: reason, at: uc.now()}
		uc.pruneLocked()
	}
	uc.mu.Unlock()
	close(done)

	if err != nil {
		uc.logger.Warn("classifier failed, keeping content", zap.Error(err))
		return false, ""
	}
	return skip, reason
}

func (uc *PolicyUsecase) pruneLocked() {
	now := uc.now()
	for k, v := range uc.cache {
		if now.Sub(v.at) > uc.cfg.CacheTTL {
			delete(uc.cache, k)
		}
	}
	for len(uc.cache) > uc.cfg.CacheMax {
		oldestKey, oldest := "", now
		for k, v := range uc.cache {
			if oldestKey == "" || v.at.Before(oldest) {
				oldestKey, oldest = k, v.at
			}
		}
		delete(uc.cache, oldestKey)
	}
}
