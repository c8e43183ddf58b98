package usecase

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

// Match scoring weights
const (
	scoreStatusMatch   = 260
	scoreHandleExact   = 100
	scoreHandlePartial = 50
	scoreContentMatch  = 80
	scoreContentPivot  = 35
	scoreReplyControl  = 20

	contentPivotRunes    = 12
	contentPivotMinRunes = 6
)

// MatcherConfig holds thresholds and locate limits
type MatcherConfig struct {
	StrictThreshold int // required when a target status id is known
	LooseThreshold  int // required when matching on handle/content only
	MaxCards        int
	Attempts        int
	ScrollStep      int
}

// DefaultMatcherConfig returns the production thresholds
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		StrictThreshold: 260,
		LooseThreshold:  120,
		MaxCards:        80,
		Attempts:        5,
		ScrollStep:      720,
	}
}

// MatchTarget identifies the item to re-locate
type MatchTarget struct {
	StatusID string
	Handle   string
	Content  string
}

// Match is the best card found for a target
type Match struct {
	Card         repo.Element
	Reply        repo.Element
	Score        int
	StatusID     string
	StatusHandle string
}

// MatcherUsecase re-locates a known item inside the live DOM
type MatcherUsecase struct {
	cfg    MatcherConfig
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewMatcherUsecase creates a new matcher
func NewMatcherUsecase(cfg MatcherConfig, logger *zap.Logger) *MatcherUsecase {
	def := DefaultMatcherConfig()
	if cfg.StrictThreshold <= 0 {
		cfg.StrictThreshold = def.StrictThreshold
	}
	if cfg.LooseThreshold <= 0 {
		cfg.LooseThreshold = def.LooseThreshold
	}
	if cfg.MaxCards <= 0 {
		cfg.MaxCards = def.MaxCards
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.ScrollStep <= 0 {
		cfg.ScrollStep = def.ScrollStep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MatcherUsecase{cfg: cfg, logger: logger.Named("matcher"), sleep: sleepCtx}
}

// Threshold returns the score a match needs for target
func (uc *MatcherUsecase) Threshold(t MatchTarget) int {
	if domain.CanonicalStatusID(t.StatusID) != "" {
		return uc.cfg.StrictThreshold
	}
	return uc.cfg.LooseThreshold
}

// MatchCard scores every card against target and returns the best candidate.
// Cards that carry a different status id, or have no visible reply control,
// are never selected. The returned match may still be below threshold.
func (uc *MatcherUsecase) MatchCard(ctx context.Context, cards []repo.Element, t MatchTarget) Match {
	targetID := domain.CanonicalStatusID(t.StatusID)
	targetHandle := domain.NormalizeHandle(t.Handle)
	targetContent := domain.NormalizeContent(t.Content)

	if len(cards) > uc.cfg.MaxCards {
		cards = cards[:uc.cfg.MaxCards]
	}

	best := Match{Score: -1}
	for _, card := range cards {
		score := 0
		matchedHandle, matchedID := "", ""

		if targetID != "" {
			ids := cardStatusIDs(ctx, card)
			if ids[targetID] {
				score += scoreStatusMatch
				matchedID = targetID
				matchedHandle = statusHandleFor(ctx, card, targetID)
			} else if len(ids) > 0 {
				continue
			}
		}
		if matchedID == "" {
			matchedHandle, matchedID = cardStatus(ctx, card)
		}

		text := textOf(ctx, card)
		handle := cardHandle(ctx, card, text)
		if handle == "" {
			handle = matchedHandle
		}
		if targetHandle != "" && handle != "" {
			switch {
			case handle == targetHandle:
				score += scoreHandleExact
			case strings.Contains(handle, strings.TrimPrefix(targetHandle, "@")) ||
				strings.Contains(targetHandle, strings.TrimPrefix(handle, "@")):
				score += scoreHandlePartial
			}
		}

		if targetContent != "" {
			score += contentScore(targetContent, domain.NormalizeContent(cardContent(ctx, card, text, handle)))
		}

		reply := queryOne(ctx, card, selReply)
		if !visible(ctx, reply) {
			continue
		}
		score += scoreReplyControl

		if score > best.Score {
			best = Match{Card: card, Reply: reply, Score: score, StatusID: matchedID, StatusHandle: matchedHandle}
		}
	}
	if best.Card == nil {
		return Match{}
	}
	return best
}

func contentScore(target, card string) int {
	if card == "" {
		return 0
	}
	if strings.Contains(card, target) || strings.Contains(target, card) {
		return scoreContentMatch
	}
	pivot := domain.Truncate(target, contentPivotRunes)
	if len([]rune(pivot)) >= contentPivotMinRunes && strings.Contains(card, pivot) {
		return scoreContentPivot
	}
	return 0
}

func statusHandleFor(ctx context.Context, card repo.Element, id string) string {
	for _, a := range queryAll(ctx, card, selLink) {
		if h, sid := domain.StatusFromHref(attrOf(ctx, a, "href")); sid == id && h != "" {
			return h
		}
	}
	return ""
}

// Accept reports whether m clears the threshold for t
func (uc *MatcherUsecase) Accept(m Match, t MatchTarget) bool {
	return m.Card != nil && m.Reply != nil && m.Score >= uc.Threshold(t)
}

// Locate searches the live page for target, scrolling between attempts and
// calling prepare once more (refresh, tab select) on the third miss.
func (uc *MatcherUsecase) Locate(ctx context.Context, b repo.Browser, tab repo.TabID, t MatchTarget, prepare func(ctx context.Context) error) (Match, error) {
	var last Match
	for attempt := 0; attempt < uc.cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		if attempt == 2 && last.Card == nil && prepare != nil {
			if err := prepare(ctx); err != nil {
				uc.logger.Debug("prepare before rematch failed", zap.Error(err))
			}
		}
		cards, err := b.QueryAll(ctx, tab, selArticle)
		if err != nil {
			cards = nil
		}
		last = uc.MatchCard(ctx, cards, t)
		if uc.Accept(last, t) {
			uc.logger.Debug("card located",
				zap.Int("score", last.Score),
				zap.String("status_id", last.StatusID),
				zap.String("handle", last.StatusHandle))
			return last, nil
		}
		if _, err := b.ScrollBy(ctx, tab, uc.cfg.ScrollStep); err != nil {
			uc.logger.Debug("scroll failed", zap.Error(err))
		}
		if err := uc.sleep(ctx, 700*time.Millisecond); err != nil {
			return last, err
		}
	}
	if last.Card == nil {
		return last, domain.TargetState(domain.StageLocatePendingCard, nil, "target card not found on page")
	}
	return last, domain.TargetState(domain.StageLocatePendingCard, nil,
		"card match confidence too low (score=%d, need %d)", last.Score, uc.Threshold(t))
}
