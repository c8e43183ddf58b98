package usecase

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
)

// sleepCtx waits d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// randDuration returns a uniform duration in [min, max]
func randDuration(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)+1))
}

// PacerConfig tunes the rate limiter in front of visible actions
type PacerConfig struct {
	GapMin           time.Duration
	GapMax           time.Duration
	FailureWindow    time.Duration
	FailureCooldown  time.Duration
	DMUnavailableTTL time.Duration
	FastLaneBacklog  int
	FastLaneRate     float64
	FastLaneFactor   float64
	HeadlessFactor   float64
	HeadedFactor     float64
	MaxStreakFactor  float64
	OutcomeWindow    int
}

// DefaultPacerConfig returns the production pacing
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		GapMin:           2 * time.Second,
		GapMax:           5 * time.Second,
		FailureWindow:    30 * time.Minute,
		FailureCooldown:  45 * time.Second,
		DMUnavailableTTL: 12 * time.Hour,
		FastLaneBacklog:  8,
		FastLaneRate:     0.85,
		FastLaneFactor:   0.7,
		HeadlessFactor:   1.35,
		HeadedFactor:     1.0,
		MaxStreakFactor:  3.0,
		OutcomeWindow:    20,
	}
}

// Pacer spaces out externally visible actions and keeps the failure
// bookkeeping that biases the spacing. It never blocks an action outright.
type Pacer struct {
	cfg   PacerConfig
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	rng           *rand.Rand
	headless      bool
	streak        int
	outcomes      []bool
	lastAction    time.Time
	failures      map[string]domain.ReplyFailureRecord
	dmUnavailable map[string]time.Time
}

// NewPacer creates a pacer
func NewPacer(cfg PacerConfig) *Pacer {
	def := DefaultPacerConfig()
	if cfg.GapMin <= 0 {
		cfg.GapMin = def.GapMin
	}
	if cfg.GapMax < cfg.GapMin {
		cfg.GapMax = cfg.GapMin
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = def.FailureCooldown
	}
	if cfg.DMUnavailableTTL <= 0 {
		cfg.DMUnavailableTTL = def.DMUnavailableTTL
	}
	if cfg.FastLaneBacklog <= 0 {
		cfg.FastLaneBacklog = def.FastLaneBacklog
	}
	if cfg.FastLaneRate <= 0 {
		cfg.FastLaneRate = def.FastLaneRate
	}
	if cfg.FastLaneFactor <= 0 {
		cfg.FastLaneFactor = def.FastLaneFactor
	}
	if cfg.HeadlessFactor <= 0 {
		cfg.HeadlessFactor = def.HeadlessFactor
	}
	if cfg.HeadedFactor <= 0 {
		cfg.HeadedFactor = def.HeadedFactor
	}
	if cfg.MaxStreakFactor < 1 {
		cfg.MaxStreakFactor = def.MaxStreakFactor
	}
	if cfg.OutcomeWindow <= 0 {
		cfg.OutcomeWindow = def.OutcomeWindow
	}
	return &Pacer{
		cfg:           cfg,
		now:           time.Now,
		sleep:         sleepCtx,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		failures:      make(map[string]domain.ReplyFailureRecord),
		dmUnavailable: make(map[string]time.Time),
	}
}

// SetHeadless selects the humanization multiplier
func (p *Pacer) SetHeadless(headless bool) {
	p.mu.Lock()
	p.headless = headless
	p.mu.Unlock()
}

func (p *Pacer) successRateLocked() float64 {
	if len(p.outcomes) == 0 {
		return 0
	}
	ok := 0
	for _, o := range p.outcomes {
		if o {
			ok++
		}
	}
	return float64(ok) / float64(len(p.outcomes))
}

// SuccessRate is the share of successes among the recent outcomes
func (p *Pacer) SuccessRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.successRateLocked()
}

// Streak is the number of consecutive failures
func (p *Pacer) Streak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streak
}

// Delay computes the wait before the next visible action for handle
func (p *Pacer) Delay(handle string, backlog int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	gap := float64(randDuration(p.rng, p.cfg.GapMin, p.cfg.GapMax))

	streakFactor := 1 + 0.5*float64(p.streak)
	if streakFactor > p.cfg.MaxStreakFactor {
		streakFactor = p.cfg.MaxStreakFactor
	}
	gap *= streakFactor

	now := p.now()
	if rec, ok := p.failures[domain.NormalizeHandle(handle)]; ok && rec.Active(now, p.cfg.FailureWindow) {
		f := 1 + 0.3*float64(rec.Count)
		if f > 2.5 {
			f = 2.5
		}
		gap *= f
	}

	if p.streak == 0 && backlog >= p.cfg.FastLaneBacklog && p.successRateLocked() >= p.cfg.FastLaneRate {
		gap *= p.cfg.FastLaneFactor
	}

	if p.headless {
		gap *= p.cfg.HeadlessFactor
	} else {
		gap *= p.cfg.HeadedFactor
	}

	d := time.Duration(gap)
	if !p.lastAction.IsZero() {
		d -= now.Sub(p.lastAction)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Wait sleeps out the pacing gap and stamps the action time
func (p *Pacer) Wait(ctx context.Context, handle string, backlog int) error {
	if err := p.sleep(ctx, p.Delay(handle, backlog)); err != nil {
		return err
	}
	p.mu.Lock()
	p.lastAction = p.now()
	p.mu.Unlock()
	return nil
}

func (p *Pacer) recordOutcomeLocked(ok bool) {
	p.outcomes = append(p.outcomes, ok)
	if len(p.outcomes) > p.cfg.OutcomeWindow {
		p.outcomes = p.outcomes[len(p.outcomes)-p.cfg.OutcomeWindow:]
	}
}

// RecordSuccess resets the failure streak and the handle's record
func (p *Pacer) RecordSuccess(handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streak = 0
	p.recordOutcomeLocked(true)
	delete(p.failures, domain.NormalizeHandle(handle))
}

// RecordFailure extends the streak and the handle's rolling failure window
func (p *Pacer) RecordFailure(handle, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streak++
	p.recordOutcomeLocked(false)
	h := domain.NormalizeHandle(handle)
	if h == "" {
		return
	}
	rec := p.failures[h]
	rec.Handle = h
	rec.Record(reason, p.now(), p.cfg.FailureWindow, p.cfg.FailureCooldown)
	p.failures[h] = rec
}

// Failure returns the handle's failure record
func (p *Pacer) Failure(handle string) (domain.ReplyFailureRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.failures[domain.NormalizeHandle(handle)]
	return rec, ok
}

// MarkDMUnavailable caches that handle does not accept DMs
func (p *Pacer) MarkDMUnavailable(handle string) {
	h := domain.NormalizeHandle(handle)
	if h == "" {
		return
	}
	p.mu.Lock()
	p.dmUnavailable[h] = p.now().Add(p.cfg.DMUnavailableTTL)
	p.mu.Unlock()
}

// DMUnavailable reports whether handle is cached as DM-closed
func (p *Pacer) DMUnavailable(handle string) bool {
	h := domain.NormalizeHandle(handle)
	p.mu.Lock()
	defer p.mu.Unlock()
	exp, ok := p.dmUnavailable[h]
	if !ok {
		return false
	}
	if !p.now().Before(exp) {
		delete(p.dmUnavailable, h)
		return false
	}
	return true
}

// Trim drops expired DM cache entries and stale failure records
func (p *Pacer) Trim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for h, exp := range p.dmUnavailable {
		if !now.Before(exp) {
			delete(p.dmUnavailable, h)
		}
	}
	for h, rec := range p.failures {
		if !rec.Active(now, p.cfg.FailureWindow) {
			delete(p.failures, h)
		}
	}
}

// Export copies the persisted bookkeeping
func (p *Pacer) Export() (map[string]time.Time, map[string]domain.ReplyFailureRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dm := make(map[string]time.Time, len(p.dmUnavailable))
	for k, v := range p.dmUnavailable {
		dm[k] = v
	}
	fails := make(map[string]domain.ReplyFailureRecord, len(p.failures))
	for k, v := range p.failures {
		fails[k] = v
	}
	return dm, fails
}

// Import restores persisted bookkeeping
func (p *Pacer) Import(dm map[string]time.Time, fails map[string]domain.ReplyFailureRecord) {
	p.mu.Lock()
	for k, v := range dm {
		p.dmUnavailable[domain.NormalizeHandle(k)] = v
	}
	for k, v := range fails {
		p.failures[domain.NormalizeHandle(k)] = v
	}
	p.mu.Unlock()
	p.Trim()
}
