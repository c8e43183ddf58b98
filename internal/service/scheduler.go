package service

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/usecase"
)

const scrollTopJS = `() => { window.scrollTo(0, 0); return "" }`

// SchedulerConfig is the cadence of the monitoring loop. Every pair is a
// uniform random range.
type SchedulerConfig struct {
	NotifyIntervalMin time.Duration
	NotifyIntervalMax time.Duration
	RefreshMin        time.Duration
	RefreshMax        time.Duration
	RefreshSettleMin  time.Duration
	RefreshSettleMax  time.Duration

	ParallelMin     int
	ParallelMax     int
	SubmitJitterMin time.Duration
	SubmitJitterMax time.Duration
	BatchGapMin     time.Duration
	BatchGapMax     time.Duration
	TabOpenMin      time.Duration
	TabOpenMax      time.Duration
	RoundRestMin    time.Duration
	RoundRestMax    time.Duration

	MaintenanceMin  time.Duration
	MaintenanceMax  time.Duration
	LightRefreshGap time.Duration

	SaveInterval time.Duration
	IdleWait     time.Duration // no tasks, notifications off
	NotifyWait   time.Duration // no tasks, notifications on

	DisconnectRestart int
}

// DefaultSchedulerConfig returns the production cadence
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		NotifyIntervalMin: 6 * time.Second,
		NotifyIntervalMax: 12 * time.Second,
		RefreshMin:        25 * time.Second,
		RefreshMax:        55 * time.Second,
		RefreshSettleMin:  800 * time.Millisecond,
		RefreshSettleMax:  1800 * time.Millisecond,
		ParallelMin:       2,
		ParallelMax:       5,
		SubmitJitterMin:   180 * time.Millisecond,
		SubmitJitterMax:   950 * time.Millisecond,
		BatchGapMin:       1 * time.Second,
		BatchGapMax:       3200 * time.Millisecond,
		TabOpenMin:        200 * time.Millisecond,
		TabOpenMax:        1200 * time.Millisecond,
		RoundRestMin:      20 * time.Second,
		RoundRestMax:      40 * time.Second,
		MaintenanceMin:    40 * time.Minute,
		MaintenanceMax:    70 * time.Minute,
		LightRefreshGap:   1200 * time.Millisecond,
		SaveInterval:      60 * time.Second,
		IdleWait:          5 * time.Second,
		NotifyWait:        1 * time.Second,
		DisconnectRestart: 3,
	}
}

// SaveFunc persists the monitor state
type SaveFunc func(ctx context.Context) error

// Scheduler drives the monitoring loop: thread scan rounds, notification
// scans between and during rests, browser maintenance and periodic saves.
// Run is single-goroutine apart from the scan batches it fans out.
type Scheduler struct {
	cfg       SchedulerConfig
	state     *MonitorState
	session   *usecase.SessionManager
	extractor *usecase.ExtractorUsecase
	save      SaveFunc
	logger    *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand

	// bounds concurrently open scan tabs across batches
	tabs *semaphore.Weighted

	// loop state, owned by Run
	nextNotify  time.Time
	nextRefresh time.Time
	nextMaint   time.Time
	lastSave    time.Time
	disconnects int
}

// NewScheduler creates a new scheduler
func NewScheduler(
	cfg SchedulerConfig,
	state *MonitorState,
	session *usecase.SessionManager,
	extractor *usecase.ExtractorUsecase,
	save SaveFunc,
	logger *zap.Logger,
) *Scheduler {
	if cfg.ParallelMax <= 0 {
		cfg.ParallelMax = 1
	}
	if cfg.ParallelMin <= 0 || cfg.ParallelMin > cfg.ParallelMax {
		cfg.ParallelMin = 1
	}
	if cfg.DisconnectRestart <= 0 {
		cfg.DisconnectRestart = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if save == nil {
		save = func(context.Context) error { return nil }
	}
	return &Scheduler{
		cfg:       cfg,
		state:     state,
		session:   session,
		extractor: extractor,
		save:      save,
		logger:    logger.Named("scheduler"),
		now:       time.Now,
		sleep:     sleepCtx,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		tabs:      semaphore.NewWeighted(int64(cfg.ParallelMax)),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Scheduler) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return lo + time.Duration(s.rng.Int63n(int64(hi-lo)+1))
}

func (s *Scheduler) intn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

// Run blocks until ctx is cancelled. Browser failures are logged and healed,
// only a failure to start the browser at all is returned. The delegated
// account is restored by the session's restart hooks.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.session.Browser(ctx); err != nil {
		return err
	}

	now := s.now()
	s.lastSave = now
	s.nextMaint = now.Add(s.between(s.cfg.MaintenanceMin, s.cfg.MaintenanceMax))
	if s.state.Notification() {
		if _, _, err := s.session.Tab(ctx, usecase.TabNotification); err != nil {
			s.logger.Warn("notification tab init failed", zap.Error(err))
		}
	}
	s.logger.Info("monitor loop started",
		zap.Int("tasks", len(s.state.Tasks())),
		zap.Bool("notification", s.state.Notification()))

	defer s.logger.Info("monitor loop stopped")
	for ctx.Err() == nil {
		s.tick(ctx)
	}
	return nil
}

// tick is one pass of the loop
func (s *Scheduler) tick(ctx context.Context) {
	s.scanNotifications(ctx)

	tasks := s.state.Tasks()
	switch {
	case len(tasks) > 0:
		s.runRound(ctx, tasks)
		s.rest(ctx, s.between(s.cfg.RoundRestMin, s.cfg.RoundRestMax))
	case !s.state.Notification():
		_ = s.sleep(ctx, s.cfg.IdleWait)
	default:
		_ = s.sleep(ctx, s.cfg.NotifyWait)
	}
	if ctx.Err() != nil {
		return
	}

	s.maintain(ctx)
	s.housekeep(ctx, false)
}

// rest waits d while keeping the notification scans going
func (s *Scheduler) rest(ctx context.Context, d time.Duration) {
	deadline := s.now().Add(d)
	for ctx.Err() == nil {
		left := deadline.Sub(s.now())
		if left <= 0 {
			return
		}
		s.scanNotifications(ctx)
		if err := s.sleep(ctx, min(left, s.cfg.NotifyWait)); err != nil {
			return
		}
	}
}

// batchSize picks the parallelism for one batch of a round with n tasks
func (s *Scheduler) batchSize(n int) int {
	if n <= 1 {
		return 1
	}
	lo := min(s.cfg.ParallelMin, n)
	hi := min(s.cfg.ParallelMax, n)
	if hi <= lo {
		return lo
	}
	return lo + s.intn(hi-lo+1)
}

// runRound scans every task once, shuffled, in random-size concurrent batches
func (s *Scheduler) runRound(ctx context.Context, tasks []domain.ScanTask) {
	order := make([]string, 0, len(tasks))
	for _, t := range tasks {
		order = append(order, t.URL)
	}
	s.rngMu.Lock()
	s.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	s.rngMu.Unlock()

	log := s.logger.With(zap.String("round", uuid.NewString()[:8]))
	log.Debug("scan round started", zap.Int("tasks", len(order)))

	for len(order) > 0 && ctx.Err() == nil {
		n := s.batchSize(len(order))
		batch := order[:n]
		order = order[n:]

		g, gctx := errgroup.WithContext(ctx)
		for i, url := range batch {
			if i > 0 {
				if err := s.sleep(ctx, s.between(s.cfg.SubmitJitterMin, s.cfg.SubmitJitterMax)); err != nil {
					break
				}
			}
			g.Go(func() error {
				s.scanTask(gctx, log, url)
				return nil
			})
		}
		_ = g.Wait()

		s.scanNotifications(ctx)
		if len(order) > 0 {
			_ = s.sleep(ctx, s.between(s.cfg.BatchGapMin, s.cfg.BatchGapMax))
		}
	}
}

// scanTask opens a scan tab for one thread, scans it and closes the tab
func (s *Scheduler) scanTask(ctx context.Context, log *zap.Logger, url string) {
	if err := s.tabs.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.tabs.Release(1)

	if err := s.sleep(ctx, s.between(s.cfg.TabOpenMin, s.cfg.TabOpenMax)); err != nil {
		return
	}
	b, tab, err := s.session.OpenScanTab(ctx, "about:blank")
	if err != nil {
		log.Warn("open scan tab failed", zap.String("url", url), zap.Error(err))
		return
	}
	defer s.session.CloseScanTab(context.WithoutCancel(ctx), b, tab)

	opts := usecase.ThreadScanOptions{URL: url, Delegated: s.state.Account().Target()}
	stats, err := s.extractor.ScanThread(ctx, b, tab, opts, s.state.Admit)
	s.state.TouchTask(url, s.now())
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("thread scan failed", zap.String("url", url), zap.Error(err))
		}
		return
	}
	fields := append([]zap.Field{zap.String("url", url)}, stats.Fields()...)
	log.Info("thread scanned", fields...)
}

// scanNotifications runs one notifications pass when it is due
func (s *Scheduler) scanNotifications(ctx context.Context) {
	if !s.state.Notification() || ctx.Err() != nil {
		return
	}
	now := s.now()
	if now.Before(s.nextNotify) {
		return
	}
	defer func() {
		s.nextNotify = s.now().Add(s.between(s.cfg.NotifyIntervalMin, s.cfg.NotifyIntervalMax))
	}()

	b, tab, err := s.session.Tab(ctx, usecase.TabNotification)
	if err != nil {
		s.logger.Warn("notification tab unavailable", zap.Error(err))
		s.onDisconnect(ctx)
		return
	}

	if !now.Before(s.nextRefresh) {
		if err := b.Reload(ctx, tab); err != nil {
			s.logger.Debug("notification refresh failed", zap.Error(err))
		}
		_ = s.sleep(ctx, s.between(s.cfg.RefreshSettleMin, s.cfg.RefreshSettleMax))
		s.nextRefresh = s.now().Add(s.between(s.cfg.RefreshMin, s.cfg.RefreshMax))
	}
	s.extractor.SelectAllTab(ctx, b, tab)
	if _, err := b.Eval(ctx, tab, scrollTopJS); err != nil {
		s.logger.Debug("scroll to top failed", zap.Error(err))
	}

	opts := usecase.NotificationScanOptions{
		Delegated: s.state.Account().Target(),
		KeySalt:   s.state.KeySalt(),
	}
	stats, err := s.extractor.ScanNotifications(ctx, b, tab, opts, s.state.Admit)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if isDisconnect(err) {
			s.logger.Warn("notification tab disconnected", zap.Error(err))
			s.onDisconnect(ctx)
			return
		}
		s.logger.Warn("notification scan failed", zap.Error(err))
		if rerr := b.Reload(ctx, tab); rerr != nil {
			s.logger.Debug("notification reload failed", zap.Error(rerr))
		}
		return
	}

	s.disconnects = 0
	if stats.Captured > 0 {
		s.logger.Info("notifications scanned", stats.Fields()...)
		s.housekeep(ctx, true)
	}
}

// onDisconnect recreates the notification tab and restarts the browser
// after repeated failures
func (s *Scheduler) onDisconnect(ctx context.Context) {
	s.disconnects++
	if s.disconnects >= s.cfg.DisconnectRestart {
		s.logger.Warn("notification tab keeps disconnecting, restarting browser",
			zap.Int("streak", s.disconnects))
		s.disconnects = 0
		if err := s.session.Restart(ctx); err != nil {
			s.logger.Error("browser restart failed", zap.Error(err))
		}
		s.nextRefresh = time.Time{}
		return
	}
	if _, _, err := s.session.RecreateTab(ctx, usecase.TabNotification); err != nil {
		s.logger.Warn("notification tab recreate failed", zap.Error(err))
	}
	s.nextRefresh = time.Time{}
}

func isDisconnect(err error) bool {
	if errors.Is(err, repo.ErrTabClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "disconnected") || strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "websocket")
}

// maintain refreshes or restarts the browser when the maintenance interval elapsed.
// A confirmed delegated session is kept by a light refresh; anything else restarts.
func (s *Scheduler) maintain(ctx context.Context) {
	if s.now().Before(s.nextMaint) {
		return
	}
	defer func() {
		s.nextMaint = s.now().Add(s.between(s.cfg.MaintenanceMin, s.cfg.MaintenanceMax))
	}()

	acct := s.state.Account()
	light := acct.OnTarget() && acct.SwitchConfirmed && s.session.Running()
	if light {
		if err := s.lightRefresh(ctx); err != nil {
			s.logger.Warn("light refresh failed, restarting", zap.Error(err))
			light = false
		}
	}
	if !light {
		s.logger.Info("browser maintenance restart")
		if err := s.session.Restart(ctx); err != nil {
			s.logger.Error("maintenance restart failed", zap.Error(err))
			return
		}
	}

	s.session.CloseTab(ctx, usecase.TabNotification)
	s.nextNotify = time.Time{}
	s.nextRefresh = time.Time{}
	s.disconnects = 0
	if s.state.Notification() {
		if _, _, err := s.session.Tab(ctx, usecase.TabNotification); err != nil {
			s.logger.Warn("notification tab re-init failed", zap.Error(err))
		}
	}
}

func (s *Scheduler) lightRefresh(ctx context.Context) error {
	b, tab, err := s.session.Tab(ctx, usecase.TabMain)
	if err != nil {
		return err
	}
	if err := b.Navigate(ctx, tab, usecase.HomeURL); err != nil {
		return err
	}
	if err := s.sleep(ctx, s.cfg.LightRefreshGap); err != nil {
		return err
	}
	if err := b.Reload(ctx, tab); err != nil {
		return err
	}
	s.logger.Info("browser light refresh done")
	return nil
}

// housekeep trims history and saves when forced or when the save interval elapsed
func (s *Scheduler) housekeep(ctx context.Context, force bool) {
	now := s.now()
	if !force && now.Sub(s.lastSave) < s.cfg.SaveInterval {
		return
	}
	s.lastSave = now
	history, signatures := s.state.Trim()
	s.logger.Debug("dedupe trimmed", zap.Int("history", history), zap.Int("signatures", signatures))
	if err := s.save(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("save failed", zap.Error(err))
	}
}
