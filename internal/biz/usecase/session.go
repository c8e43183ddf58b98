package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

// TabName names one of the long-lived tabs
type TabName string

const (
	TabMain         TabName = "main"
	TabNotification TabName = "notification"
	TabReply        TabName = "reply"
)

var tabHome = map[TabName]string{
	TabMain:         HomeURL,
	TabNotification: NotificationsURL,
	TabReply:        NotificationsURL,
}

// ErrHeadedUnavailable is returned when a headed relaunch is not allowed
var ErrHeadedUnavailable = errors.New("headed fallback not available")

// SessionConfig configures the browser session
type SessionConfig struct {
	BrowserBin          string
	ProfileDir          string
	PersistProfile      bool
	HeadlessTempProfile bool
	HeadedFallback      bool
	LaunchAttempts      int
	Proxy               string
	Headless            bool
}

// RestartHook runs after every successful browser launch
type RestartHook func(ctx context.Context)

// SessionManager owns the single browser process, its profile directory
// and the named tabs. Its mutex is the browser-operations lock.
type SessionManager struct {
	cfg      SessionConfig
	launcher repo.Launcher
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu             sync.Mutex
	browser        repo.Browser
	profileDir     string
	tempProfile    bool
	headless       bool
	forceHeaded    bool
	token          string
	tabs           map[TabName]repo.TabID
	scanTabs       map[repo.TabID]bool
	passcodeWarmed bool
	generation     int

	hooksMu sync.Mutex
	hooks   []RestartHook
}

// NewSessionManager creates a session manager; nothing is launched until first use
func NewSessionManager(launcher repo.Launcher, cfg SessionConfig, logger *zap.Logger) *SessionManager {
	if cfg.LaunchAttempts <= 0 {
		cfg.LaunchAttempts = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger.Named("session"),
		sleep:    sleepCtx,
		headless: cfg.Headless,
		tabs:     make(map[TabName]repo.TabID),
		scanTabs: make(map[repo.TabID]bool),
	}
}

// OnRestart registers a hook that runs after each launch
func (s *SessionManager) OnRestart(h RestartHook) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, h)
	s.hooksMu.Unlock()
}

func (s *SessionManager) runHooks(ctx context.Context) {
	s.hooksMu.Lock()
	hooks := append([]RestartHook(nil), s.hooks...)
	s.hooksMu.Unlock()
	for _, h := range hooks {
		h(ctx)
	}
}

// SetAuthToken sets the session cookie used by the next launch
func (s *SessionManager) SetAuthToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// SetHeadless changes the mode used by the next launch
func (s *SessionManager) SetHeadless(headless bool) {
	s.mu.Lock()
	s.headless = headless
	s.mu.Unlock()
}

// Headless reports the configured mode
func (s *SessionManager) Headless() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headless
}

// Running reports whether a browser process is live
func (s *SessionManager) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browser != nil
}

// Generation increments on every launch; tab handles from older generations are stale
func (s *SessionManager) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// PasscodeWarmed reports whether the DM passcode warm-up ran this session
func (s *SessionManager) PasscodeWarmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passcodeWarmed
}

// MarkPasscodeWarmed records the warm-up for the current session
func (s *SessionManager) MarkPasscodeWarmed() {
	s.mu.Lock()
	s.passcodeWarmed = true
	s.mu.Unlock()
}

// Browser returns the live browser, launching it on first use
func (s *SessionManager) Browser(ctx context.Context) (repo.Browser, error) {
	s.mu.Lock()
	b, launched, err := s.ensureLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if launched {
		s.runHooks(ctx)
	}
	return b, nil
}

func (s *SessionManager) ensureLocked(ctx context.Context) (repo.Browser, bool, error) {
	if s.browser != nil {
		return s.browser, false, nil
	}
	if err := s.launchLocked(ctx); err != nil {
		return nil, false, err
	}
	return s.browser, true, nil
}

// Tab returns the named tab, creating or replacing it when it is gone
func (s *SessionManager) Tab(ctx context.Context, name TabName) (repo.Browser, repo.TabID, error) {
	s.mu.Lock()
	b, launched, err := s.ensureLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, "", err
	}
	tab, err := s.tabLocked(ctx, b, name, false)
	s.mu.Unlock()
	if launched {
		s.runHooks(ctx)
	}
	return b, tab, err
}

// RecreateTab closes the named tab and opens a fresh one
func (s *SessionManager) RecreateTab(ctx context.Context, name TabName) (repo.Browser, repo.TabID, error) {
	s.mu.Lock()
	b, launched, err := s.ensureLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, "", err
	}
	tab, err := s.tabLocked(ctx, b, name, true)
	s.mu.Unlock()
	if launched {
		s.runHooks(ctx)
	}
	return b, tab, err
}

// CloseTab closes the named tab if it exists
func (s *SessionManager) CloseTab(ctx context.Context, name TabName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tab, ok := s.tabs[name]
	if !ok {
		return
	}
	delete(s.tabs, name)
	if s.browser != nil {
		_ = s.browser.CloseTab(ctx, tab)
	}
}

func (s *SessionManager) tabLocked(ctx context.Context, b repo.Browser, name TabName, recreate bool) (repo.TabID, error) {
	if tab, ok := s.tabs[name]; ok {
		if !recreate && b.TabAlive(ctx, tab) {
			return tab, nil
		}
		_ = b.CloseTab(ctx, tab)
		delete(s.tabs, name)
	}
	url, ok := tabHome[name]
	if !ok {
		url = HomeURL
	}
	tab, err := b.NewTab(ctx, url)
	if err != nil {
		return "", domain.Transient(domain.StagePrepare, err, "failed to open %s tab", name)
	}
	if err := b.InstallPromptGuard(ctx, tab); err != nil {
		s.logger.Debug("prompt guard install failed", zap.String("tab", string(name)), zap.Error(err))
	}
	s.tabs[name] = tab
	s.logger.Debug("tab ready", zap.String("tab", string(name)), zap.Bool("recreated", recreate))
	return tab, nil
}

// OpenScanTab opens an ephemeral tab for one thread scan
func (s *SessionManager) OpenScanTab(ctx context.Context, url string) (repo.Browser, repo.TabID, error) {
	s.mu.Lock()
	b, launched, err := s.ensureLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, "", err
	}
	tab, err := b.NewTab(ctx, url)
	if err == nil {
		s.scanTabs[tab] = true
		if gerr := b.InstallPromptGuard(ctx, tab); gerr != nil {
			s.logger.Debug("prompt guard install failed", zap.Error(gerr))
		}
	}
	s.mu.Unlock()
	if launched {
		s.runHooks(ctx)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to open scan tab: %w", err)
	}
	return b, tab, nil
}

// CloseScanTab closes a tab opened by OpenScanTab
func (s *SessionManager) CloseScanTab(ctx context.Context, b repo.Browser, tab repo.TabID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scanTabs, tab)
	if s.browser != nil && s.browser == b {
		_ = b.CloseTab(ctx, tab)
	}
}

// launchPlan lists the launch attempts: preferred, temp profile, reduced
// args, forced headless. Identical steps are collapsed.
func (s *SessionManager) launchPlan() []repo.LaunchSpec {
	headless := s.headless && !s.forceHeaded
	base := repo.LaunchSpec{
		Bin:        s.cfg.BrowserBin,
		ProfileDir: s.cfg.ProfileDir,
		Headless:   headless,
		Proxy:      s.cfg.Proxy,
	}
	preferred := base
	if !s.cfg.PersistProfile || s.cfg.ProfileDir == "" || (headless && s.cfg.HeadlessTempProfile) {
		preferred.TempProfile = true
	}
	temp := base
	temp.TempProfile = true
	reduced := temp
	reduced.ReducedArgs = true
	forced := reduced
	forced.Headless = true

	var plan []repo.LaunchSpec
	for _, spec := range []repo.LaunchSpec{preferred, temp, reduced, forced} {
		if len(plan) > 0 && plan[len(plan)-1] == spec {
			continue
		}
		if s.forceHeaded && spec.Headless {
			continue
		}
		plan = append(plan, spec)
	}
	if len(plan) > s.cfg.LaunchAttempts {
		plan = plan[:s.cfg.LaunchAttempts]
	}
	return plan
}

func (s *SessionManager) launchLocked(ctx context.Context) error {
	plan := s.launchPlan()
	var lastErr error
	for i, spec := range plan {
		if err := ctx.Err(); err != nil {
			return err
		}
		port, err := s.launcher.FreePort()
		if err != nil {
			return domain.Fatal(domain.StagePrepare, err, "no free local port for the browser")
		}
		spec.Port = port

		if !spec.TempProfile {
			locked, lerr := s.launcher.ProfileLocked(spec.ProfileDir)
			switch {
			case lerr != nil:
				s.logger.Warn("profile lock check failed", zap.Error(lerr))
			case locked:
				s.logger.Warn("persistent profile held by a live process, using a temporary profile",
					zap.String("profile", spec.ProfileDir))
				spec.TempProfile = true
			default:
				if cerr := s.launcher.CleanStaleLocks(spec.ProfileDir); cerr != nil {
					s.logger.Debug("stale lock cleanup failed", zap.Error(cerr))
				}
			}
		}
		if spec.TempProfile {
			dir, terr := s.launcher.NewTempProfile()
			if terr != nil {
				lastErr = terr
				continue
			}
			spec.ProfileDir = dir
		}

		s.logger.Info("launching browser",
			zap.Int("attempt", i+1),
			zap.Int("of", len(plan)),
			zap.Bool("headless", spec.Headless),
			zap.Bool("temp_profile", spec.TempProfile),
			zap.Bool("reduced_args", spec.ReducedArgs))

		b, err := s.launcher.Launch(ctx, spec)
		if err == nil && s.token != "" {
			err = b.SetCookie(ctx, repo.Cookie{
				Name:   AuthCookieName,
				Value:  s.token,
				Domain: CookieDomain,
				Path:   "/",
				Secure: true,
			})
			if err != nil {
				_ = b.Close()
				err = fmt.Errorf("failed to set auth cookie: %w", err)
			}
		}
		if err != nil {
			lastErr = err
			s.logger.Warn("browser launch failed", zap.Int("attempt", i+1), zap.Error(err))
			if spec.TempProfile {
				_ = s.launcher.RemoveProfile(spec.ProfileDir)
			}
			if i < len(plan)-1 {
				if serr := s.sleep(ctx, time.Duration(i+1)*1500*time.Millisecond); serr != nil {
					return serr
				}
			}
			continue
		}

		s.browser = b
		s.profileDir = spec.ProfileDir
		s.tempProfile = spec.TempProfile
		s.tabs = make(map[TabName]repo.TabID)
		s.scanTabs = make(map[repo.TabID]bool)
		s.passcodeWarmed = false
		s.generation++
		s.logger.Info("browser ready", zap.Int("generation", s.generation), zap.Bool("headless", spec.Headless))
		return nil
	}
	return domain.Fatal(domain.StagePrepare, lastErr, "browser failed to start after %d attempts", len(plan))
}

func (s *SessionManager) closeLocked(ctx context.Context) {
	if s.browser != nil {
		for _, tab := range s.tabs {
			_ = s.browser.CloseTab(ctx, tab)
		}
		if err := s.browser.Close(); err != nil {
			s.logger.Debug("browser close failed", zap.Error(err))
		}
	}
	if s.tempProfile && s.profileDir != "" {
		if err := s.launcher.RemoveProfile(s.profileDir); err != nil {
			s.logger.Debug("temp profile cleanup failed", zap.Error(err))
		}
	}
	s.browser = nil
	s.profileDir = ""
	s.tempProfile = false
	s.tabs = make(map[TabName]repo.TabID)
	s.scanTabs = make(map[repo.TabID]bool)
	s.passcodeWarmed = false
}

// Restart closes the browser and launches a new one. All tab handles are
// invalidated; restart hooks re-establish session state.
func (s *SessionManager) Restart(ctx context.Context) error {
	s.logger.Info("restarting browser")
	s.mu.Lock()
	s.closeLocked(ctx)
	err := s.launchLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.runHooks(ctx)
	return nil
}

// Close shuts the browser down
func (s *SessionManager) Close(ctx context.Context) {
	s.mu.Lock()
	s.closeLocked(ctx)
	s.mu.Unlock()
}

// RunHeaded relaunches in headed mode, runs fn and then reverts to the
// configured mode. Only allowed in headless mode with the fallback enabled.
func (s *SessionManager) RunHeaded(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if !s.headless || !s.cfg.HeadedFallback {
		s.mu.Unlock()
		return ErrHeadedUnavailable
	}
	s.forceHeaded = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.forceHeaded = false
		s.mu.Unlock()
		if err := s.Restart(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("revert to headless failed", zap.Error(err))
		}
	}()

	if err := s.Restart(ctx); err != nil {
		return err
	}
	return fn(ctx)
}
