package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/usecase"
)

// DefaultStopTimeout bounds how long Stop waits for the in-flight round
const DefaultStopTimeout = 15 * time.Second

// Replier runs one reply + DM workflow at a time
type Replier interface {
	Submit(ctx context.Context, req usecase.ReplyRequest) (usecase.ReplyOutcome, error)
	Stage() domain.ReplyStage
	Forget(key string)
}

// EngineDeps wires the engine
type EngineDeps struct {
	State       *MonitorState
	StateRepo   repo.StateRepo
	Diagnostics repo.DiagnosticsSink
	Session     *usecase.SessionManager
	Extractor   *usecase.ExtractorUsecase
	Account     *usecase.AccountSwitcher
	Replier     Replier
	Pacer       *usecase.Pacer
	Policy      *usecase.PolicyUsecase

	// LLMAvailable is false when no classifier is configured
	LLMAvailable    bool
	CourtesyReplies []string
	Scheduler       SchedulerConfig
	StopTimeout     time.Duration
	Logger          *zap.Logger
}

// Engine is the control surface: it owns the monitor loop lifecycle,
// persistence and operator actions on pending results.
type Engine struct {
	state        *MonitorState
	stateRepo    repo.StateRepo
	sink         repo.DiagnosticsSink
	session      *usecase.SessionManager
	account      *usecase.AccountSwitcher
	replier      Replier
	pacer        *usecase.Pacer
	policy       *usecase.PolicyUsecase
	scheduler    *Scheduler
	llmAvailable bool
	courtesy     []string
	stopTimeout  time.Duration
	logger       *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	saveMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runErr error

	inflightMu sync.Mutex
	inflight   map[string]bool
}

// NewEngine creates the engine and registers the browser restart hook
func NewEngine(deps EngineDeps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.StopTimeout <= 0 {
		deps.StopTimeout = DefaultStopTimeout
	}
	courtesy := deps.CourtesyReplies
	if len(courtesy) == 0 {
		courtesy = domain.DefaultCourtesyReplies
	}

	e := &Engine{
		state:        deps.State,
		stateRepo:    deps.StateRepo,
		sink:         deps.Diagnostics,
		session:      deps.Session,
		account:      deps.Account,
		replier:      deps.Replier,
		pacer:        deps.Pacer,
		policy:       deps.Policy,
		llmAvailable: deps.LLMAvailable,
		courtesy:     courtesy,
		stopTimeout:  deps.StopTimeout,
		logger:       logger.Named("engine"),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		inflight:     make(map[string]bool),
	}
	e.scheduler = NewScheduler(deps.Scheduler, deps.State, deps.Session, deps.Extractor, e.Save, logger)
	e.session.OnRestart(e.onBrowserStart)
	return e
}

// onBrowserStart forgets the previous session's account facts and switches
// the fresh browser to the delegated account
func (e *Engine) onBrowserStart(ctx context.Context) {
	e.state.UpdateAccount(func(a *domain.DelegatedAccountState) { a.ResetSession() })
	e.ensureAccount(ctx)
}

func (e *Engine) ensureAccount(ctx context.Context) {
	if e.account == nil || e.state.Account().Target() == "" {
		return
	}
	b, tab, err := e.session.Tab(ctx, usecase.TabMain)
	if err != nil {
		e.logger.Warn("main tab unavailable for account switch", zap.Error(err))
		return
	}
	if err := e.account.Ensure(ctx, b, tab); err != nil {
		e.logger.Warn("delegated account switch failed", zap.Error(err))
	}
}

// ========== Persistence ==========

// Load restores the saved state and pushes the saved flags into the components
func (e *Engine) Load(ctx context.Context) error {
	snap, err := e.stateRepo.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	e.state.Restore(snap)
	e.pacer.Import(snap.DMUnavailable, snap.Failures)

	headless := e.state.Headless()
	e.session.SetHeadless(headless)
	e.pacer.SetHeadless(headless)
	e.session.SetAuthToken(e.state.Token())
	e.policy.SetLLMEnabled(e.llmAvailable && e.state.LLMFilter())

	e.logger.Info("state loaded",
		zap.Int("tasks", len(snap.Tasks)),
		zap.Int("results", len(snap.Results)),
		zap.Bool("first_start", snap.SavedAt.IsZero()))
	return nil
}

// Save persists the state together with the pacer's bookkeeping
func (e *Engine) Save(ctx context.Context) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.pacer.Trim()
	snap := e.state.Snapshot()
	snap.DMUnavailable, snap.Failures = e.pacer.Export()
	if err := e.stateRepo.Save(ctx, snap); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

func (e *Engine) saveQuietly(ctx context.Context) {
	if err := e.Save(context.WithoutCancel(ctx)); err != nil {
		e.logger.Error("save failed", zap.Error(err))
	}
}

// ========== Monitoring lifecycle ==========

// Start begins monitoring. An empty token falls back to the saved one.
func (e *Engine) Start(ctx context.Context, token string) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.runningLocked() {
		return domain.ErrMonitorRunning
	}

	token = strings.TrimSpace(token)
	if token == "" {
		token = e.state.Token()
	}
	if token == "" {
		return domain.ErrMissingToken
	}
	e.state.SetToken(token)
	e.session.SetAuthToken(token)
	e.session.SetHeadless(e.state.Headless())
	e.saveQuietly(ctx)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	e.runErr = nil

	go func() {
		defer close(done)
		err := e.scheduler.Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("monitor loop exited", zap.Error(err))
			e.runMu.Lock()
			e.runErr = err
			e.runMu.Unlock()
		}
		e.saveQuietly(runCtx)
	}()

	e.logger.Info("monitoring started",
		zap.Int("tasks", len(e.state.Tasks())),
		zap.Bool("notification", e.state.Notification()))
	return nil
}

func (e *Engine) runningLocked() bool {
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// Running reports whether the monitor loop is active
func (e *Engine) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.runningLocked()
}

// LastError returns why the last monitor loop ended on its own, if it did
func (e *Engine) LastError() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.runErr
}

// Stop ends monitoring. It waits for the in-flight round up to the stop
// timeout, then force-closes the browser. State is saved either way.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	if !e.runningLocked() {
		e.runMu.Unlock()
		return domain.ErrNotRunning
	}
	cancel, done := e.cancel, e.done
	e.runMu.Unlock()

	cancel()
	timer := time.NewTimer(e.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		if e.replier.Stage() == domain.StageIdle {
			e.session.Close(ctx)
		}
	case <-timer.C:
		e.logger.Warn("monitor loop did not stop in time, closing browser",
			zap.Duration("timeout", e.stopTimeout))
		e.session.Close(ctx)
		select {
		case <-done:
		case <-time.After(e.stopTimeout):
			e.logger.Error("monitor loop still running after browser close")
		case <-ctx.Done():
		}
	case <-ctx.Done():
		e.session.Close(context.WithoutCancel(ctx))
	}

	e.saveQuietly(ctx)
	e.logger.Info("monitoring stopped")
	return nil
}

// Close stops monitoring if needed and shuts the browser down
func (e *Engine) Close(ctx context.Context) {
	if err := e.Stop(ctx); err != nil && !errors.Is(err, domain.ErrNotRunning) {
		e.logger.Warn("stop on close failed", zap.Error(err))
	}
	e.session.Close(ctx)
	if e.state.Dirty() {
		e.saveQuietly(ctx)
	}
}

// ========== Tasks & flags ==========

// AddTask registers a thread to scan; false when it was already registered
func (e *Engine) AddTask(ctx context.Context, rawURL string) (bool, error) {
	added, err := e.state.AddTask(rawURL)
	if err != nil || !added {
		return added, err
	}
	return true, e.Save(ctx)
}

// RemoveTask drops a thread from the scan list
func (e *Engine) RemoveTask(ctx context.Context, rawURL string) (bool, error) {
	if !e.state.RemoveTask(rawURL) {
		return false, nil
	}
	return true, e.Save(ctx)
}

// Tasks returns the scan list
func (e *Engine) Tasks() []domain.ScanTask {
	return e.state.Tasks()
}

// ToggleNotification switches notification monitoring on or off
func (e *Engine) ToggleNotification(ctx context.Context, enabled bool) error {
	e.state.SetNotification(enabled)
	if !enabled {
		e.session.CloseTab(ctx, usecase.TabNotification)
	}
	return e.Save(ctx)
}

// SetDelegatedAccount changes the account the browser acts as. A live
// browser switches right away.
func (e *Engine) SetDelegatedAccount(ctx context.Context, account string, enabled bool) (domain.DelegatedAccountState, error) {
	var changed bool
	e.state.UpdateAccount(func(a *domain.DelegatedAccountState) {
		prev := a.Target()
		a.Set(account, enabled)
		changed = a.Target() != prev
	})
	if changed && e.session.Running() {
		e.ensureAccount(ctx)
	}
	return e.state.Account(), e.Save(ctx)
}

// SetHeadless changes the browser mode for the next launch
func (e *Engine) SetHeadless(ctx context.Context, headless bool) error {
	e.state.SetHeadless(headless)
	e.session.SetHeadless(headless)
	e.pacer.SetHeadless(headless)
	return e.Save(ctx)
}

// SetLLMFilter enables the classifier stage of the content policy
func (e *Engine) SetLLMFilter(ctx context.Context, enabled bool) error {
	if enabled && !e.llmAvailable {
		return domain.ErrLLMUnavailable
	}
	e.state.SetLLMFilter(enabled)
	e.policy.SetLLMEnabled(enabled)
	return e.Save(ctx)
}

// ========== Results ==========

// Results returns the pending results in capture order
func (e *Engine) Results() []domain.PendingResult {
	return e.state.Results()
}

// ClearResults removes the results in scope and returns how many were removed
func (e *Engine) ClearResults(ctx context.Context, scope domain.ClearScope) (int, error) {
	for _, r := range e.state.Results() {
		if scope.Matches(r.Source) {
			e.replier.Forget(r.Key)
		}
	}
	n := e.state.ClearResults(scope)
	return n, e.Save(ctx)
}

// Acknowledge removes the result with key, or every result of handle when
// key is empty
func (e *Engine) Acknowledge(ctx context.Context, key, handle string) (int, error) {
	if key == "" && strings.TrimSpace(handle) == "" {
		return 0, fmt.Errorf("key or handle is required")
	}
	n := e.state.Acknowledge(key, handle)
	if n == 0 {
		return 0, domain.ErrNotFound
	}
	if key != "" {
		e.replier.Forget(key)
	}
	return n, e.Save(ctx)
}

// ClearHistory forgets every seen key and content signature
func (e *Engine) ClearHistory(ctx context.Context) error {
	e.state.ClearHistory()
	return e.Save(ctx)
}

// ========== Reply ==========

func (e *Engine) pick(items []string) string {
	if len(items) == 0 {
		return ""
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return items[e.rng.Intn(len(items))]
}

func (e *Engine) claim(key string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if e.inflight[key] {
		return false
	}
	e.inflight[key] = true
	return true
}

func (e *Engine) release(key string) {
	e.inflightMu.Lock()
	delete(e.inflight, key)
	e.inflightMu.Unlock()
}

// SubmitReply runs the reply + DM workflow for the pending result with key.
// An empty replyText picks a reply template, an empty dmText uses the first
// DM template.
func (e *Engine) SubmitReply(ctx context.Context, key, replyText, dmText string) (usecase.ReplyOutcome, error) {
	res, ok := e.state.Result(key)
	if !ok {
		return usecase.ReplyOutcome{}, fmt.Errorf("result %s: %w", key, domain.ErrNotFound)
	}
	if res.Replied {
		return usecase.ReplyOutcome{}, fmt.Errorf("result %s: %w", key, domain.ErrAlreadyReplied)
	}
	if e.state.Token() == "" {
		return usecase.ReplyOutcome{}, domain.ErrMissingToken
	}
	if !e.claim(key) {
		return usecase.ReplyOutcome{}, domain.ErrReplyInProgress
	}
	defer e.release(key)

	replyText = strings.TrimSpace(replyText)
	if replyText == "" {
		replyText = e.pick(e.state.Templates(domain.TemplateReply))
	}
	dmText = strings.TrimSpace(dmText)
	if dmText == "" {
		if dms := e.state.Templates(domain.TemplateDM); len(dms) > 0 {
			dmText = dms[0]
		}
	}

	e.session.SetAuthToken(e.state.Token())
	out, err := e.replier.Submit(ctx, usecase.ReplyRequest{
		Item:         res.CandidateItem,
		ReplyText:    replyText,
		DMText:       dmText,
		CourtesyText: e.pick(e.courtesy),
		Backlog:      e.state.Backlog(),
	})
	if err != nil {
		e.saveQuietly(ctx)
		return usecase.ReplyOutcome{}, err
	}

	e.state.MarkReplied(key, out)
	e.logger.Info("reply recorded",
		zap.String("key", key),
		zap.String("handle", res.Handle),
		zap.Bool("dm_skipped", out.DMSkipped))
	return out, e.Save(ctx)
}

// ========== Templates ==========

// Templates returns the list of kind
func (e *Engine) Templates(kind domain.TemplateKind) []string {
	return e.state.Templates(kind)
}

// AddTemplate appends a template and returns the new list
func (e *Engine) AddTemplate(ctx context.Context, kind domain.TemplateKind, content string) ([]string, error) {
	list, err := e.state.AddTemplate(kind, content)
	if err != nil {
		return nil, err
	}
	return list, e.Save(ctx)
}

// UpdateTemplate replaces the template at index
func (e *Engine) UpdateTemplate(ctx context.Context, kind domain.TemplateKind, index int, content string) ([]string, error) {
	list, err := e.state.UpdateTemplate(kind, index, content)
	if err != nil {
		return nil, err
	}
	return list, e.Save(ctx)
}

// DeleteTemplate removes the template at index
func (e *Engine) DeleteTemplate(ctx context.Context, kind domain.TemplateKind, index int) ([]string, error) {
	list, err := e.state.DeleteTemplate(kind, index)
	if err != nil {
		return nil, err
	}
	return list, e.Save(ctx)
}

// ========== Status ==========

// Status is a point-in-time view of the engine
type Status struct {
	Running        bool                         `json:"running"`
	Stage          domain.ReplyStage            `json:"stage"`
	Tasks          int                          `json:"tasks"`
	Results        int                          `json:"results"`
	Unreplied      int                          `json:"unreplied"`
	Notification   bool                         `json:"notification"`
	Headless       bool                         `json:"headless"`
	LLMFilter      bool                         `json:"llm_filter"`
	Delegated      domain.DelegatedAccountState `json:"delegated"`
	BrowserRunning bool                         `json:"browser_running"`
	Generation     int                          `json:"browser_generation"`
	SuccessRate    float64                      `json:"success_rate"`
	FailureStreak  int                          `json:"failure_streak"`
	LastError      string                       `json:"last_error,omitempty"`
}

// Status reports the engine state
func (e *Engine) Status() Status {
	st := Status{
		Running:        e.Running(),
		Stage:          e.replier.Stage(),
		Tasks:          len(e.state.Tasks()),
		Results:        len(e.state.Results()),
		Unreplied:      e.state.Backlog(),
		Notification:   e.state.Notification(),
		Headless:       e.state.Headless(),
		LLMFilter:      e.state.LLMFilter(),
		Delegated:      e.state.Account(),
		BrowserRunning: e.session.Running(),
		Generation:     e.session.Generation(),
		SuccessRate:    e.pacer.SuccessRate(),
		FailureStreak:  e.pacer.Streak(),
	}
	if err := e.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// Diagnostics returns the newest failure records
func (e *Engine) Diagnostics(ctx context.Context, limit int) ([]*domain.DiagnosticRecord, error) {
	if e.sink == nil {
		return nil, nil
	}
	return e.sink.Recent(ctx, limit)
}
