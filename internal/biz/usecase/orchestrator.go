package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

const escapeMenuJS = `() => {
  const opts = {key: "Escape", code: "Escape", keyCode: 27, which: 27, bubbles: true};
  document.dispatchEvent(new KeyboardEvent("keydown", opts));
  document.dispatchEvent(new KeyboardEvent("keyup", opts));
  return "";
}`

const scrollTopJS = `() => { window.scrollTo(0, 0); return "" }`

// DMSkipUnavailable is the skip reason recorded when the recipient has DMs closed
const DMSkipUnavailable = "dm_unavailable"

// ReplyRequest is one operator-submitted reply workflow
type ReplyRequest struct {
	Item         domain.CandidateItem
	ReplyText    string
	DMText       string
	CourtesyText string
	Backlog      int // unreplied pending results, feeds the pacing fast lane
}

// ReplyOutcome describes a finished workflow
type ReplyOutcome struct {
	Link         string
	ReplyText    string
	DMText       string
	DMSkipped    bool
	DMSkipReason string
	CourtesyText string
	Score        int
}

// replyProgress records which visible actions already happened for one item.
// It survives failed attempts so a retry never repeats a sent stage.
type replyProgress struct {
	link           string
	score          int
	replyPosted    bool
	dmClosed       bool
	dmLinkSent     bool
	dmTextSent     bool
	courtesyPosted bool
	touched        time.Time
}

func (p *replyProgress) acted() bool {
	return p.replyPosted || p.dmLinkSent || p.dmTextSent || p.courtesyPosted
}

const (
	// progressTTL bounds how long a failed item's progress is kept
	progressTTL = 24 * time.Hour
	maxProgress = 256
)

// OrchestratorUsecase runs the reply + DM state machine for one item at a time
type OrchestratorUsecase struct {
	session  *SessionManager
	matcher  *MatcherUsecase
	dm       *DMUsecase
	passcode *PasscodeHandler
	pacer    *Pacer
	tabs     *ExtractorUsecase
	sink     repo.DiagnosticsSink
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	sem chan struct{}

	mu       sync.Mutex
	stage    domain.ReplyStage
	progress map[string]*replyProgress
}

// NewOrchestratorUsecase creates a new orchestrator
func NewOrchestratorUsecase(
	session *SessionManager,
	matcher *MatcherUsecase,
	dm *DMUsecase,
	passcode *PasscodeHandler,
	pacer *Pacer,
	tabs *ExtractorUsecase,
	sink repo.DiagnosticsSink,
	logger *zap.Logger,
) *OrchestratorUsecase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrchestratorUsecase{
		session:  session,
		matcher:  matcher,
		dm:       dm,
		passcode: passcode,
		pacer:    pacer,
		tabs:     tabs,
		sink:     sink,
		logger:   logger.Named("orchestrator"),
		now:      time.Now,
		sleep:    sleepCtx,
		sem:      make(chan struct{}, 1),
		stage:    domain.StageIdle,
		progress: make(map[string]*replyProgress),
	}
}

// Stage returns the state the running workflow is in
func (o *OrchestratorUsecase) Stage() domain.ReplyStage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stage
}

func (o *OrchestratorUsecase) enter(stage domain.ReplyStage, item domain.CandidateItem) {
	o.mu.Lock()
	o.stage = stage
	o.mu.Unlock()
	o.logger.Debug("stage", zap.String("stage", string(stage)), zap.String("key", item.Key))
}

func (o *OrchestratorUsecase) progressFor(key string) *replyProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	o.evictProgressLocked(now, key)
	p, ok := o.progress[key]
	if !ok {
		p = &replyProgress{}
		o.progress[key] = p
	}
	p.touched = now
	return p
}

// evictProgressLocked drops progress untouched for progressTTL, then the
// least recently touched entries above maxProgress. keep is never dropped.
func (o *OrchestratorUsecase) evictProgressLocked(now time.Time, keep string) {
	for k, p := range o.progress {
		if k != keep && now.Sub(p.touched) > progressTTL {
			delete(o.progress, k)
		}
	}
	for len(o.progress) >= maxProgress {
		var oldest string
		var at time.Time
		for k, p := range o.progress {
			if k != keep && (oldest == "" || p.touched.Before(at)) {
				oldest, at = k, p.touched
			}
		}
		if oldest == "" {
			return
		}
		delete(o.progress, oldest)
	}
}

// Forget drops the retained progress for key
func (o *OrchestratorUsecase) Forget(key string) {
	o.mu.Lock()
	delete(o.progress, key)
	o.mu.Unlock()
}

// Submit runs the full workflow for req. Only one workflow runs at a time;
// callers queue on ctx.
func (o *OrchestratorUsecase) Submit(ctx context.Context, req ReplyRequest) (ReplyOutcome, error) {
	if strings.TrimSpace(req.ReplyText) == "" {
		return ReplyOutcome{}, domain.TargetState(domain.StagePrepare, nil, "reply text is empty")
	}
	if strings.TrimSpace(req.DMText) == "" {
		return ReplyOutcome{}, domain.TargetState(domain.StagePrepare, nil, "DM text is empty")
	}
	if domain.NormalizeHandle(req.Item.Handle) == "" {
		return ReplyOutcome{}, domain.TargetState(domain.StagePrepare, nil, "item has no handle")
	}

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return ReplyOutcome{}, ctx.Err()
	}
	defer func() { <-o.sem }()

	prog := o.progressFor(req.Item.Key)
	log := o.logger.With(zap.String("key", req.Item.Key), zap.String("handle", req.Item.Handle))
	log.Info("reply workflow started", zap.String("status_id", domain.StatusIDOf(req.Item)))

	out, err := o.run(ctx, req, prog)
	if err != nil && errors.Is(err, repo.ErrNativePrompt) && ctx.Err() == nil {
		log.Warn("native prompt interrupted the workflow, retrying once", zap.Error(err))
		o.dismissPrompt(ctx, err)
		out, err = o.run(ctx, req, prog)
	}

	o.restoreTab(ctx)

	if err != nil {
		o.pacer.RecordFailure(req.Item.Handle, err.Error())
		o.captureFailure(ctx, req.Item, err)
		if !prog.acted() {
			o.Forget(req.Item.Key)
		}
		log.Warn("reply workflow failed",
			zap.String("stage", string(domain.StageOf(err))),
			zap.String("class", domain.ClassOf(err).String()),
			zap.Error(err))
		o.enter(domain.StageIdle, req.Item)
		return ReplyOutcome{}, err
	}

	o.pacer.RecordSuccess(req.Item.Handle)
	o.Forget(req.Item.Key)
	o.enter(domain.StageDone, req.Item)
	log.Info("reply workflow done", zap.Bool("dm_skipped", out.DMSkipped))
	o.enter(domain.StageIdle, req.Item)
	return out, nil
}

func (o *OrchestratorUsecase) run(ctx context.Context, req ReplyRequest, prog *replyProgress) (ReplyOutcome, error) {
	item := req.Item
	o.enter(domain.StagePrepare, item)

	b, tab, err := o.session.Tab(ctx, TabReply)
	if err != nil {
		return ReplyOutcome{}, err
	}
	if !o.session.PasscodeWarmed() {
		o.passcode.Warmup(ctx, b, tab)
		o.session.MarkPasscodeWarmed()
	}

	if !prog.replyPosted {
		if err := o.replyStages(ctx, b, tab, req, prog); err != nil {
			return ReplyOutcome{}, err
		}
	}

	if !prog.dmClosed && o.pacer.DMUnavailable(item.Handle) {
		o.logger.Info("recipient cached as DM-closed, skipping DM", zap.String("handle", item.Handle))
		prog.dmClosed = true
	}
	if !prog.dmClosed {
		err := o.dmWithRecovery(ctx, req, prog)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrDMUnavailable):
			o.pacer.MarkDMUnavailable(item.Handle)
			prog.dmClosed = true
		default:
			return ReplyOutcome{}, err
		}
	}

	out := ReplyOutcome{Link: prog.link, ReplyText: req.ReplyText, Score: prog.score}
	if prog.dmClosed {
		if !prog.courtesyPosted {
			if err := o.courtesyStage(ctx, req, prog); err != nil {
				return ReplyOutcome{}, err
			}
		}
		out.DMSkipped = true
		out.DMSkipReason = DMSkipUnavailable
		out.CourtesyText = req.CourtesyText
		return out, nil
	}
	out.DMText = req.DMText
	return out, nil
}

func (o *OrchestratorUsecase) target(item domain.CandidateItem) MatchTarget {
	return MatchTarget{StatusID: domain.StatusIDOf(item), Handle: item.Handle, Content: item.Content}
}

// openItemPage navigates to where the item lives and returns the prepare step
// used before re-matching
func (o *OrchestratorUsecase) openItemPage(ctx context.Context, b repo.Browser, tab repo.TabID, item domain.CandidateItem) (func(context.Context) error, error) {
	if item.Source == domain.SourceTweet && item.TaskURL != "" {
		if err := b.Navigate(ctx, tab, item.TaskURL); err != nil {
			return nil, domain.Transient(domain.StageLocatePendingCard, err, "failed to open thread")
		}
		_ = o.sleep(ctx, time.Second)
		return func(ctx context.Context) error {
			if err := b.Reload(ctx, tab); err != nil {
				return err
			}
			return o.sleep(ctx, time.Second)
		}, nil
	}

	prepare := func(ctx context.Context) error {
		if err := b.Reload(ctx, tab); err != nil {
			return err
		}
		_ = o.sleep(ctx, time.Second)
		o.tabs.SelectAllTab(ctx, b, tab)
		_, err := b.Eval(ctx, tab, scrollTopJS)
		return err
	}
	if err := b.Navigate(ctx, tab, NotificationsURL); err != nil {
		return nil, domain.Transient(domain.StageLocatePendingCard, err, "failed to open notifications")
	}
	_ = o.sleep(ctx, time.Second)
	if err := prepare(ctx); err != nil {
		o.logger.Debug("notifications prepare failed", zap.Error(err))
	}
	return prepare, nil
}

func (o *OrchestratorUsecase) replyStages(ctx context.Context, b repo.Browser, tab repo.TabID, req ReplyRequest, prog *replyProgress) error {
	item := req.Item
	t := o.target(item)

	o.enter(domain.StageLocatePendingCard, item)
	prepare, err := o.openItemPage(ctx, b, tab, item)
	if err != nil {
		return err
	}
	m, err := o.matcher.Locate(ctx, b, tab, t, prepare)
	if err != nil {
		return err
	}
	prog.score = m.Score

	if prog.link == "" {
		o.enter(domain.StageCopyShareLink, item)
		link, err := o.copyShareLink(ctx, b, tab, m, item)
		if err != nil {
			return err
		}
		prog.link = link
	}

	o.enter(domain.StagePostInlineReply, item)
	if err := o.postReply(ctx, b, tab, req, t, req.ReplyText, domain.StagePostInlineReply); err != nil {
		return err
	}
	prog.replyPosted = true
	return nil
}

func (o *OrchestratorUsecase) copyShareLink(ctx context.Context, b repo.Browser, tab repo.TabID, m Match, item domain.CandidateItem) (string, error) {
	id := m.StatusID
	handle := m.StatusHandle
	if id == "" {
		id = domain.StatusIDOf(item)
	}
	if handle == "" {
		handle = item.StatusHandle
	}
	link := domain.StatusURL(handle, id)
	if link == "" {
		link = item.StatusURL
	}
	if link == "" {
		return "", domain.TargetState(domain.StageCopyShareLink, nil, "no status link for this item")
	}

	if reason := o.clickCopyLink(ctx, b, tab, m.Card); reason != "" {
		o.logger.Debug("share menu copy skipped, using resolved link", zap.String("reason", reason))
	}
	return link, nil
}

func (o *OrchestratorUsecase) clickCopyLink(ctx context.Context, b repo.Browser, tab repo.TabID, card repo.Element) string {
	var share repo.Element
	for _, sel := range shareSelectors {
		if el := queryOne(ctx, card, sel); visible(ctx, el) {
			share = el
			break
		}
	}
	if share == nil {
		return "share button not found"
	}
	if err := share.Click(ctx); err != nil {
		return "share click failed"
	}
	_ = o.sleep(ctx, 600*time.Millisecond)

	for _, sel := range copyLinkSelectors {
		els, err := b.QueryAll(ctx, tab, sel)
		if err != nil {
			continue
		}
		for _, el := range els {
			label := strings.ToLower(strings.TrimSpace(textOf(ctx, el)))
			if label == "" || !containsAny(label, copyLinkKeywords) {
				continue
			}
			if err := el.Click(ctx); err != nil {
				break
			}
			_ = o.sleep(ctx, 400*time.Millisecond)
			return ""
		}
	}
	_, _ = b.Eval(ctx, tab, escapeMenuJS)
	return "copy link entry not found"
}

func (o *OrchestratorUsecase) firstVisible(ctx context.Context, b repo.Browser, tab repo.TabID, selectors []string, tries int) repo.Element {
	for i := 0; i < tries; i++ {
		for _, sel := range selectors {
			if el, err := b.QueryOne(ctx, tab, sel); err == nil && visible(ctx, el) {
				return el
			}
		}
		if i < tries-1 {
			if err := o.sleep(ctx, time.Second); err != nil {
				return nil
			}
		}
	}
	return nil
}

// postReply re-matches the card on the live page and posts text through its reply control
func (o *OrchestratorUsecase) postReply(ctx context.Context, b repo.Browser, tab repo.TabID, req ReplyRequest, t MatchTarget, text string, stage domain.ReplyStage) error {
	m, err := o.matcher.Locate(ctx, b, tab, t, nil)
	if err != nil {
		return err
	}
	if err := o.pacer.Wait(ctx, req.Item.Handle, req.Backlog); err != nil {
		return err
	}
	_ = m.Reply.ScrollIntoView(ctx)
	if err := m.Reply.Click(ctx); err != nil {
		return domain.Transient(stage, err, "failed to click reply control")
	}
	_ = o.sleep(ctx, 900*time.Millisecond)

	editor := o.firstVisible(ctx, b, tab, replyEditorSelectors, 4)
	if editor == nil {
		return domain.Transient(stage, repo.ErrElementNotFound, "reply editor did not open")
	}
	_ = editor.Click(ctx)
	if err := editor.Type(ctx, text); err != nil {
		return domain.Transient(stage, err, "failed to type reply")
	}

	send := firstEnabled(ctx, b, tab, replySendSelectors)
	if send == nil {
		return domain.Transient(stage, repo.ErrElementNotFound, "reply send button not found")
	}
	if err := send.Click(ctx); err != nil {
		return domain.Transient(stage, err, "failed to click reply send")
	}
	_ = o.sleep(ctx, 1800*time.Millisecond)
	o.logger.Info("reply posted", zap.String("handle", req.Item.Handle), zap.String("stage", string(stage)), zap.Int("score", m.Score))
	return nil
}

// dmStages opens the DM thread and sends whatever has not been sent yet
func (o *OrchestratorUsecase) dmStages(ctx context.Context, req ReplyRequest, prog *replyProgress) error {
	if prog.dmLinkSent && prog.dmTextSent {
		return nil
	}
	item := req.Item
	b, tab, err := o.session.Tab(ctx, TabReply)
	if err != nil {
		return err
	}
	if err := o.pacer.Wait(ctx, item.Handle, req.Backlog); err != nil {
		return err
	}

	o.enter(domain.StageOpenDmThread, item)
	if _, err := o.dm.Open(ctx, b, tab, item.Handle); err != nil {
		return err
	}

	if !prog.dmLinkSent {
		o.enter(domain.StageSendDmLink, item)
		if err := o.dm.Send(ctx, b, tab, prog.link, domain.StageSendDmLink); err != nil {
			return err
		}
		prog.dmLinkSent = true
		o.logger.Info("DM link sent", zap.String("handle", item.Handle))
		if err := o.pacer.Wait(ctx, item.Handle, req.Backlog); err != nil {
			return err
		}
	}
	if !prog.dmTextSent {
		o.enter(domain.StageSendDmText, item)
		if err := o.dm.Send(ctx, b, tab, req.DMText, domain.StageSendDmText); err != nil {
			return err
		}
		prog.dmTextSent = true
		o.logger.Info("DM text sent", zap.String("handle", item.Handle))
	}
	return nil
}

type recoveryTier struct {
	name  string
	apply func(ctx context.Context) error
}

// dmWithRecovery retries the DM stages through escalating recovery tiers.
// Only transient failures escalate.
func (o *OrchestratorUsecase) dmWithRecovery(ctx context.Context, req ReplyRequest, prog *replyProgress) error {
	tiers := []recoveryTier{
		{name: "same_tab"},
		{name: "recreate_tab", apply: func(ctx context.Context) error {
			_, _, err := o.session.RecreateTab(ctx, TabReply)
			return err
		}},
		{name: "restart_browser", apply: o.session.Restart},
	}

	var err error
	for i, tier := range tiers {
		if i > 0 {
			o.logger.Warn("DM stage failed, escalating recovery", zap.String("tier", tier.name), zap.Error(err))
			if aerr := tier.apply(ctx); aerr != nil {
				if domain.ClassOf(aerr) == domain.ClassFatal {
					return aerr
				}
				continue
			}
		}
		err = o.dmStages(ctx, req, prog)
		if err == nil || domain.ClassOf(err) != domain.ClassTransient || ctx.Err() != nil {
			return err
		}
		if errors.Is(err, repo.ErrNativePrompt) {
			o.dismissPrompt(ctx, err)
		}
	}

	o.logger.Warn("DM stage failed, trying headed relaunch", zap.Error(err))
	herr := o.session.RunHeaded(ctx, func(ctx context.Context) error {
		return o.dmStages(ctx, req, prog)
	})
	if errors.Is(herr, ErrHeadedUnavailable) {
		return err
	}
	return herr
}

func (o *OrchestratorUsecase) courtesyStage(ctx context.Context, req ReplyRequest, prog *replyProgress) error {
	item := req.Item
	if strings.TrimSpace(req.CourtesyText) == "" {
		return domain.TargetState(domain.StageCourtesyReply, nil, "recipient does not accept DMs and no courtesy reply is configured")
	}
	o.enter(domain.StageCourtesyReply, item)

	b, tab, err := o.session.Tab(ctx, TabReply)
	if err != nil {
		return err
	}
	prepare, err := o.openItemPage(ctx, b, tab, item)
	if err != nil {
		return err
	}
	t := o.target(item)
	if _, err := o.matcher.Locate(ctx, b, tab, t, prepare); err != nil {
		var re *domain.ReasonedError
		if errors.As(err, &re) {
			re.Stage = domain.StageCourtesyReply
		}
		return err
	}
	if err := o.postReply(ctx, b, tab, req, t, req.CourtesyText, domain.StageCourtesyReply); err != nil {
		return err
	}
	prog.courtesyPosted = true
	return nil
}

func (o *OrchestratorUsecase) dismissPrompt(ctx context.Context, cause error) {
	b, tab, err := o.session.Tab(ctx, TabReply)
	if err != nil {
		return
	}
	if err := b.HandleNativePrompt(ctx, tab, false); err != nil && !errors.Is(err, repo.ErrNoDialog) {
		o.logger.Debug("native prompt dismiss failed", zap.Error(err))
	}
	_ = b.InstallPromptGuard(ctx, tab)
	rec := o.snapshot(ctx, b, tab)
	rec.Stage = domain.StageOf(cause)
	rec.Class = domain.ClassTransient.String()
	rec.Reason = "native prompt: " + cause.Error()
	if o.sink != nil {
		if err := o.sink.Capture(ctx, rec); err != nil {
			o.logger.Warn("diagnostic capture failed", zap.Error(err))
		}
	}
}

func (o *OrchestratorUsecase) restoreTab(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if !o.session.Running() {
		return
	}
	b, tab, err := o.session.Tab(ctx, TabReply)
	if err != nil {
		return
	}
	if err := b.Navigate(ctx, tab, NotificationsURL); err != nil {
		o.logger.Debug("return to notifications failed", zap.Error(err))
	}
}

func (o *OrchestratorUsecase) snapshot(ctx context.Context, b repo.Browser, tab repo.TabID) *domain.DiagnosticRecord {
	rec := &domain.DiagnosticRecord{
		ID:             uuid.NewString(),
		At:             o.now(),
		SelectorCounts: make(map[string]int, len(countedSelectors)),
	}
	if url, err := b.CurrentURL(ctx, tab); err == nil {
		rec.PageURL = url
	}
	for _, sel := range countedSelectors {
		els, err := b.QueryAll(ctx, tab, sel)
		if err != nil {
			rec.SelectorCounts[sel] = -1
			continue
		}
		rec.SelectorCounts[sel] = len(els)
	}
	if shot, err := b.Screenshot(ctx, tab); err == nil {
		rec.Screenshot = shot
	}
	return rec
}

func (o *OrchestratorUsecase) captureFailure(ctx context.Context, item domain.CandidateItem, cause error) {
	if o.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 20*time.Second)
	defer cancel()

	rec := &domain.DiagnosticRecord{ID: uuid.NewString(), At: o.now(), SelectorCounts: map[string]int{}}
	if o.session.Running() {
		if b, tab, err := o.session.Tab(ctx, TabReply); err == nil {
			rec = o.snapshot(ctx, b, tab)
		}
	}
	rec.Stage = domain.StageOf(cause)
	if rec.Stage == "" {
		rec.Stage = o.Stage()
	}
	rec.Class = domain.ClassOf(cause).String()
	rec.Reason = cause.Error()
	rec.Handle = item.Handle
	rec.StatusID = domain.StatusIDOf(item)
	if err := o.sink.Capture(ctx, rec); err != nil {
		o.logger.Warn("diagnostic capture failed", zap.Error(err))
	}
}
