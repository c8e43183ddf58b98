package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

const scrollByJS = `(dy) => { window.scrollBy(0, dy); return Math.round(window.scrollY || document.documentElement.scrollTop || 0) }`

// tabState is one page plus its dialog bookkeeping
type tabState struct {
	page   *rod.Page
	dialog atomic.Bool // a native dialog is showing
	guard  atomic.Bool // auto-dismiss dialogs
	cancel context.CancelFunc
}

// Browser is a rod-driven Chromium process
type Browser struct {
	rb         *rod.Browser
	proc       *launcher.Launcher
	navTimeout time.Duration
	logger     *zap.Logger

	mu   sync.Mutex
	tabs map[repo.TabID]*tabState
}

var _ repo.Browser = (*Browser)(nil)

func newBrowser(rb *rod.Browser, proc *launcher.Launcher, navTimeout time.Duration, logger *zap.Logger) *Browser {
	return &Browser{
		rb:         rb,
		proc:       proc,
		navTimeout: navTimeout,
		logger:     logger,
		tabs:       make(map[repo.TabID]*tabState),
	}
}

// NewTab opens url in a new page and starts watching its dialogs
func (b *Browser) NewTab(ctx context.Context, url string) (repo.TabID, error) {
	page, err := b.rb.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return "", fmt.Errorf("failed to create tab: %w", err)
	}
	page = page.Context(context.Background())

	listenCtx, cancel := context.WithCancel(context.Background())
	st := &tabState{page: page, cancel: cancel}
	id := repo.TabID(page.TargetID)

	wait := page.Context(listenCtx).EachEvent(
		func(e *proto.PageJavascriptDialogOpening) {
			st.dialog.Store(true)
			if st.guard.Load() {
				accept := e.Type == proto.PageDialogTypeBeforeunload
				go func() {
					if err := (proto.PageHandleJavaScriptDialog{Accept: accept}).Call(page); err == nil {
						st.dialog.Store(false)
					}
				}()
			}
		},
		func(e *proto.PageJavascriptDialogClosed) {
			st.dialog.Store(false)
		},
	)
	go wait()

	b.mu.Lock()
	b.tabs[id] = st
	b.mu.Unlock()

	if url != "" && url != "about:blank" {
		if err := b.Navigate(ctx, id, url); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (b *Browser) tab(id repo.TabID) (*tabState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.tabs[id]
	if !ok {
		return nil, repo.ErrTabClosed
	}
	return st, nil
}

// wrap maps rod failures onto repo sentinels
func (b *Browser) wrap(st *tabState, op string, err error) error {
	if err == nil {
		return nil
	}
	if st != nil && st.dialog.Load() {
		return fmt.Errorf("%s: %w: %v", op, repo.ErrNativePrompt, err)
	}
	var nf *rod.ElementNotFoundError
	if errors.As(err, &nf) {
		return repo.ErrElementNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "No target with given id") || strings.Contains(msg, "Target closed") ||
		strings.Contains(msg, "Session with given id not found") {
		return fmt.Errorf("%s: %w", op, repo.ErrTabClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CloseTab closes the page and stops its dialog watcher
func (b *Browser) CloseTab(ctx context.Context, id repo.TabID) error {
	b.mu.Lock()
	st, ok := b.tabs[id]
	delete(b.tabs, id)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	st.cancel()
	if err := st.page.Context(ctx).Close(); err != nil {
		return b.wrap(nil, "close tab", err)
	}
	return nil
}

// TabAlive reports whether the target still exists
func (b *Browser) TabAlive(ctx context.Context, id repo.TabID) bool {
	st, err := b.tab(id)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = st.page.Context(ctx).Info()
	return err == nil
}

// Navigate loads url and waits for the load event (best effort)
func (b *Browser) Navigate(ctx context.Context, id repo.TabID, url string) error {
	st, err := b.tab(id)
	if err != nil {
		return err
	}
	p := st.page.Context(ctx).Timeout(b.navTimeout)
	if err := p.Navigate(url); err != nil {
		return b.wrap(st, "navigate", err)
	}
	if err := p.WaitLoad(); err != nil {
		b.logger.Debug("wait load", zap.String("url", url), zap.Error(err))
	}
	return nil
}

// Reload reloads the current page
func (b *Browser) Reload(ctx context.Context, id repo.TabID) error {
	st, err := b.tab(id)
	if err != nil {
		return err
	}
	p := st.page.Context(ctx).Timeout(b.navTimeout)
	if err := p.Reload(); err != nil {
		return b.wrap(st, "reload", err)
	}
	if err := p.WaitLoad(); err != nil {
		b.logger.Debug("wait load after reload", zap.Error(err))
	}
	return nil
}

// CurrentURL returns the page URL
func (b *Browser) CurrentURL(ctx context.Context, id repo.TabID) (string, error) {
	st, err := b.tab(id)
	if err != nil {
		return "", err
	}
	info, err := st.page.Context(ctx).Info()
	if err != nil {
		return "", b.wrap(st, "page info", err)
	}
	return info.URL, nil
}

// QueryAll returns every match without waiting
func (b *Browser) QueryAll(ctx context.Context, id repo.TabID, selector string) ([]repo.Element, error) {
	st, err := b.tab(id)
	if err != nil {
		return nil, err
	}
	els, err := st.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, b.wrap(st, "query "+selector, err)
	}
	return wrapElements(b, st, els), nil
}

// QueryOne returns the first match or repo.ErrElementNotFound, without waiting
func (b *Browser) QueryOne(ctx context.Context, id repo.TabID, selector string) (repo.Element, error) {
	st, err := b.tab(id)
	if err != nil {
		return nil, err
	}
	has, el, err := st.page.Context(ctx).Has(selector)
	if err != nil {
		return nil, b.wrap(st, "query "+selector, err)
	}
	if !has {
		return nil, repo.ErrElementNotFound
	}
	return &Element{el: el, b: b, st: st}, nil
}

// Eval runs a JS function expression in the page
func (b *Browser) Eval(ctx context.Context, id repo.TabID, js string) (string, error) {
	st, err := b.tab(id)
	if err != nil {
		return "", err
	}
	obj, err := st.page.Context(ctx).Eval(js)
	if err != nil {
		return "", b.wrap(st, "eval", err)
	}
	if obj == nil || obj.Value.Nil() {
		return "", nil
	}
	return obj.Value.Str(), nil
}

// ScrollBy scrolls the window by dy pixels and returns the new offset
func (b *Browser) ScrollBy(ctx context.Context, id repo.TabID, dy int) (int, error) {
	st, err := b.tab(id)
	if err != nil {
		return 0, err
	}
	obj, err := st.page.Context(ctx).Eval(scrollByJS, dy)
	if err != nil {
		return 0, b.wrap(st, "scroll", err)
	}
	return obj.Value.Int(), nil
}

// Screenshot captures the viewport as PNG
func (b *Browser) Screenshot(ctx context.Context, id repo.TabID) ([]byte, error) {
	st, err := b.tab(id)
	if err != nil {
		return nil, err
	}
	shot, err := st.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, b.wrap(st, "screenshot", err)
	}
	return shot, nil
}

// SetCookie installs a browser-wide cookie
func (b *Browser) SetCookie(ctx context.Context, c repo.Cookie) error {
	err := b.rb.Context(ctx).SetCookies([]*proto.NetworkCookieParam{{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: proto.NetworkCookieSameSiteLax,
	}})
	if err != nil {
		return fmt.Errorf("set cookie %s: %w", c.Name, err)
	}
	return nil
}

// HandleNativePrompt accepts or dismisses the open dialog
func (b *Browser) HandleNativePrompt(ctx context.Context, id repo.TabID, accept bool) error {
	st, err := b.tab(id)
	if err != nil {
		return err
	}
	err = proto.PageHandleJavaScriptDialog{Accept: accept}.Call(st.page.Context(ctx))
	if err != nil {
		if strings.Contains(err.Error(), "No dialog is showing") {
			st.dialog.Store(false)
			return repo.ErrNoDialog
		}
		return fmt.Errorf("handle dialog: %w", err)
	}
	st.dialog.Store(false)
	return nil
}

// InstallPromptGuard makes the dialog watcher dismiss future prompts on its own
func (b *Browser) InstallPromptGuard(ctx context.Context, id repo.TabID) error {
	st, err := b.tab(id)
	if err != nil {
		return err
	}
	st.guard.Store(true)
	return nil
}

// Close closes every tab, the connection and the process
func (b *Browser) Close() error {
	b.mu.Lock()
	for id, st := range b.tabs {
		st.cancel()
		delete(b.tabs, id)
	}
	b.mu.Unlock()

	err := b.rb.Close()
	b.proc.Kill()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
