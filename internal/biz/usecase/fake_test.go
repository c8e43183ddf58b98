package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

// fakeElement is an in-memory DOM node
type fakeElement struct {
	text     string
	value    string
	html     string
	hidden   bool
	attrs    map[string]string
	children map[string][]*fakeElement
	clicks   int
	onClick  func() error
}

func node(text string) *fakeElement {
	return &fakeElement{text: text, attrs: map[string]string{}, children: map[string][]*fakeElement{}}
}

func (e *fakeElement) attr(k, v string) *fakeElement {
	e.attrs[k] = v
	return e
}

func (e *fakeElement) with(sel string, kids ...*fakeElement) *fakeElement {
	e.children[sel] = append(e.children[sel], kids...)
	return e
}

func (e *fakeElement) Text(ctx context.Context) (string, error) {
	if e.value != "" {
		return e.value, nil
	}
	return e.text, nil
}

func (e *fakeElement) Attr(ctx context.Context, name string) (string, error) {
	if name == "value" {
		return e.value, nil
	}
	return e.attrs[name], nil
}

func (e *fakeElement) HTML(ctx context.Context) (string, error) {
	if e.html != "" {
		return e.html, nil
	}
	return "<div>" + e.text + "</div>", nil
}

func (e *fakeElement) Visible(ctx context.Context) (bool, error) { return !e.hidden, nil }

func (e *fakeElement) Click(ctx context.Context) error {
	e.clicks++
	if e.onClick != nil {
		return e.onClick()
	}
	return nil
}

func (e *fakeElement) Type(ctx context.Context, text string) error {
	e.value = text
	return nil
}

func (e *fakeElement) ScrollIntoView(ctx context.Context) error { return nil }

func (e *fakeElement) QueryAll(ctx context.Context, selector string) ([]repo.Element, error) {
	return toElements(e.children[selector]), nil
}

func (e *fakeElement) QueryOne(ctx context.Context, selector string) (repo.Element, error) {
	kids := e.children[selector]
	if len(kids) == 0 {
		return nil, repo.ErrElementNotFound
	}
	return kids[0], nil
}

func toElements(in []*fakeElement) []repo.Element {
	out := make([]repo.Element, 0, len(in))
	for _, e := range in {
		out = append(out, e)
	}
	return out
}

// fakeBrowser serves one DOM per URL; tabs only remember where they are
type fakeBrowser struct {
	mu          sync.Mutex
	pages       map[string]map[string][]*fakeElement
	tabs        map[repo.TabID]string
	next        int
	navigations []string
	cookies     []repo.Cookie
	dismissed   int
	closed      bool
	scrolls     int
	scrollStep  int // how far each ScrollBy moves the page
	scrollY     int
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		pages: make(map[string]map[string][]*fakeElement),
		tabs:  make(map[repo.TabID]string),
	}
}

func (b *fakeBrowser) put(url, sel string, els ...*fakeElement) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pages[url] == nil {
		b.pages[url] = make(map[string][]*fakeElement)
	}
	b.pages[url][sel] = append(b.pages[url][sel], els...)
}

func (b *fakeBrowser) NewTab(ctx context.Context, url string) (repo.TabID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := repo.TabID(fmt.Sprintf("tab-%d", b.next))
	b.tabs[id] = url
	return id, nil
}

func (b *fakeBrowser) CloseTab(ctx context.Context, tab repo.TabID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tabs, tab)
	return nil
}

func (b *fakeBrowser) TabAlive(ctx context.Context, tab repo.TabID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tabs[tab]
	return ok && !b.closed
}

func (b *fakeBrowser) Navigate(ctx context.Context, tab repo.TabID, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tabs[tab]; !ok {
		return repo.ErrTabClosed
	}
	b.tabs[tab] = url
	b.navigations = append(b.navigations, url)
	return nil
}

func (b *fakeBrowser) Reload(ctx context.Context, tab repo.TabID) error { return nil }

func (b *fakeBrowser) CurrentURL(ctx context.Context, tab repo.TabID) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	url, ok := b.tabs[tab]
	if !ok {
		return "", repo.ErrTabClosed
	}
	return url, nil
}

func (b *fakeBrowser) QueryAll(ctx context.Context, tab repo.TabID, selector string) ([]repo.Element, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	url, ok := b.tabs[tab]
	if !ok {
		return nil, repo.ErrTabClosed
	}
	return toElements(b.pages[url][selector]), nil
}

func (b *fakeBrowser) QueryOne(ctx context.Context, tab repo.TabID, selector string) (repo.Element, error) {
	els, err := b.QueryAll(ctx, tab, selector)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, repo.ErrElementNotFound
	}
	return els[0], nil
}

func (b *fakeBrowser) Eval(ctx context.Context, tab repo.TabID, js string) (string, error) {
	return "", nil
}

func (b *fakeBrowser) ScrollBy(ctx context.Context, tab repo.TabID, dy int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scrolls++
	b.scrollY += b.scrollStep
	return b.scrollY, nil
}

func (b *fakeBrowser) Screenshot(ctx context.Context, tab repo.TabID) ([]byte, error) {
	return []byte("png"), nil
}

func (b *fakeBrowser) SetCookie(ctx context.Context, c repo.Cookie) error {
	b.mu.Lock()
	b.cookies = append(b.cookies, c)
	b.mu.Unlock()
	return nil
}

func (b *fakeBrowser) HandleNativePrompt(ctx context.Context, tab repo.TabID, accept bool) error {
	b.mu.Lock()
	b.dismissed++
	b.mu.Unlock()
	return repo.ErrNoDialog
}

func (b *fakeBrowser) InstallPromptGuard(ctx context.Context, tab repo.TabID) error { return nil }

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	b.closed = true
	b.tabs = make(map[repo.TabID]string)
	b.mu.Unlock()
	return nil
}

// fakeLauncher hands out the same browser on every successful launch
type fakeLauncher struct {
	mu       sync.Mutex
	browser  *fakeBrowser
	failures int
	locked   bool
	specs    []repo.LaunchSpec
	temps    int
	removed  []string
}

func (l *fakeLauncher) Launch(ctx context.Context, spec repo.LaunchSpec) (repo.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.failures > 0 {
		l.failures--
		return nil, fmt.Errorf("devtools did not come up")
	}
	l.browser.mu.Lock()
	l.browser.closed = false
	l.browser.mu.Unlock()
	return l.browser, nil
}

func (l *fakeLauncher) FreePort() (int, error) { return 9222, nil }

func (l *fakeLauncher) ProfileLocked(dir string) (bool, error) { return l.locked, nil }

func (l *fakeLauncher) CleanStaleLocks(dir string) error { return nil }

func (l *fakeLauncher) NewTempProfile() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.temps++
	return fmt.Sprintf("/tmp/xmonitor-profile-%d", l.temps), nil
}

func (l *fakeLauncher) RemoveProfile(dir string) error {
	l.mu.Lock()
	l.removed = append(l.removed, dir)
	l.mu.Unlock()
	return nil
}

func (l *fakeLauncher) lastSpec() repo.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[len(l.specs)-1]
}

// memorySink keeps diagnostic records in memory
type memorySink struct {
	mu      sync.Mutex
	records []*domain.DiagnosticRecord
}

func (s *memorySink) Capture(ctx context.Context, rec *domain.DiagnosticRecord) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) Recent(ctx context.Context, limit int) ([]*domain.DiagnosticRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records, nil
}

// tweetCard builds an article the way the timeline renders one
func tweetCard(display, handle, content, statusID string) *fakeElement {
	name := strings.TrimPrefix(handle, "@")
	href := "/" + name + "/status/" + statusID
	card := node(display + "\n" + handle + "\n" + content)
	card.html = fmt.Sprintf(`<article><a href="%s"></a><p>%s</p></article>`, href, content)
	card.with(selUserName, node(display+"\n"+handle))
	card.with(selLink, node("").attr("href", href))
	card.with(selTweetText, node(content))
	card.with(selReply, node("").attr("aria-label", "Reply"))
	return card
}

func stamp(card *fakeElement, at time.Time) *fakeElement {
	return card.with(selTime, node("").attr("datetime", at.UTC().Format(time.RFC3339)))
}
