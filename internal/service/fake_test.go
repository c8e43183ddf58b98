package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/usecase"
)

// fakeBrowser is an empty-page browser that records what was done to it
type fakeBrowser struct {
	mu        sync.Mutex
	next      int
	tabs      map[repo.TabID]string
	opened    []string
	closed    bool
	reloads   int
	cookies   []repo.Cookie
	failQuery map[string]error // url substring -> QueryAll error
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{tabs: make(map[repo.TabID]string), failQuery: make(map[string]error)}
}

func (b *fakeBrowser) NewTab(ctx context.Context, url string) (repo.TabID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := repo.TabID(fmt.Sprintf("tab-%d", b.next))
	b.tabs[id] = url
	b.opened = append(b.opened, url)
	return id, nil
}

func (b *fakeBrowser) CloseTab(ctx context.Context, tab repo.TabID) error {
	b.mu.Lock()
	delete(b.tabs, tab)
	b.mu.Unlock()
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
	return nil
}

func (b *fakeBrowser) Reload(ctx context.Context, tab repo.TabID) error {
	b.mu.Lock()
	b.reloads++
	b.mu.Unlock()
	return nil
}

func (b *fakeBrowser) CurrentURL(ctx context.Context, tab repo.TabID) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.tabs[tab]
	if !ok {
		return "", repo.ErrTabClosed
	}
	return u, nil
}

func (b *fakeBrowser) QueryAll(ctx context.Context, tab repo.TabID, selector string) ([]repo.Element, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.tabs[tab]
	if !ok {
		return nil, repo.ErrTabClosed
	}
	for sub, err := range b.failQuery {
		if strings.Contains(u, sub) {
			return nil, err
		}
	}
	return nil, nil
}

func (b *fakeBrowser) QueryOne(ctx context.Context, tab repo.TabID, selector string) (repo.Element, error) {
	return nil, repo.ErrElementNotFound
}

func (b *fakeBrowser) Eval(ctx context.Context, tab repo.TabID, js string) (string, error) {
	return "", nil
}

func (b *fakeBrowser) ScrollBy(ctx context.Context, tab repo.TabID, dy int) (int, error) {
	return 0, nil
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
	return repo.ErrNoDialog
}

func (b *fakeBrowser) InstallPromptGuard(ctx context.Context, tab repo.TabID) error { return nil }

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBrowser) openedCount(sub string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, u := range b.opened {
		if strings.Contains(u, sub) {
			n++
		}
	}
	return n
}

func (b *fakeBrowser) failOn(sub string, err error) {
	b.mu.Lock()
	b.failQuery[sub] = err
	b.mu.Unlock()
}

// fakeLauncher hands out fake browsers
type fakeLauncher struct {
	mu       sync.Mutex
	browsers []*fakeBrowser
	setup    func(b *fakeBrowser)
	err      error
}

func (l *fakeLauncher) Launch(ctx context.Context, spec repo.LaunchSpec) (repo.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	b := newFakeBrowser()
	if l.setup != nil {
		l.setup(b)
	}
	l.browsers = append(l.browsers, b)
	return b, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.browsers)
}

func (l *fakeLauncher) last() *fakeBrowser {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.browsers) == 0 {
		return nil
	}
	return l.browsers[len(l.browsers)-1]
}

func (l *fakeLauncher) FreePort() (int, error)                  { return 9222, nil }
func (l *fakeLauncher) ProfileLocked(dir string) (bool, error) { return false, nil }
func (l *fakeLauncher) CleanStaleLocks(dir string) error       { return nil }
func (l *fakeLauncher) NewTempProfile() (string, error)        { return "/tmp/fake-profile", nil }
func (l *fakeLauncher) RemoveProfile(dir string) error         { return nil }

// memStateRepo keeps the last saved snapshot in memory
type memStateRepo struct {
	mu    sync.Mutex
	snap  *domain.Snapshot
	saves int
	err   error
}

func (r *memStateRepo) Load(ctx context.Context) (*domain.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap == nil {
		return domain.NewSnapshot(), nil
	}
	return r.snap, nil
}

func (r *memStateRepo) Save(ctx context.Context, snap *domain.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.snap = snap
	r.saves++
	return nil
}

func (r *memStateRepo) Close() error { return nil }

func (r *memStateRepo) saved() (*domain.Snapshot, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap, r.saves
}

// fakeReplier records workflow requests
type fakeReplier struct {
	mu        sync.Mutex
	requests  []usecase.ReplyRequest
	forgotten []string
	out       usecase.ReplyOutcome
	err       error
	block     chan struct{}
}

func (r *fakeReplier) Submit(ctx context.Context, req usecase.ReplyRequest) (usecase.ReplyOutcome, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return usecase.ReplyOutcome{}, ctx.Err()
		}
	}
	if r.err != nil {
		return usecase.ReplyOutcome{}, r.err
	}
	out := r.out
	if out.ReplyText == "" {
		out.ReplyText = req.ReplyText
	}
	if out.DMText == "" && !out.DMSkipped {
		out.DMText = req.DMText
	}
	return out, nil
}

func (r *fakeReplier) Stage() domain.ReplyStage { return domain.StageIdle }

func (r *fakeReplier) Forget(key string) {
	r.mu.Lock()
	r.forgotten = append(r.forgotten, key)
	r.mu.Unlock()
}

func (r *fakeReplier) calls() []usecase.ReplyRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]usecase.ReplyRequest(nil), r.requests...)
}

// fakePolicy drops content listed in skip
type fakePolicy struct {
	skip map[string]string
}

func (p fakePolicy) ShouldSkip(ctx context.Context, content string) (bool, string) {
	if reason, ok := p.skip[content]; ok {
		return true, reason
	}
	return false, ""
}
