package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

func newTestSession(l *fakeLauncher, cfg SessionConfig) (*SessionManager, *[]time.Duration) {
	s := NewSessionManager(l, cfg, nil)
	var slept []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return s, &slept
}

func TestSession_LaunchesLazilyWithAuthCookie(t *testing.T) {
	l := &fakeLauncher{browser: newFakeBrowser()}
	s, _ := newTestSession(l, SessionConfig{})
	s.SetAuthToken("tok")
	assert.False(t, s.Running())

	var hooks int
	s.OnRestart(func(ctx context.Context) { hooks++ })

	b, tab, err := s.Tab(context.Background(), TabNotification)
	require.NoError(t, err)
	assert.True(t, s.Running())
	assert.Equal(t, 1, s.Generation())
	assert.Equal(t, 1, hooks)

	url, err := b.CurrentURL(context.Background(), tab)
	require.NoError(t, err)
	assert.Equal(t, NotificationsURL, url)

	require.Len(t, l.browser.cookies, 1)
	assert.Equal(t, AuthCookieName, l.browser.cookies[0].Name)
	assert.Equal(t, "tok", l.browser.cookies[0].Value)
	assert.Equal(t, CookieDomain, l.browser.cookies[0].Domain)

	_, again, err := s.Tab(context.Background(), TabNotification)
	require.NoError(t, err)
	assert.Equal(t, tab, again, "a live tab is reused")
	assert.Equal(t, 1, hooks)
}

func TestSession_LaunchEscalation(t *testing.T) {
	l := &fakeLauncher{browser: newFakeBrowser(), failures: 3}
	s, slept := newTestSession(l, SessionConfig{ProfileDir: "/data/profile", PersistProfile: true})

	_, err := s.Browser(context.Background())
	require.NoError(t, err)
	require.Len(t, l.specs, 4)

	assert.Equal(t, repo.LaunchSpec{ProfileDir: "/data/profile", Port: 9222}, l.specs[0])
	assert.True(t, l.specs[1].TempProfile)
	assert.False(t, l.specs[1].ReducedArgs)
	assert.True(t, l.specs[2].ReducedArgs)
	assert.False(t, l.specs[2].Headless)
	assert.True(t, l.specs[3].Headless, "the last resort forces headless")

	assert.Len(t, l.removed, 2, "failed temp profiles are removed")
	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 3 * time.Second, 4500 * time.Millisecond}, *slept)
}

func TestSession_LaunchGivesUpAsFatal(t *testing.T) {
	l := &fakeLauncher{browser: newFakeBrowser(), failures: 10}
	s, _ := newTestSession(l, SessionConfig{LaunchAttempts: 2})

	_, err := s.Browser(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.ClassFatal, domain.ClassOf(err))
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.False(t, s.Running())
}

func TestSession_LockedProfileFallsBackToTemp(t *testing.T) {
	l := &fakeLauncher{browser: newFakeBrowser(), locked: true}
	s, _ := newTestSession(l, SessionConfig{ProfileDir: "/data/profile", PersistProfile: true})

	_, err := s.Browser(context.Background())
	require.NoError(t, err)
	spec := l.lastSpec()
	assert.True(t, spec.TempProfile)
	assert.Equal(t, "/tmp/xmonitor-profile-1", spec.ProfileDir)

	s.Close(context.Background())
	assert.Equal(t, []string{"/tmp/xmonitor-profile-1"}, l.removed)
}

func TestSession_RestartInvalidatesTabs(t *testing.T) {
	l := &fakeLauncher{browser: newFakeBrowser()}
	s, _ := newTestSession(l, SessionConfig{})
	ctx := context.Background()

	_, _, err := s.Tab(ctx, TabReply)
	require.NoError(t, err)
	s.MarkPasscodeWarmed()

	var hooks int
	s.OnRestart(func(ctx context.Context) { hooks++ })
	require.NoError(t, s.Restart(ctx))

	assert.Equal(t, 2, s.Generation())
	assert.Equal(t, 1, hooks)
	assert.False(t, s.PasscodeWarmed())

	b, tab, err := s.Tab(ctx, TabReply)
	require.NoError(t, err)
	assert.True(t, b.TabAlive(ctx, tab))
}

func TestSession_RunHeaded(t *testing.T) {
	l := &fakeLauncher{browser: newFakeBrowser()}
	s, _ := newTestSession(l, SessionConfig{Headless: true, HeadedFallback: true})
	ctx := context.Background()

	_, err := s.Browser(ctx)
	require.NoError(t, err)
	assert.True(t, l.lastSpec().Headless)

	var headedDuring bool
	err = s.RunHeaded(ctx, func(ctx context.Context) error {
		headedDuring = !l.lastSpec().Headless
		return nil
	})
	require.NoError(t, err)
	assert.True(t, headedDuring)
	assert.True(t, l.lastSpec().Headless, "mode reverts after the headed run")
}

func TestSession_RunHeadedUnavailable(t *testing.T) {
	l := &fakeLauncher{browser: newFakeBrowser()}
	s, _ := newTestSession(l, SessionConfig{Headless: true})

	err := s.RunHeaded(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrHeadedUnavailable)
	assert.Empty(t, l.specs)
}
