package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/usecase"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func fastSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ParallelMin:       2,
		ParallelMax:       3,
		RefreshMin:        time.Hour,
		RefreshMax:        time.Hour,
		MaintenanceMin:    time.Hour,
		MaintenanceMax:    time.Hour,
		IdleWait:          5 * time.Millisecond,
		NotifyWait:        2 * time.Millisecond,
		RoundRestMin:      5 * time.Millisecond,
		RoundRestMax:      10 * time.Millisecond,
		DisconnectRestart: 3,
	}
}

func testExtractor() *usecase.ExtractorUsecase {
	cfg := usecase.DefaultExtractorConfig()
	cfg.MaxConsecutiveEmpty = 1
	return usecase.NewExtractorUsecase(cfg, nil)
}

func testSession(l *fakeLauncher) *usecase.SessionManager {
	return usecase.NewSessionManager(l, usecase.SessionConfig{LaunchAttempts: 1, Headless: true}, nil)
}

type schedulerFixture struct {
	sched    *Scheduler
	state    *MonitorState
	session  *usecase.SessionManager
	launcher *fakeLauncher
	saves    *atomic.Int32
}

func newSchedulerFixture(cfg SchedulerConfig) *schedulerFixture {
	l := &fakeLauncher{}
	state := newTestState(nil)
	session := testSession(l)
	saves := &atomic.Int32{}
	save := func(context.Context) error {
		saves.Add(1)
		return nil
	}
	s := NewScheduler(cfg, state, session, testExtractor(), save, nil)
	s.sleep = noSleep
	return &schedulerFixture{sched: s, state: state, session: session, launcher: l, saves: saves}
}

func TestScheduler_BatchSize(t *testing.T) {
	f := newSchedulerFixture(SchedulerConfig{ParallelMin: 2, ParallelMax: 5})
	assert.Equal(t, 1, f.sched.batchSize(1))
	for i := 0; i < 50; i++ {
		n := f.sched.batchSize(3)
		assert.GreaterOrEqual(t, n, 2)
		assert.LessOrEqual(t, n, 3)

		n = f.sched.batchSize(10)
		assert.GreaterOrEqual(t, n, 2)
		assert.LessOrEqual(t, n, 5)
	}
}

func TestScheduler_RunRoundScansEveryTask(t *testing.T) {
	f := newSchedulerFixture(fastSchedulerConfig())
	urls := []string{
		"https://x.com/alice/status/1234567890123456789",
		"https://x.com/bob/status/1234567890123456790",
		"https://x.com/carol/status/1234567890123456791",
	}
	for _, u := range urls {
		_, err := f.state.AddTask(u)
		require.NoError(t, err)
	}

	f.sched.runRound(context.Background(), f.state.Tasks())

	for _, task := range f.state.Tasks() {
		assert.False(t, task.LastCheckTime.IsZero(), task.URL)
	}
	b := f.launcher.last()
	require.NotNil(t, b)
	assert.Equal(t, 3, b.openedCount("about:blank"))
	b.mu.Lock()
	assert.Empty(t, b.tabs, "scan tabs are closed after the round")
	b.mu.Unlock()
}

func TestScheduler_NotificationsSkippedWhenDisabled(t *testing.T) {
	f := newSchedulerFixture(fastSchedulerConfig())
	f.sched.scanNotifications(context.Background())
	assert.Equal(t, 0, f.launcher.launches())
}

func TestScheduler_NotificationDisconnectHeals(t *testing.T) {
	f := newSchedulerFixture(fastSchedulerConfig())
	f.launcher.setup = func(b *fakeBrowser) { b.failOn("notifications", repo.ErrTabClosed) }
	f.state.SetNotification(true)
	ctx := context.Background()

	f.sched.scanNotifications(ctx)
	assert.Equal(t, 1, f.sched.disconnects)
	assert.Equal(t, 2, f.launcher.last().openedCount("notifications"), "tab recreated")

	f.sched.scanNotifications(ctx)
	assert.Equal(t, 2, f.sched.disconnects)
	assert.Equal(t, 1, f.launcher.launches())

	f.sched.scanNotifications(ctx)
	assert.Equal(t, 0, f.sched.disconnects)
	assert.Equal(t, 2, f.launcher.launches(), "browser restarted after repeated disconnects")
}

func TestScheduler_NotificationErrorReloads(t *testing.T) {
	f := newSchedulerFixture(fastSchedulerConfig())
	f.launcher.setup = func(b *fakeBrowser) { b.failOn("notifications", errors.New("boom")) }
	f.state.SetNotification(true)

	f.sched.scanNotifications(context.Background())
	assert.Equal(t, 0, f.sched.disconnects)
	assert.Equal(t, 1, f.launcher.launches())

	b := f.launcher.last()
	b.mu.Lock()
	defer b.mu.Unlock()
	// refresh on first scan, reload after the failure
	assert.Equal(t, 2, b.reloads)
}

func TestScheduler_NotificationScanDue(t *testing.T) {
	cfg := fastSchedulerConfig()
	cfg.NotifyIntervalMin = time.Hour
	cfg.NotifyIntervalMax = time.Hour
	f := newSchedulerFixture(cfg)
	f.state.SetNotification(true)
	ctx := context.Background()

	f.sched.scanNotifications(ctx)
	first := f.sched.nextNotify
	assert.True(t, first.After(time.Now().Add(50*time.Minute)))

	f.sched.scanNotifications(ctx)
	assert.Equal(t, first, f.sched.nextNotify, "not due yet")
}

func TestScheduler_MaintenanceRestarts(t *testing.T) {
	f := newSchedulerFixture(fastSchedulerConfig())
	ctx := context.Background()
	_, err := f.session.Browser(ctx)
	require.NoError(t, err)

	f.sched.nextMaint = time.Now().Add(-time.Second)
	f.sched.maintain(ctx)
	assert.Equal(t, 2, f.launcher.launches())
	assert.True(t, f.sched.nextMaint.After(time.Now()))
}

func TestScheduler_MaintenanceLightRefresh(t *testing.T) {
	f := newSchedulerFixture(fastSchedulerConfig())
	ctx := context.Background()
	f.state.UpdateAccount(func(a *domain.DelegatedAccountState) {
		a.Set("@brand", true)
		a.Confirm("@brand")
	})
	_, err := f.session.Browser(ctx)
	require.NoError(t, err)

	f.sched.nextMaint = time.Now().Add(-time.Second)
	f.sched.maintain(ctx)
	assert.Equal(t, 1, f.launcher.launches(), "no restart")

	b := f.launcher.last()
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, 1, b.reloads)
}

func TestScheduler_HousekeepSavesOnInterval(t *testing.T) {
	cfg := fastSchedulerConfig()
	cfg.SaveInterval = time.Hour
	f := newSchedulerFixture(cfg)
	ctx := context.Background()
	f.sched.lastSave = time.Now()

	f.sched.housekeep(ctx, false)
	assert.EqualValues(t, 0, f.saves.Load())

	f.sched.housekeep(ctx, true)
	assert.EqualValues(t, 1, f.saves.Load())

	f.sched.lastSave = time.Now().Add(-2 * time.Hour)
	f.sched.housekeep(ctx, false)
	assert.EqualValues(t, 2, f.saves.Load())
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newSchedulerFixture(fastSchedulerConfig())
	f.sched.sleep = sleepCtx
	f.state.SetNotification(true)
	_, err := f.state.AddTask("https://x.com/alice/status/1234567890123456789")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		return !f.state.Tasks()[0].LastCheckTime.IsZero() && f.saves.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	f.session.Close(context.Background())
}

func TestScheduler_RunFailsWhenBrowserCannotStart(t *testing.T) {
	f := newSchedulerFixture(fastSchedulerConfig())
	f.launcher.err = errors.New("no chromium")

	err := f.sched.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.ClassFatal, domain.ClassOf(err))
}
