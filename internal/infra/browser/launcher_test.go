package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

func TestBuildLauncher_Flags(t *testing.T) {
	spec := repo.LaunchSpec{
		Bin:        "/usr/bin/chromium",
		ProfileDir: "/tmp/profile",
		Headless:   true,
		Port:       9333,
		Proxy:      "http://127.0.0.1:3128",
	}

	l := buildLauncher(spec)
	assert.Equal(t, "/usr/bin/chromium", l.Get(flags.Bin))
	assert.Equal(t, "/tmp/profile", l.Get(flags.UserDataDir))
	assert.Equal(t, "9333", l.Get(flags.RemoteDebuggingPort))
	assert.Equal(t, "http://127.0.0.1:3128", l.Get(flags.ProxyServer))
	assert.Equal(t, "<-loopback>", l.Get(flags.Flag("proxy-bypass-list")))
	assert.True(t, l.Has(flags.Headless))
	assert.Equal(t, "AutomationControlled", l.Get(flags.Flag("disable-blink-features")))

	spec.ReducedArgs = true
	spec.Proxy = ""
	spec.Headless = false
	l = buildLauncher(spec)
	assert.False(t, l.Has(flags.Flag("disable-blink-features")))
	assert.True(t, l.Has(flags.Flag("disable-gpu")))
	assert.False(t, l.Has(flags.ProxyServer))
	assert.False(t, l.Has(flags.Headless))
}

func TestParseSingletonLock(t *testing.T) {
	host, pid, ok := parseSingletonLock("build-box-01-4242")
	require.True(t, ok)
	assert.Equal(t, "build-box-01", host)
	assert.Equal(t, 4242, pid)

	for _, bad := range []string{"", "nohyphen", "host-", "-12", "host-abc", "host-0"} {
		_, _, ok := parseSingletonLock(bad)
		assert.False(t, ok, bad)
	}
}

func TestProfileLocked(t *testing.T) {
	l := NewLauncher(0, nil)
	dir := t.TempDir()

	locked, err := l.ProfileLocked(dir)
	require.NoError(t, err)
	assert.False(t, locked)

	host, err := os.Hostname()
	require.NoError(t, err)

	// Our own pid is alive
	require.NoError(t, os.Symlink(fmt.Sprintf("%s-%d", host, os.Getpid()), filepath.Join(dir, "SingletonLock")))
	locked, err = l.ProfileLocked(dir)
	require.NoError(t, err)
	assert.True(t, locked)

	// Another host's lock is stale here
	require.NoError(t, os.Remove(filepath.Join(dir, "SingletonLock")))
	require.NoError(t, os.Symlink(fmt.Sprintf("%s-other-%d", host, os.Getpid()), filepath.Join(dir, "SingletonLock")))
	locked, err = l.ProfileLocked(dir)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestCleanStaleLocks(t *testing.T) {
	l := NewLauncher(0, nil)
	dir := t.TempDir()
	require.NoError(t, os.Symlink("gone-1", filepath.Join(dir, "SingletonLock")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SingletonCookie"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Preferences"), []byte("{}"), 0o644))

	require.NoError(t, l.CleanStaleLocks(dir))
	_, err := os.Lstat(filepath.Join(dir, "SingletonLock"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "Preferences"))
	assert.NoError(t, err)
}

func TestTempProfileLifecycle(t *testing.T) {
	l := NewLauncher(0, nil)
	dir, err := l.NewTempProfile()
	require.NoError(t, err)
	assert.DirExists(t, dir)
	require.NoError(t, l.RemoveProfile(dir))
	assert.NoDirExists(t, dir)
	assert.Error(t, l.RemoveProfile(""))
}

func TestFreePort(t *testing.T) {
	port, err := NewLauncher(0, nil).FreePort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}
