package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"go.uber.org/zap"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

// Chromium leaves these behind when it dies without a clean shutdown
var singletonFiles = []string{"SingletonLock", "SingletonCookie", "SingletonSocket"}

// Launcher starts Chromium processes through rod's launcher
type Launcher struct {
	navTimeout time.Duration
	logger     *zap.Logger
}

// NewLauncher creates a launcher. navTimeout bounds every navigation of the browsers it starts.
func NewLauncher(navTimeout time.Duration, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	return &Launcher{navTimeout: navTimeout, logger: logger.Named("browser")}
}

var _ repo.Launcher = (*Launcher)(nil)

// buildLauncher translates a launch spec into rod launcher flags
func buildLauncher(spec repo.LaunchSpec) *launcher.Launcher {
	l := launcher.New().
		Headless(spec.Headless).
		UserDataDir(spec.ProfileDir).
		RemoteDebuggingPort(spec.Port)

	bin := spec.Bin
	if bin == "" {
		if found, ok := launcher.LookPath(); ok {
			bin = found
		}
	}
	if bin != "" {
		l = l.Bin(bin)
	}

	if os.Geteuid() == 0 {
		l = l.NoSandbox(true)
	}

	if spec.Proxy != "" {
		l = l.Proxy(spec.Proxy).Set(flags.Flag("proxy-bypass-list"), "<-loopback>")
	}

	l = l.Set(flags.Flag("disable-dev-shm-usage"))
	if spec.ReducedArgs {
		return l.Set(flags.Flag("disable-gpu"))
	}
	return l.
		Set(flags.Flag("disable-blink-features"), "AutomationControlled").
		Set(flags.Flag("window-size"), "1280,900").
		Set(flags.Flag("lang"), "zh-CN,zh,en-US,en").
		Set(flags.Flag("no-first-run")).
		Set(flags.Flag("no-default-browser-check"))
}

// Launch starts a browser for spec and connects to it
func (l *Launcher) Launch(ctx context.Context, spec repo.LaunchSpec) (repo.Browser, error) {
	proc := buildLauncher(spec)

	type launched struct {
		url string
		err error
	}
	done := make(chan launched, 1)
	go func() {
		u, err := proc.Launch()
		done <- launched{u, err}
	}()

	var controlURL string
	select {
	case <-ctx.Done():
		proc.Kill()
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("launch chromium: %w", res.err)
		}
		controlURL = res.url
	}

	rb := rod.New().ControlURL(controlURL)
	if err := rb.Connect(); err != nil {
		proc.Kill()
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}

	l.logger.Debug("chromium connected",
		zap.Int("port", spec.Port),
		zap.String("profile", spec.ProfileDir),
		zap.Bool("headless", spec.Headless))
	return newBrowser(rb, proc, l.navTimeout, l.logger), nil
}

// FreePort asks the kernel for an unused loopback port
func (l *Launcher) FreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find free port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// ProfileLocked reports whether the SingletonLock of dir points at a live process
// on this host. A lock owned by a dead process or another host is stale.
func (l *Launcher) ProfileLocked(dir string) (bool, error) {
	target, err := os.Readlink(filepath.Join(dir, "SingletonLock"))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read profile lock: %w", err)
	}

	host, pid, ok := parseSingletonLock(target)
	if !ok {
		return false, nil
	}
	if hostname, herr := os.Hostname(); herr == nil && hostname != host {
		return false, nil
	}
	return processAlive(pid), nil
}

// parseSingletonLock splits "hostname-pid"; hostnames may contain dashes
func parseSingletonLock(target string) (string, int, bool) {
	i := strings.LastIndex(target, "-")
	if i <= 0 || i == len(target)-1 {
		return "", 0, false
	}
	pid, err := strconv.Atoi(target[i+1:])
	if err != nil || pid <= 0 {
		return "", 0, false
	}
	return target[:i], pid, true
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// CleanStaleLocks removes singleton files left by a crashed browser
func (l *Launcher) CleanStaleLocks(dir string) error {
	var errs []error
	for _, name := range singletonFiles {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewTempProfile creates an empty profile directory
func (l *Launcher) NewTempProfile() (string, error) {
	dir, err := os.MkdirTemp("", "xmonitor-profile-")
	if err != nil {
		return "", fmt.Errorf("failed to create temp profile: %w", err)
	}
	return dir, nil
}

// RemoveProfile deletes a profile directory
func (l *Launcher) RemoveProfile(dir string) error {
	if dir == "" || dir == "/" {
		return fmt.Errorf("refusing to remove profile %q", dir)
	}
	return os.RemoveAll(dir)
}
