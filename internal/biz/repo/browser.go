package repo

import (
	"context"
	"errors"
)

var (
	// ErrElementNotFound is returned by QueryOne when nothing matches
	ErrElementNotFound = errors.New("element not found")
	// ErrTabClosed is returned for operations on a tab that no longer exists
	ErrTabClosed = errors.New("tab closed")
	// ErrNoDialog is returned by HandleNativePrompt when no dialog is open
	ErrNoDialog = errors.New("no native dialog open")
	// ErrNativePrompt is returned when a native dialog blocked the operation
	ErrNativePrompt = errors.New("blocked by native dialog")
)

// TabID names a tab inside one browser process
type TabID string

// Element is a live DOM node. Handles go stale when the page re-renders.
type Element interface {
	Text(ctx context.Context) (string, error)
	Attr(ctx context.Context, name string) (string, error)
	HTML(ctx context.Context) (string, error)
	Visible(ctx context.Context) (bool, error)
	Click(ctx context.Context) error
	// Type replaces the element's current value with text
	Type(ctx context.Context, text string) error
	ScrollIntoView(ctx context.Context) error
	QueryAll(ctx context.Context, selector string) ([]Element, error)
	QueryOne(ctx context.Context, selector string) (Element, error)
}

// Cookie is a browser cookie to install before navigation
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
}

// Browser is the automation surface of one running browser process
type Browser interface {
	NewTab(ctx context.Context, url string) (TabID, error)
	CloseTab(ctx context.Context, tab TabID) error
	TabAlive(ctx context.Context, tab TabID) bool

	Navigate(ctx context.Context, tab TabID, url string) error
	Reload(ctx context.Context, tab TabID) error
	CurrentURL(ctx context.Context, tab TabID) (string, error)

	QueryAll(ctx context.Context, tab TabID, selector string) ([]Element, error)
	QueryOne(ctx context.Context, tab TabID, selector string) (Element, error)

	// Eval runs a JS function expression and returns its result as a string
	Eval(ctx context.Context, tab TabID, js string) (string, error)
	// ScrollBy scrolls the viewport and returns the vertical offset after scrolling
	ScrollBy(ctx context.Context, tab TabID, dy int) (int, error)
	Screenshot(ctx context.Context, tab TabID) ([]byte, error)

	SetCookie(ctx context.Context, c Cookie) error

	// HandleNativePrompt dismisses (or accepts) an open alert/confirm/beforeunload
	HandleNativePrompt(ctx context.Context, tab TabID, accept bool) error
	// InstallPromptGuard auto-dismisses future native prompts on the tab
	InstallPromptGuard(ctx context.Context, tab TabID) error

	Close() error
}

// LaunchSpec describes one launch attempt
type LaunchSpec struct {
	Bin         string
	ProfileDir  string
	TempProfile bool
	Headless    bool
	ReducedArgs bool
	Port        int
	Proxy       string
}

// Launcher starts browser processes and manages their profile directories
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Browser, error)
	FreePort() (int, error)
	// ProfileLocked reports whether a live process holds the profile
	ProfileLocked(dir string) (bool, error)
	CleanStaleLocks(dir string) error
	NewTempProfile() (string, error)
	RemoveProfile(dir string) error
}
