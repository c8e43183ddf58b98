package usecase

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

// AccountStore exposes the delegated-account state kept under the monitor lock
type AccountStore interface {
	Account() domain.DelegatedAccountState
	UpdateAccount(fn func(*domain.DelegatedAccountState))
}

// AccountSwitcher makes the browser session act as the delegated account
type AccountSwitcher struct {
	store  AccountStore
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewAccountSwitcher creates a new account switcher
func NewAccountSwitcher(store AccountStore, logger *zap.Logger) *AccountSwitcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountSwitcher{store: store, logger: logger.Named("account"), sleep: sleepCtx}
}

// CurrentHandle reads the active account from the side navigation
func (a *AccountSwitcher) CurrentHandle(ctx context.Context, b repo.Browser, tab repo.TabID) string {
	if btn, err := b.QueryOne(ctx, tab, selAccountBtn); err == nil {
		if m := handlePattern.FindString(textOf(ctx, btn)); m != "" {
			return domain.NormalizeHandle(m)
		}
	}
	if link, err := b.QueryOne(ctx, tab, selProfileTab); err == nil {
		if h := domain.HandleFromHref(attrOf(ctx, link, "href")); h != "" {
			return h
		}
	}
	return ""
}

func (a *AccountSwitcher) refresh(ctx context.Context, b repo.Browser, tab repo.TabID) {
	if err := b.Reload(ctx, tab); err != nil {
		a.logger.Debug("refresh failed", zap.Error(err))
	}
	_ = a.sleep(ctx, 1200*time.Millisecond)
}

// Ensure switches the session to the delegated account if one is enabled.
// It never assumes success: every path ends with a read of the active handle.
func (a *AccountSwitcher) Ensure(ctx context.Context, b repo.Browser, tab repo.TabID) error {
	state := a.store.Account()
	target := state.Target()
	if target == "" {
		return nil
	}

	if cur := a.CurrentHandle(ctx, b, tab); cur == target {
		a.store.UpdateAccount(func(s *domain.DelegatedAccountState) { s.Confirm(cur) })
		a.logger.Info("already on delegated account", zap.String("handle", target))
		a.refresh(ctx, b, tab)
		return nil
	}

	if state.SwitchConfirmed && state.ActiveHandle == target {
		a.refresh(ctx, b, tab)
		if cur := a.CurrentHandle(ctx, b, tab); cur == target {
			a.logger.Info("delegated account still active after refresh", zap.String("handle", target))
			return nil
		}
		a.logger.Warn("delegated account lost after refresh, switching again", zap.String("handle", target))
	}

	if err := a.switchTo(ctx, b, tab, target); err != nil {
		a.store.UpdateAccount(func(s *domain.DelegatedAccountState) { s.ResetSession() })
		return err
	}
	a.refresh(ctx, b, tab)

	cur := a.CurrentHandle(ctx, b, tab)
	switch {
	case cur == target:
		a.store.UpdateAccount(func(s *domain.DelegatedAccountState) { s.Confirm(cur) })
		a.logger.Info("switched to delegated account", zap.String("handle", target))
		return nil
	case cur == "":
		// indicator not rendered; keep the switch but do not mark it confirmed
		a.store.UpdateAccount(func(s *domain.DelegatedAccountState) {
			s.ActiveHandle = target
			s.SwitchConfirmed = false
		})
		a.logger.Warn("switch done but active account unreadable", zap.String("handle", target))
		return nil
	default:
		a.store.UpdateAccount(func(s *domain.DelegatedAccountState) { s.ResetSession() })
		return domain.TargetState(domain.StagePrepare, nil, "account switch ended on %s instead of %s", cur, target)
	}
}

func (a *AccountSwitcher) switchTo(ctx context.Context, b repo.Browser, tab repo.TabID, target string) error {
	if _, err := b.Eval(ctx, tab, `() => { window.scrollTo(0, document.body.scrollHeight); return "" }`); err != nil {
		a.logger.Debug("scroll to bottom failed", zap.Error(err))
	}
	_ = a.sleep(ctx, 400*time.Millisecond)

	var menu repo.Element
	for i := 0; i < 3 && menu == nil; i++ {
		if el, err := b.QueryOne(ctx, tab, selAccountBtn); err == nil && visible(ctx, el) {
			menu = el
			break
		}
		if err := a.sleep(ctx, 800*time.Millisecond); err != nil {
			return err
		}
	}
	if menu == nil {
		return domain.Transient(domain.StagePrepare, repo.ErrElementNotFound, "account menu button not found")
	}
	if err := menu.Click(ctx); err != nil {
		return domain.Transient(domain.StagePrepare, err, "failed to open account menu")
	}
	if err := a.sleep(ctx, 4*time.Second); err != nil {
		return err
	}

	var cells []repo.Element
	for i := 0; i < 3; i++ {
		cells, _ = b.QueryAll(ctx, tab, selUserCell)
		if len(cells) > 0 {
			break
		}
		if err := a.sleep(ctx, 800*time.Millisecond); err != nil {
			return err
		}
	}

	var found repo.Element
	var options []string
	for _, cell := range cells {
		text := textOf(ctx, cell)
		if m := handlePattern.FindString(text); m != "" {
			options = append(options, domain.NormalizeHandle(m))
			if domain.NormalizeHandle(m) == target && visible(ctx, cell) {
				found = cell
				break
			}
		}
	}
	if found == nil {
		return domain.TargetState(domain.StagePrepare, nil, "account %s not in switcher (options: %s)", target, strings.Join(options, ", "))
	}
	if err := found.Click(ctx); err != nil {
		return domain.Transient(domain.StagePrepare, err, "failed to pick account %s", target)
	}
	if err := a.sleep(ctx, 3500*time.Millisecond); err != nil {
		return err
	}

	buttons, _ := b.QueryAll(ctx, tab, selButton)
	for _, btn := range buttons {
		label := strings.ToLower(strings.TrimSpace(textOf(ctx, btn)))
		if label == "" || !containsAny(label, switchConfirmWords) || !visible(ctx, btn) {
			continue
		}
		if err := btn.Click(ctx); err != nil {
			return domain.Transient(domain.StagePrepare, err, "failed to confirm account switch")
		}
		_ = a.sleep(ctx, 2*time.Second)
		break
	}
	return nil
}
