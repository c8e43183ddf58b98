package usecase

import (
	"context"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

const submitActiveElementJS = `() => {
  const el = document.activeElement;
  if (!el) return "";
  const opts = {key: "Enter", code: "Enter", keyCode: 13, which: 13, bubbles: true};
  el.dispatchEvent(new KeyboardEvent("keydown", opts));
  el.dispatchEvent(new KeyboardEvent("keyup", opts));
  if (el.form) { el.form.requestSubmit ? el.form.requestSubmit() : el.form.submit(); }
  return "1";
}`

// passcodeGate is what Detect found on the page
type passcodeGate struct {
	hinted bool
	single repo.Element
	digits []repo.Element
}

func (g passcodeGate) fillable() bool {
	return g.single != nil || len(g.digits) >= 4
}

// PasscodeHandler fills the platform passcode gate in front of direct messages
type PasscodeHandler struct {
	code     string
	attempts int
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewPasscodeHandler creates a passcode handler; an empty code disables it
func NewPasscodeHandler(code string, logger *zap.Logger) *PasscodeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PasscodeHandler{
		code:     strings.TrimSpace(code),
		attempts: 2,
		logger:   logger.Named("passcode"),
		sleep:    sleepCtx,
	}
}

func (p *PasscodeHandler) detect(ctx context.Context, b repo.Browser, tab repo.TabID) passcodeGate {
	var g passcodeGate
	if body, err := b.QueryOne(ctx, tab, selBody); err == nil {
		g.hinted = containsAny(strings.ToLower(textOf(ctx, body)), passcodeHints)
	}
	for _, sel := range passcodeInputSelectors {
		if el, err := b.QueryOne(ctx, tab, sel); err == nil && visible(ctx, el) {
			g.single = el
			break
		}
	}
	for _, sel := range passcodeDigitSelectors {
		els, err := b.QueryAll(ctx, tab, sel)
		if err != nil {
			continue
		}
		var shown []repo.Element
		for _, el := range els {
			if visible(ctx, el) {
				shown = append(shown, el)
			}
		}
		if len(shown) >= 4 {
			g.digits = shown
			break
		}
	}
	return g
}

// Present reports whether a fillable passcode gate is on the page
func (p *PasscodeHandler) Present(ctx context.Context, b repo.Browser, tab repo.TabID) bool {
	return p.detect(ctx, b, tab).fillable()
}

// Handle fills and submits the gate if one is shown. It returns true when a
// gate was found and cleared, false when there was none, and an error when
// the gate stayed up after the bounded attempts.
func (p *PasscodeHandler) Handle(ctx context.Context, b repo.Browser, tab repo.TabID, stage domain.ReplyStage) (bool, error) {
	if p.code == "" {
		return false, nil
	}
	handled := false
	for attempt := 0; attempt < p.attempts; attempt++ {
		g := p.detect(ctx, b, tab)
		if !g.fillable() {
			if g.hinted && !handled {
				p.logger.Debug("passcode text on page without an input")
			}
			return handled, nil
		}
		if err := p.fill(ctx, b, tab, g); err != nil {
			return handled, domain.Transient(stage, err, "failed to enter passcode")
		}
		handled = true
		if err := p.sleep(ctx, 800*time.Millisecond); err != nil {
			return handled, err
		}
		if !p.Present(ctx, b, tab) {
			p.logger.Info("passcode gate cleared")
			return true, nil
		}
		p.logger.Warn("passcode gate still shown", zap.Int("attempt", attempt+1))
	}
	return handled, domain.Transient(stage, nil, "passcode gate did not clear after %d attempts", p.attempts)
}

func (p *PasscodeHandler) fill(ctx context.Context, b repo.Browser, tab repo.TabID, g passcodeGate) error {
	var anchor repo.Element
	digits := make([]string, 0, len(p.code))
	for _, r := range p.code {
		if unicode.IsDigit(r) {
			digits = append(digits, string(r))
		}
	}

	if len(g.digits) >= 4 && len(digits) >= 4 {
		for i, el := range g.digits[:4] {
			_ = el.Click(ctx)
			if err := el.Type(ctx, digits[i]); err != nil {
				return err
			}
		}
		anchor = g.digits[0]
	} else if g.single != nil {
		_ = g.single.Click(ctx)
		if err := g.single.Type(ctx, p.code); err != nil {
			return err
		}
		anchor = g.single
	} else {
		return domain.TargetState(domain.StageOpenDmThread, nil, "segmented passcode needs 4 digits")
	}

	if btn := p.submitButton(ctx, b, tab); btn != nil {
		if err := btn.Click(ctx); err == nil {
			return nil
		}
	}
	_ = anchor.Click(ctx)
	_, err := b.Eval(ctx, tab, submitActiveElementJS)
	return err
}

func (p *PasscodeHandler) submitButton(ctx context.Context, b repo.Browser, tab repo.TabID) repo.Element {
	if els, err := b.QueryAll(ctx, tab, `button[type="submit"]`); err == nil {
		for _, el := range els {
			if visible(ctx, el) {
				return el
			}
		}
	}
	for _, sel := range []string{`[data-testid*="passcode"] button`, selButton} {
		els, err := b.QueryAll(ctx, tab, sel)
		if err != nil {
			continue
		}
		for _, el := range els {
			label := strings.ToLower(strings.TrimSpace(textOf(ctx, el)))
			if label != "" && containsAny(label, passcodeSubmitKeys) && visible(ctx, el) {
				return el
			}
		}
	}
	return nil
}

// Warmup visits the DM composer once so the gate is cleared before the first
// real DM, then returns the tab to notifications.
func (p *PasscodeHandler) Warmup(ctx context.Context, b repo.Browser, tab repo.TabID) {
	if p.code == "" {
		return
	}
	defer func() {
		if err := b.Navigate(ctx, tab, NotificationsURL); err != nil {
			p.logger.Debug("return to notifications failed", zap.Error(err))
		}
	}()
	if err := b.Navigate(ctx, tab, ComposeDMURL); err != nil {
		p.logger.Warn("passcode warm-up navigation failed", zap.Error(err))
		return
	}
	_ = p.sleep(ctx, 900*time.Millisecond)
	for i := 0; i < 2; i++ {
		if _, err := p.Handle(ctx, b, tab, domain.StagePrepare); err != nil {
			p.logger.Warn("passcode warm-up failed", zap.Error(err))
			return
		}
		_ = p.sleep(ctx, 500*time.Millisecond)
	}
	p.logger.Debug("passcode warm-up done")
}
