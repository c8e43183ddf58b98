package usecase

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

const clickDMSendJS = `() => {
  const selectors = [
    'button[data-testid="dm-composer-send-button"]',
    '[data-testid*="dm-composer-send"]',
    '[data-testid="dmComposerSendButton"]',
  ];
  for (const s of selectors) {
    for (const el of Array.from(document.querySelectorAll(s))) {
      const style = window.getComputedStyle(el);
      const hidden = style.display === 'none' || style.visibility === 'hidden';
      const disabled = el.disabled || el.getAttribute('aria-disabled') === 'true';
      if (!hidden && !disabled) { el.click(); return "1"; }
    }
  }
  return "";
}`

// DMUsecase opens direct-message threads and sends messages in them
type DMUsecase struct {
	passcode   *PasscodeHandler
	assumeSent bool
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewDMUsecase creates a DM usecase. assumeSent keeps the best-effort policy of
// treating a clicked send button as delivered when the editor cannot be re-read.
func NewDMUsecase(passcode *PasscodeHandler, assumeSent bool, logger *zap.Logger) *DMUsecase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DMUsecase{passcode: passcode, assumeSent: assumeSent, logger: logger.Named("dm"), sleep: sleepCtx}
}

func (uc *DMUsecase) closed(ctx context.Context, b repo.Browser, tab repo.TabID) bool {
	body, err := b.QueryOne(ctx, tab, selBody)
	if err != nil {
		return false
	}
	return containsAny(strings.ToLower(textOf(ctx, body)), dmClosedKeywords)
}

func firstEnabled(ctx context.Context, b repo.Browser, tab repo.TabID, selectors []string) repo.Element {
	for _, sel := range selectors {
		els, err := b.QueryAll(ctx, tab, sel)
		if err != nil {
			continue
		}
		for _, el := range els {
			if !visible(ctx, el) {
				continue
			}
			if strings.EqualFold(attrOf(ctx, el, "aria-disabled"), "true") {
				continue
			}
			return el
		}
	}
	return nil
}

func (uc *DMUsecase) editor(ctx context.Context, b repo.Browser, tab repo.TabID) repo.Element {
	for _, sel := range dmEditorSelectors {
		if el, err := b.QueryOne(ctx, tab, sel); err == nil && visible(ctx, el) {
			return el
		}
	}
	return nil
}

func (uc *DMUsecase) dmClosedError() error {
	return domain.TargetState(domain.StageOpenDmThread, domain.ErrDMUnavailable, "account does not accept direct messages")
}

// Open navigates to handle's profile and opens the DM composer
func (uc *DMUsecase) Open(ctx context.Context, b repo.Browser, tab repo.TabID, handle string) (repo.Element, error) {
	h := strings.TrimPrefix(domain.NormalizeHandle(handle), "@")
	if h == "" {
		return nil, domain.TargetState(domain.StageOpenDmThread, nil, "missing target handle")
	}
	profile := ProfileURLPrefix + h

	for attempt := 0; attempt < 3; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch attempt {
		case 0:
			if err := b.Navigate(ctx, tab, profile); err != nil {
				return nil, domain.Transient(domain.StageOpenDmThread, err, "failed to open profile")
			}
			_ = uc.sleep(ctx, time.Second)
		case 1:
			if handled, err := uc.passcode.Handle(ctx, b, tab, domain.StageOpenDmThread); err != nil {
				return nil, err
			} else if handled {
				_ = uc.sleep(ctx, 700*time.Millisecond)
			}
			if err := b.Navigate(ctx, tab, profile); err != nil {
				return nil, domain.Transient(domain.StageOpenDmThread, err, "failed to reopen profile")
			}
			_ = uc.sleep(ctx, 900*time.Millisecond)
		default:
			if err := b.Reload(ctx, tab); err != nil {
				uc.logger.Debug("profile reload failed", zap.Error(err))
			}
			_ = uc.sleep(ctx, time.Second)
		}

		if uc.closed(ctx, b, tab) {
			return nil, uc.dmClosedError()
		}

		btn := firstEnabled(ctx, b, tab, dmButtonSelectors)
		if btn == nil {
			continue
		}
		if err := btn.Click(ctx); err != nil {
			continue
		}
		_ = uc.sleep(ctx, time.Second)

		handled, err := uc.passcode.Handle(ctx, b, tab, domain.StageOpenDmThread)
		if err != nil {
			return nil, err
		}
		if handled {
			// the gate usually drops back to the profile
			if err := b.Navigate(ctx, tab, profile); err == nil {
				_ = uc.sleep(ctx, 900*time.Millisecond)
				if retry := firstEnabled(ctx, b, tab, dmButtonSelectors); retry != nil {
					_ = retry.Click(ctx)
					_ = uc.sleep(ctx, 900*time.Millisecond)
				}
			}
		}

		if ed := uc.editor(ctx, b, tab); ed != nil {
			return ed, nil
		}
		if uc.closed(ctx, b, tab) {
			return nil, uc.dmClosedError()
		}
	}
	if uc.closed(ctx, b, tab) {
		return nil, uc.dmClosedError()
	}
	return nil, domain.Transient(domain.StageOpenDmThread, repo.ErrElementNotFound, "DM composer did not open")
}

// Send types text into the open DM composer and sends it
func (uc *DMUsecase) Send(ctx context.Context, b repo.Browser, tab repo.TabID, text string, stage domain.ReplyStage) error {
	if strings.TrimSpace(text) == "" {
		return domain.TargetState(stage, nil, "empty message")
	}
	ed := uc.editor(ctx, b, tab)
	if ed == nil {
		if _, err := uc.passcode.Handle(ctx, b, tab, stage); err != nil {
			return err
		}
		ed = uc.editor(ctx, b, tab)
	}
	if ed == nil {
		return domain.Transient(stage, repo.ErrElementNotFound, "DM composer not found")
	}
	_ = ed.Click(ctx)
	if err := ed.Type(ctx, text); err != nil {
		return domain.Transient(stage, err, "failed to type message")
	}

	if btn := firstEnabled(ctx, b, tab, dmSendSelectors); btn != nil {
		if err := btn.Click(ctx); err != nil {
			return domain.Transient(stage, err, "failed to click send")
		}
	} else {
		clicked, err := b.Eval(ctx, tab, clickDMSendJS)
		if err != nil || clicked == "" {
			return domain.Transient(stage, err, "DM send button not found")
		}
	}
	_ = uc.sleep(ctx, 700*time.Millisecond)
	return uc.verify(ctx, b, tab, text, stage)
}

// verify checks that the composer no longer holds the sent text
func (uc *DMUsecase) verify(ctx context.Context, b repo.Browser, tab repo.TabID, text string, stage domain.ReplyStage) error {
	needle := domain.Truncate(strings.TrimSpace(text), 24)
	for i := 0; i < 2; i++ {
		ed := uc.editor(ctx, b, tab)
		if ed == nil {
			break
		}
		pending := attrOf(ctx, ed, "value")
		if pending == "" {
			pending = strings.TrimSpace(textOf(ctx, ed))
		}
		if !strings.Contains(pending, needle) {
			return nil
		}
		if i == 0 {
			_ = uc.sleep(ctx, time.Second)
		}
	}
	if ed := uc.editor(ctx, b, tab); ed != nil {
		return domain.Transient(stage, nil, "message still in composer after send")
	}
	if uc.assumeSent {
		uc.logger.Debug("send not verifiable, assuming sent", zap.String("stage", string(stage)))
		return nil
	}
	return domain.Transient(stage, nil, "DM send could not be verified")
}
