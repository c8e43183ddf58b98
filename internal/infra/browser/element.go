package browser

import (
	"context"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/repo"
)

const clickTimeout = 8 * time.Second

// selectContentsJS selects the whole value of an input or contenteditable node
const selectContentsJS = `function () {
	if (typeof this.select === "function" && this.tagName !== "DIV") {
		this.select();
		return;
	}
	const range = document.createRange();
	range.selectNodeContents(this);
	const sel = window.getSelection();
	sel.removeAllRanges();
	sel.addRange(range);
}`

// Element wraps a rod element
type Element struct {
	el *rod.Element
	b  *Browser
	st *tabState
}

var _ repo.Element = (*Element)(nil)

func wrapElements(b *Browser, st *tabState, els rod.Elements) []repo.Element {
	out := make([]repo.Element, 0, len(els))
	for _, el := range els {
		out = append(out, &Element{el: el, b: b, st: st})
	}
	return out
}

func (e *Element) Text(ctx context.Context) (string, error) {
	s, err := e.el.Context(ctx).Text()
	return s, e.b.wrap(e.st, "text", err)
}

// Attr returns the attribute value, or the live property for "value"
func (e *Element) Attr(ctx context.Context, name string) (string, error) {
	el := e.el.Context(ctx)
	if name == "value" {
		v, err := el.Property(name)
		if err != nil {
			return "", e.b.wrap(e.st, "property", err)
		}
		if v.Nil() {
			return "", nil
		}
		return v.Str(), nil
	}
	v, err := el.Attribute(name)
	if err != nil {
		return "", e.b.wrap(e.st, "attribute", err)
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

func (e *Element) HTML(ctx context.Context) (string, error) {
	s, err := e.el.Context(ctx).HTML()
	return s, e.b.wrap(e.st, "html", err)
}

func (e *Element) Visible(ctx context.Context) (bool, error) {
	v, err := e.el.Context(ctx).Visible()
	return v, e.b.wrap(e.st, "visible", err)
}

func (e *Element) Click(ctx context.Context) error {
	err := e.el.Context(ctx).Timeout(clickTimeout).Click(proto.InputMouseButtonLeft, 1)
	return e.b.wrap(e.st, "click", err)
}

// Type focuses the element, selects its contents and inserts text over them
func (e *Element) Type(ctx context.Context, text string) error {
	el := e.el.Context(ctx).Timeout(clickTimeout)
	if err := el.Focus(); err != nil {
		return e.b.wrap(e.st, "focus", err)
	}
	if _, err := el.Eval(selectContentsJS); err != nil {
		return e.b.wrap(e.st, "select contents", err)
	}
	if err := e.st.page.Context(ctx).InsertText(text); err != nil {
		return e.b.wrap(e.st, "insert text", err)
	}
	return nil
}

func (e *Element) ScrollIntoView(ctx context.Context) error {
	return e.b.wrap(e.st, "scroll into view", e.el.Context(ctx).ScrollIntoView())
}

func (e *Element) QueryAll(ctx context.Context, selector string) ([]repo.Element, error) {
	els, err := e.el.Context(ctx).Elements(selector)
	if err != nil {
		return nil, e.b.wrap(e.st, "query "+selector, err)
	}
	return wrapElements(e.b, e.st, els), nil
}

func (e *Element) QueryOne(ctx context.Context, selector string) (repo.Element, error) {
	has, el, err := e.el.Context(ctx).Has(selector)
	if err != nil {
		return nil, e.b.wrap(e.st, "query "+selector, err)
	}
	if !has {
		return nil, repo.ErrElementNotFound
	}
	return &Element{el: el, b: e.b, st: e.st}, nil
}
