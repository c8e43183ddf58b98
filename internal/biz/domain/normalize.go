package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

var urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+)`)

// transformers are stateful, so each caller takes its own chain
var foldPool = sync.Pool{
	New: func() any {
		return transform.Chain(
			norm.NFKC,
			cases.Fold(),
			runes.Remove(runes.In(unicode.Mn)),
			runes.Remove(runes.In(unicode.Cf)),
			width.Fold,
		)
	},
}

func fold(s string) string {
	tr := foldPool.Get().(transform.Transformer)
	out, _, err := transform.String(tr, s)
	tr.Reset()
	foldPool.Put(tr)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

// NormalizeHandle returns "@name" lowercased, or "" if nothing usable remains
func NormalizeHandle(h string) string {
	h = strings.TrimSpace(h)
	h = strings.TrimLeft(h, "@")
	if i := strings.IndexFunc(h, unicode.IsSpace); i >= 0 {
		h = h[:i]
	}
	if h == "" {
		return ""
	}
	return "@" + strings.ToLower(h)
}

// NormalizeContent maps visually equivalent texts to the same string.
// URLs and punctuation are dropped, case and width folded, repeated symbols
// (emoji included) collapsed to one, whitespace collapsed.
func NormalizeContent(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToValidUTF8(s, "")
	s = urlPattern.ReplaceAllString(s, " ")
	s = fold(s)

	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
			prev = 0
			continue
		case unicode.IsPunct(r):
			continue
		case !unicode.IsLetter(r) && !unicode.IsNumber(r) && r == prev:
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

// ContentSignature is the dedupe key for (handle, content). It is "" when
// either part normalizes to nothing; such items are never content-deduped.
func ContentSignature(handle, content string) string {
	h, c := NormalizeHandle(handle), NormalizeContent(content)
	if h == "" || c == "" {
		return ""
	}
	sum := sha1.Sum([]byte(h + "|" + c))
	return hex.EncodeToString(sum[:])
}

// ContentHash keys classifier verdicts. Content that normalizes to nothing
// is hashed raw so distinct link-only texts keep distinct verdicts.
func ContentHash(content string) string {
	c := NormalizeContent(content)
	if c == "" {
		c = "raw|" + strings.TrimSpace(content)
	}
	sum := sha1.Sum([]byte(c))
	return hex.EncodeToString(sum[:])
}

// IsEmojiOnly reports whether s has no letters or digits
func IsEmojiOnly(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return false
		}
	}
	return true
}

// ContainsCJK reports whether s has Han, Hiragana, Katakana or Hangul runes
func ContainsCJK(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			return true
		}
	}
	return false
}

// OneLine collapses whitespace and cuts to limit runes (with "...")
func OneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if limit > 0 {
		r := []rune(s)
		if len(r) > limit {
			return string(r[:limit]) + "..."
		}
	}
	return s
}

// Truncate cuts s to at most n runes
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
