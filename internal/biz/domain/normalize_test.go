package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeContent_EquivalentTexts(t *testing.T) {
	assert.Equal(t, NormalizeContent("Great product 🎉"), NormalizeContent("great product!! 🎉🎉"))
	assert.Equal(t, "great product 🎉", NormalizeContent("Great product 🎉"))
	assert.Equal(t, NormalizeContent("see this"), NormalizeContent("see   this https://t.co/abc"))
	assert.Equal(t, NormalizeContent("ＡＢＣ"), NormalizeContent("abc"))
	assert.NotEqual(t, NormalizeContent("price?"), NormalizeContent("prices?"))
}

func TestNormalizeContent_KeepsRepeatedLetters(t *testing.T) {
	assert.Equal(t, "cool 100", NormalizeContent("Cool 100"))
	assert.Equal(t, "", NormalizeContent(""))
}

func TestNormalizeHandle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"@Alice", "@alice"},
		{"alice", "@alice"},
		{"  @@Bob  ", "@bob"},
		{"@carol extra", "@carol"},
		{"", ""},
		{"@", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeHandle(tt.in), tt.in)
	}
}

func TestContentSignature_SameHandleSameContent(t *testing.T) {
	a := ContentSignature("@Alice", "Great product 🎉")
	b := ContentSignature("alice", "great product!! 🎉🎉")
	c := ContentSignature("@bob", "Great product 🎉")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestContentSignature_EmptyParts(t *testing.T) {
	assert.Empty(t, ContentSignature("@alice", "https://t.co/aaa"))
	assert.Empty(t, ContentSignature("@alice", " !!! "))
	assert.Empty(t, ContentSignature("", "price?"))
	assert.NotEmpty(t, ContentSignature("@alice", "price?"))
}

func TestContentHash(t *testing.T) {
	assert.Equal(t, ContentHash("Great product 🎉"), ContentHash("great product!! 🎉🎉"))
	assert.NotEqual(t, ContentHash("https://t.co/aaa"), ContentHash("https://t.co/bbb"))
	assert.NotEmpty(t, ContentHash(""))
}

func TestIsEmojiOnly(t *testing.T) {
	assert.True(t, IsEmojiOnly("🔥🔥🔥"))
	assert.True(t, IsEmojiOnly(" !!! 👍 ... "))
	assert.False(t, IsEmojiOnly("👍 ok"))
	assert.False(t, IsEmojiOnly("好的"))
}

func TestOneLineAndTruncate(t *testing.T) {
	assert.Equal(t, "a b c", OneLine(" a\n b\t c ", 0))
	assert.Equal(t, "ab...", OneLine("abcdef", 2))
	assert.Equal(t, "你好", Truncate("你好世界", 2))
}

func TestDelegatedAccountState(t *testing.T) {
	var s DelegatedAccountState
	s.Set("@Helper", true)
	assert.Equal(t, "@helper", s.Target())

	s.Confirm("@helper")
	assert.True(t, s.SwitchConfirmed)
	assert.True(t, s.OnTarget())

	// same target keeps session facts
	s.Set("helper", true)
	assert.True(t, s.SwitchConfirmed)

	s.Set("@other", true)
	assert.False(t, s.SwitchConfirmed)
	assert.Empty(t, s.ActiveHandle)

	s.Set("@other", false)
	assert.Equal(t, "", s.Target())
}

func TestReplyFailureRecord_Window(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var r ReplyFailureRecord
	r.Record("boom", now, 30*time.Minute, time.Minute)
	r.Record("boom", now.Add(5*time.Minute), 30*time.Minute, time.Minute)
	assert.Equal(t, 2, r.Count)
	assert.True(t, r.Active(now.Add(10*time.Minute), 30*time.Minute))

	r.Record("later", now.Add(45*time.Minute), 30*time.Minute, time.Minute)
	assert.Equal(t, 1, r.Count)
	assert.Equal(t, "later", r.LastError)
}
