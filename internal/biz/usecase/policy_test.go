package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClassifier struct {
	mu     sync.Mutex
	calls  int
	skip   bool
	reason string
	err    error
}

func (m *mockClassifier) Classify(ctx context.Context, content string) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.skip, m.reason, m.err
}

func TestPolicy_EmojiOnlySkipped(t *testing.T) {
	uc := NewPolicyUsecase(nil, PolicyConfig{}, nil)

	skip, reason := uc.ShouldSkip(context.Background(), "🎉🎉 !!")
	assert.True(t, skip)
	assert.Equal(t, SkipEmojiOnly, reason)

	skip, _ = uc.ShouldSkip(context.Background(), "nice 🎉")
	assert.False(t, skip)
}

func TestPolicy_BlockedMentionSkipped(t *testing.T) {
	uc := NewPolicyUsecase(nil, PolicyConfig{BlockedMentions: []string{"@SpamBot"}}, nil)

	skip, reason := uc.ShouldSkip(context.Background(), "hey @spambot check this")
	assert.True(t, skip)
	assert.Equal(t, "blocked_mention:@spambot", reason)

	skip, _ = uc.ShouldSkip(context.Background(), "hey @spambot2 check this")
	assert.False(t, skip)
}

func TestPolicy_ClassifierFailureNeverSuppresses(t *testing.T) {
	cls := &mockClassifier{err: errors.New("dial tcp: connection refused")}
	uc := NewPolicyUsecase(cls, PolicyConfig{}, nil)

	skip, reason := uc.ShouldSkip(context.Background(), "is this available?")
	assert.False(t, skip)
	assert.Empty(t, reason)

	// failures are not cached
	uc.ShouldSkip(context.Background(), "is this available?")
	assert.Equal(t, 2, cls.calls)
}

func TestPolicy_ClassifierVerdictCached(t *testing.T) {
	cls := &mockClassifier{skip: true, reason: "advertising"}
	uc := NewPolicyUsecase(cls, PolicyConfig{CacheTTL: time.Hour, CacheMax: 10}, nil)
	now := t0
	uc.now = func() time.Time { return now }

	skip, reason := uc.ShouldSkip(context.Background(), "buy followers cheap")
	require.True(t, skip)
	assert.Equal(t, "llm:advertising", reason)

	uc.ShouldSkip(context.Background(), "Buy followers cheap!!")
	assert.Equal(t, 1, cls.calls)

	now = now.Add(2 * time.Hour)
	uc.ShouldSkip(context.Background(), "buy followers cheap")
	assert.Equal(t, 2, cls.calls)
}

func TestPolicy_LLMToggle(t *testing.T) {
	cls := &mockClassifier{skip: true, reason: "noise"}
	uc := NewPolicyUsecase(cls, PolicyConfig{}, nil)
	uc.SetLLMEnabled(false)

	skip, _ := uc.ShouldSkip(context.Background(), "hello there")
	assert.False(t, skip)
	assert.Equal(t, 0, cls.calls)

	noLLM := NewPolicyUsecase(nil, PolicyConfig{}, nil)
	noLLM.SetLLMEnabled(true)
	assert.False(t, noLLM.IsLLMEnabled())
}
