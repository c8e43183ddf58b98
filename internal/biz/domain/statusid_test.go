package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalStatusID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"typical", "1234567890123456789", "1234567890123456789"},
		{"too short", "12345678901234", ""},
		{"fifteen digits", "123456789012345", "123456789012345"},
		{"mirrored", "12345678901234561234567890123456", "1234567890123456"},
		{"absurd length", "123456789012345678901234567", "1234567890123456789"},
		{"non digit", "12345678901234a", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalStatusID(tt.in))
		})
	}
}

func TestStatusFromHref(t *testing.T) {
	h, id := StatusFromHref("/alice/status/1234567890123456789")
	assert.Equal(t, "@alice", h)
	assert.Equal(t, "1234567890123456789", id)

	h, id = StatusFromHref("https://x.com/i/web/status/1234567890123456789")
	assert.Equal(t, "", h)
	assert.Equal(t, "1234567890123456789", id)

	_, id = StatusFromHref("/search?q=x&conversation_id=1234567890123456789")
	assert.Equal(t, "1234567890123456789", id)

	_, id = StatusFromHref("/alice/status/42")
	assert.Equal(t, "", id)

	_, id = StatusFromHref("/alice")
	assert.Equal(t, "", id)
}

func TestHandleFromHref(t *testing.T) {
	assert.Equal(t, "@alice", HandleFromHref("/alice"))
	assert.Equal(t, "@alice", HandleFromHref("https://x.com/Alice/status/1"))
	assert.Equal(t, "", HandleFromHref("/home"))
	assert.Equal(t, "", HandleFromHref("/i/status/1"))
	assert.Equal(t, "", HandleFromHref(""))
}

func TestStatusURLAndKeys(t *testing.T) {
	assert.Equal(t, "https://x.com/alice/status/1234567890123456789", StatusURL("@alice", "1234567890123456789"))
	assert.Equal(t, "https://x.com/i/status/1234567890123456789", StatusURL("", "1234567890123456789"))
	assert.Equal(t, "", StatusURL("@alice", ""))

	k1 := FallbackKey("salt", "@a", "hello", "5m")
	k2 := FallbackKey("salt", "@A", "Hello", "5m")
	k3 := FallbackKey("other", "@a", "hello", "5m")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, len("notif_fallback_")+20)

	item := CandidateItem{Key: StatusKey("1234567890123456789")}
	assert.Equal(t, "1234567890123456789", StatusIDOf(item))
}

func TestReasonedError(t *testing.T) {
	base := errors.New("element missing")
	err := Transient(StageSendDmText, base, "dm editor not found")

	require.Error(t, err)
	assert.Equal(t, ClassTransient, ClassOf(err))
	assert.Equal(t, StageSendDmText, StageOf(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "dm editor not found")

	assert.Equal(t, ClassTargetState, ClassOf(TargetState(StageOpenDmThread, nil, "dm closed")))
	assert.Equal(t, ClassTransient, ClassOf(errors.New("plain")))
	assert.NotEmpty(t, (&ReasonedError{}).Error())
}

func TestParseClearScope(t *testing.T) {
	s, err := ParseClearScope("notify")
	require.NoError(t, err)
	assert.Equal(t, ClearNotification, s)
	assert.True(t, s.Matches(SourceNotification))
	assert.False(t, s.Matches(SourceTweet))

	s, err = ParseClearScope("")
	require.NoError(t, err)
	assert.True(t, s.Matches(SourceTweet))

	_, err = ParseClearScope("bogus")
	assert.Error(t, err)
}
