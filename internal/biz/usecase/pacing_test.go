package usecase

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedPacer(now *time.Time) *Pacer {
	p := NewPacer(PacerConfig{GapMin: 2 * time.Second, GapMax: 2 * time.Second, HeadlessFactor: 1.5})
	p.now = func() time.Time { return *now }
	p.rng = rand.New(rand.NewSource(1))
	return p
}

func TestPacer_StreakWidensGap(t *testing.T) {
	now := t0
	p := fixedPacer(&now)

	assert.Equal(t, 2*time.Second, p.Delay("", 0))

	p.RecordFailure("", "boom")
	assert.Equal(t, 3*time.Second, p.Delay("", 0))

	for i := 0; i < 10; i++ {
		p.RecordFailure("", "boom")
	}
	assert.Equal(t, 6*time.Second, p.Delay("", 0), "streak factor is capped")

	p.RecordSuccess("")
	assert.Equal(t, 0, p.Streak())
	assert.Equal(t, 2*time.Second, p.Delay("", 0))
}

func TestPacer_FastLaneNeedsBacklogAndSuccess(t *testing.T) {
	now := t0
	p := fixedPacer(&now)
	for i := 0; i < 10; i++ {
		p.RecordSuccess("@a")
	}

	assert.Equal(t, 2*time.Second, p.Delay("@a", 3))
	assert.Equal(t, 1400*time.Millisecond, p.Delay("@a", 8))
}

func TestPacer_HeadlessHumanization(t *testing.T) {
	now := t0
	p := fixedPacer(&now)
	p.SetHeadless(true)
	assert.Equal(t, 3*time.Second, p.Delay("", 0))
}

func TestPacer_HandleFailuresBiasButExpire(t *testing.T) {
	now := t0
	p := fixedPacer(&now)
	p.RecordFailure("@Bob", "dm failed")
	p.RecordSuccess("@other") // resets streak only

	assert.Equal(t, 2600*time.Millisecond, p.Delay("@bob", 0))
	assert.Equal(t, 2*time.Second, p.Delay("@carol", 0))

	now = now.Add(31 * time.Minute)
	assert.Equal(t, 2*time.Second, p.Delay("@bob", 0))
}

func TestPacer_SubtractsTimeSinceLastAction(t *testing.T) {
	now := t0
	p := fixedPacer(&now)
	var slept time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error { slept = d; return nil }

	require.NoError(t, p.Wait(context.Background(), "", 0))
	assert.Equal(t, 2*time.Second, slept)

	now = now.Add(1500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, p.Delay("", 0))
	now = now.Add(time.Minute)
	assert.Equal(t, time.Duration(0), p.Delay("", 0))
}

func TestPacer_DMUnavailableExpires(t *testing.T) {
	now := t0
	p := fixedPacer(&now)
	p.MarkDMUnavailable("@Closed")
	assert.True(t, p.DMUnavailable("@closed"))

	dm, _ := p.Export()
	other := fixedPacer(&now)
	other.Import(dm, nil)
	assert.True(t, other.DMUnavailable("closed"))

	now = now.Add(13 * time.Hour)
	assert.False(t, p.DMUnavailable("@closed"))
}
