package usecase

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestDedupStore_ContentTTL(t *testing.T) {
	s := NewDedupStore(DedupConfig{SignatureTTL: 72 * time.Hour, MaxSignatures: 100, MaxHistory: 100})

	assert.False(t, s.IsDuplicateContent("@alice", "Great product 🎉", t0))
	assert.True(t, s.IsDuplicateContent("@alice", "great product!! 🎉🎉", t0.Add(71*time.Hour)))
	assert.False(t, s.IsDuplicateContent("@bob", "Great product 🎉", t0.Add(time.Hour)))

	// a duplicate hit does not refresh the timestamp
	assert.False(t, s.IsDuplicateContent("@alice", "Great product 🎉", t0.Add(73*time.Hour)))
}

func TestDedupStore_ExpiredSignatureIsAccepted(t *testing.T) {
	s := NewDedupStore(DedupConfig{SignatureTTL: time.Hour, MaxSignatures: 100, MaxHistory: 100})

	require.False(t, s.IsDuplicateContent("@alice", "hello", t0))
	assert.True(t, s.IsDuplicateContent("@alice", "hello", t0.Add(59*time.Minute)))
	assert.False(t, s.IsDuplicateContent("@alice", "hello", t0.Add(61*time.Minute)))
	// re-registered on the expired sighting
	assert.True(t, s.IsDuplicateContent("@alice", "hello", t0.Add(90*time.Minute)))
}

func TestDedupStore_EvictsOldestOverCapacity(t *testing.T) {
	s := NewDedupStore(DedupConfig{SignatureTTL: 72 * time.Hour, MaxSignatures: 3, MaxHistory: 100})

	for i := 0; i < 4; i++ {
		require.False(t, s.IsDuplicateContent("@u", fmt.Sprintf("msg %d", i), t0.Add(time.Duration(i)*time.Minute)))
	}
	_, sigs := s.Len()
	assert.Equal(t, 3, sigs)

	// msg 0 was the oldest and got evicted
	assert.False(t, s.IsDuplicateContent("@u", "msg 0", t0.Add(10*time.Minute)))
	// msg 3 is still present
	assert.True(t, s.IsDuplicateContent("@u", "msg 3", t0.Add(11*time.Minute)))
}

func TestDedupStore_KeyHistoryBounded(t *testing.T) {
	s := NewDedupStore(DedupConfig{SignatureTTL: time.Hour, MaxSignatures: 10, MaxHistory: 2})

	s.RememberKey("a")
	s.RememberKey("b")
	s.RememberKey("a")
	assert.True(t, s.IsDuplicateKey("a"))
	s.RememberKey("c")

	assert.False(t, s.IsDuplicateKey("a"))
	assert.True(t, s.IsDuplicateKey("b"))
	assert.True(t, s.IsDuplicateKey("c"))
}

func TestDedupStore_ExportImport(t *testing.T) {
	s := NewDedupStore(DefaultDedupConfig())
	s.RememberKey("k1")
	s.IsDuplicateContent("@a", "x", t0)

	keys, sigs := s.Export()
	other := NewDedupStore(DefaultDedupConfig())
	other.Import(keys, sigs, t0.Add(time.Hour))

	assert.True(t, other.IsDuplicateKey("k1"))
	assert.True(t, other.IsDuplicateContent("@a", "x", t0.Add(2*time.Hour)))
}

func TestDedupStore_EmptySignatureNeverDeduped(t *testing.T) {
	s := NewDedupStore(DefaultDedupConfig())

	assert.False(t, s.IsDuplicateContent("@alice", "https://t.co/aaa", t0))
	assert.False(t, s.IsDuplicateContent("@alice", "https://t.co/bbb", t0.Add(time.Minute)))
	assert.False(t, s.IsDuplicateContent("@alice", "!!!", t0.Add(2*time.Minute)))
	assert.False(t, s.IsDuplicateContent("@alice", "!!!", t0.Add(3*time.Minute)))

	_, sigs := s.Len()
	assert.Equal(t, 0, sigs)
}

func TestDedupStore_ReRegisteredSignatureEvictedByNewAge(t *testing.T) {
	s := NewDedupStore(DedupConfig{SignatureTTL: time.Hour, MaxSignatures: 2, MaxHistory: 100})

	require.False(t, s.IsDuplicateContent("@u", "a", t0))
	require.False(t, s.IsDuplicateContent("@u", "b", t0.Add(30*time.Minute)))
	// "a" expired and comes back as the newest entry
	require.False(t, s.IsDuplicateContent("@u", "a", t0.Add(70*time.Minute)))
	require.False(t, s.IsDuplicateContent("@u", "c", t0.Add(71*time.Minute)))

	// "b" was the oldest live signature
	_, sigs := s.Len()
	assert.Equal(t, 2, sigs)
	assert.True(t, s.IsDuplicateContent("@u", "a", t0.Add(72*time.Minute)))
	assert.True(t, s.IsDuplicateContent("@u", "c", t0.Add(72*time.Minute)))
}

func TestDedupStore_PruneExpires(t *testing.T) {
	s := NewDedupStore(DedupConfig{SignatureTTL: time.Hour, MaxSignatures: 100, MaxHistory: 100})
	for i := 0; i < 5; i++ {
		s.IsDuplicateContent("@u", fmt.Sprintf("msg %d", i), t0.Add(time.Duration(i)*20*time.Minute))
	}
	// at t0+90m msg 0 (t0) and msg 1 (t0+20m) are past the hour
	assert.Equal(t, 2, s.Prune(t0.Add(90*time.Minute)))
	_, sigs := s.Len()
	assert.Equal(t, 3, sigs)
}

func TestDedupStore_HistoryAtCapacityKeepsNewest(t *testing.T) {
	s := NewDedupStore(DedupConfig{SignatureTTL: time.Hour, MaxSignatures: 10, MaxHistory: 100})
	for i := 0; i < 1000; i++ {
		s.RememberKey(fmt.Sprintf("k%d", i))
	}
	keys, _ := s.Export()
	require.Len(t, keys, 100)
	assert.Equal(t, "k900", keys[0])
	assert.Equal(t, "k999", keys[99])
	assert.False(t, s.IsDuplicateKey("k899"))
	assert.True(t, s.IsDuplicateKey("k900"))
}
