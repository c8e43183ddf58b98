package usecase

import (
	"container/heap"
	"time"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
)

// DedupConfig bounds the dedupe structures
type DedupConfig struct {
	SignatureTTL  time.Duration
	MaxSignatures int
	MaxHistory    int
}

// DefaultDedupConfig returns the production limits
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		SignatureTTL:  72 * time.Hour,
		MaxSignatures: 40000,
		MaxHistory:    10000,
	}
}

// DedupStore holds the exact-key history and the content-signature cache.
// It is not safe for concurrent use; callers hold the monitor state lock.
type DedupStore struct {
	cfg        DedupConfig
	history    map[string]struct{}
	order      []string // history keys, oldest first
	signatures map[string]time.Time
	byAge      sigHeap // may hold stale entries, see popOldest
}

// NewDedupStore creates an empty store
func NewDedupStore(cfg DedupConfig) *DedupStore {
	if cfg.SignatureTTL <= 0 {
		cfg.SignatureTTL = DefaultDedupConfig().SignatureTTL
	}
	if cfg.MaxSignatures <= 0 {
		cfg.MaxSignatures = DefaultDedupConfig().MaxSignatures
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultDedupConfig().MaxHistory
	}
	return &DedupStore{
		cfg:        cfg,
		history:    make(map[string]struct{}),
		signatures: make(map[string]time.Time),
	}
}

// IsDuplicateKey reports whether key was already admitted
func (s *DedupStore) IsDuplicateKey(key string) bool {
	_, ok := s.history[key]
	return ok
}

// RememberKey adds key to the history, trimming to the newest MaxHistory keys
func (s *DedupStore) RememberKey(key string) {
	if key == "" {
		return
	}
	if _, ok := s.history[key]; ok {
		return
	}
	s.history[key] = struct{}{}
	s.order = append(s.order, key)
	s.trimHistory()
}

// IsDuplicateContent reports whether (handle, content) was seen within the TTL.
// A first sighting (or an expired one) registers the signature and returns false.
// Items without a usable signature are never duplicates and are not stored.
func (s *DedupStore) IsDuplicateContent(handle, content string, now time.Time) bool {
	sig := domain.ContentSignature(handle, content)
	if sig == "" {
		return false
	}
	if seen, ok := s.signatures[sig]; ok && now.Sub(seen) <= s.cfg.SignatureTTL {
		return true
	}
	s.signatures[sig] = now
	heap.Push(&s.byAge, sigEntry{sig: sig, seen: now})
	if len(s.signatures) > s.cfg.MaxSignatures {
		s.Prune(now)
	}
	return false
}

// Prune drops expired signatures, then the oldest ones over capacity
func (s *DedupStore) Prune(now time.Time) int {
	removed := 0
	for {
		e, ok := s.oldest()
		if !ok {
			break
		}
		if now.Sub(e.seen) <= s.cfg.SignatureTTL && len(s.signatures) <= s.cfg.MaxSignatures {
			break
		}
		heap.Pop(&s.byAge)
		delete(s.signatures, e.sig)
		removed++
	}
	if len(s.byAge) > 2*len(s.signatures)+64 {
		s.rebuildHeap()
	}
	return removed
}

// oldest returns the oldest live heap entry, discarding stale ones on the way
func (s *DedupStore) oldest() (sigEntry, bool) {
	for len(s.byAge) > 0 {
		e := s.byAge[0]
		if seen, ok := s.signatures[e.sig]; ok && seen.Equal(e.seen) {
			return e, true
		}
		heap.Pop(&s.byAge)
	}
	return sigEntry{}, false
}

func (s *DedupStore) rebuildHeap() {
	s.byAge = make(sigHeap, 0, len(s.signatures))
	for sig, seen := range s.signatures {
		s.byAge = append(s.byAge, sigEntry{sig: sig, seen: seen})
	}
	heap.Init(&s.byAge)
}

func (s *DedupStore) trimHistory() {
	excess := len(s.order) - s.cfg.MaxHistory
	if excess <= 0 {
		return
	}
	for i, k := range s.order[:excess] {
		delete(s.history, k)
		s.order[i] = ""
	}
	// append reallocates once the backing array is used up, copying only live keys
	s.order = s.order[excess:]
}

// Trim enforces both bounds
func (s *DedupStore) Trim(now time.Time) {
	s.trimHistory()
	s.Prune(now)
}

// Len returns (history keys, signatures)
func (s *DedupStore) Len() (int, int) {
	return len(s.order), len(s.signatures)
}

// Export copies the store contents for persistence
func (s *DedupStore) Export() ([]string, map[string]time.Time) {
	keys := append([]string(nil), s.order...)
	sigs := make(map[string]time.Time, len(s.signatures))
	for k, v := range s.signatures {
		sigs[k] = v
	}
	return keys, sigs
}

// Import replaces the store contents with persisted data
func (s *DedupStore) Import(keys []string, sigs map[string]time.Time, now time.Time) {
	s.history = make(map[string]struct{}, len(keys))
	s.order = s.order[:0]
	for _, k := range keys {
		if _, ok := s.history[k]; ok || k == "" {
			continue
		}
		s.history[k] = struct{}{}
		s.order = append(s.order, k)
	}
	s.signatures = make(map[string]time.Time, len(sigs))
	for k, v := range sigs {
		if k != "" {
			s.signatures[k] = v
		}
	}
	s.rebuildHeap()
	s.Trim(now)
}

// Reset forgets everything
func (s *DedupStore) Reset() {
	s.history = make(map[string]struct{})
	s.order = nil
	s.signatures = make(map[string]time.Time)
	s.byAge = nil
}

type sigEntry struct {
	sig  string
	seen time.Time
}

// sigHeap orders signatures oldest first
type sigHeap []sigEntry

func (h sigHeap) Len() int { return len(h) }
func (h sigHeap) Less(i, j int) bool {
	if h[i].seen.Equal(h[j].seen) {
		return h[i].sig < h[j].sig
	}
	return h[i].seen.Before(h[j].seen)
}
func (h sigHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *sigHeap) Push(x any)   { *h = append(*h, x.(sigEntry)) }
func (h *sigHeap) Pop() any {
	old := *h
	e := old[len(old)-1]
	*h = old[:len(old)-1]
	return e
}
