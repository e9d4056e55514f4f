package cache

import (
	"hash/fnv"
	"math/bits"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// HotThreshold is the access count at and above which an artifact counts
// as "hot" in Stats.
const HotThreshold = 3

// HierarchyConfig controls optional L1/L2 tiering (§4.1 "L1/L2 tiering").
type HierarchyConfig struct {
	Enabled            bool
	L1SizePercent      float64 // quota for L1 as a fraction of MaxTotalSize (0-1)
	PromotionThreshold int64
}

// TagsConfig bounds the tag index (§4.1 "Tagging").
type TagsConfig struct {
	Enabled         bool
	MaxTagsPerEntry int
}

// StoreConfig configures a Store. Fields mirror the cache.* keys of §6's
// configuration schema.
type StoreConfig struct {
	MaxTotalSize int64
	MaxEntrySize int64
	SWRWindow    time.Duration
	Hierarchy    HierarchyConfig
	Tags         TagsConfig

	// ShardCount overrides the default shard count (smallest power of two
	// >= 4*GOMAXPROCS). Zero means use the default.
	ShardCount int

	// Now lets tests substitute a deterministic clock; nil means time.Now.
	Now func() time.Time
}

func (c StoreConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Store is the sharded, concurrency-safe artifact store of §4.1 (C1). No
// operation blocks a caller longer than the time to touch a bounded number
// of shards, plus one eviction pass when Set triggers one. l1/l2 are
// atomic.Pointer rather than plain *tier because PurgeAll replaces them
// wholesale while other methods may be reading them concurrently — a plain
// pointer field would make that an unsynchronized read/write race.
type Store struct {
	cfg  StoreConfig
	l1   atomic.Pointer[tier]
	l2   atomic.Pointer[tier] // nil unless cfg.Hierarchy.Enabled
	tags *tagIndex

	hits, misses, evictions, staleHits atomic.Int64
	promotions, demotions              atomic.Int64
}

// NewStore builds a Store from cfg.
func NewStore(cfg StoreConfig) *Store {
	shardCount := cfg.ShardCount
	if shardCount <= 0 {
		shardCount = defaultShardCount()
	}

	s := &Store{cfg: cfg, tags: newTagIndex()}
	if cfg.Hierarchy.Enabled {
		l1Quota := int64(float64(cfg.MaxTotalSize) * cfg.Hierarchy.L1SizePercent)
		s.l1.Store(newTier(shardCount, l1Quota))
		s.l2.Store(newTier(shardCount, cfg.MaxTotalSize))
	} else {
		s.l1.Store(newTier(shardCount, cfg.MaxTotalSize))
	}
	return s
}

// tier1 and tier2 load the current tiers. tier2 is nil unless hierarchy is
// enabled; callers already check that the same way they checked the old
// plain-pointer field.
func (s *Store) tier1() *tier { return s.l1.Load() }
func (s *Store) tier2() *tier { return s.l2.Load() }

func defaultShardCount() int {
	n := runtime.NumCPU() * 4
	if n < 4 {
		n = 4
	}
	return 1 << bits.Len(uint(n-1))
}

// tier is one level of the hierarchy (or the single map when hierarchy is
// disabled): a set of independently-locked shards plus a byte counter kept
// separately from any individual shard's map.
type tier struct {
	shards   []*shard
	size     atomic.Int64
	maxBytes int64
}

func newTier(shardCount int, maxBytes int64) *tier {
	t := &tier{shards: make([]*shard, shardCount), maxBytes: maxBytes}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[CacheKey]*Artifact)}
	}
	return t
}

type shard struct {
	mu      sync.Mutex
	entries map[CacheKey]*Artifact
}

func (t *tier) shardFor(key CacheKey) *shard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return t.shards[h.Sum64()%uint64(len(t.shards))]
}

func (t *tier) get(key CacheKey) (*Artifact, bool) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	a, ok := sh.entries[key]
	sh.mu.Unlock()
	return a, ok
}

func (t *tier) delete(key CacheKey) (*Artifact, bool) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	a, ok := sh.entries[key]
	if ok {
		delete(sh.entries, key)
	}
	sh.mu.Unlock()
	if ok {
		t.size.Add(-int64(a.Size))
	}
	return a, ok
}

func (t *tier) put(key CacheKey, a *Artifact) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	if old, exists := sh.entries[key]; exists {
		t.size.Add(-int64(old.Size))
	}
	sh.entries[key] = a
	sh.mu.Unlock()
	t.size.Add(int64(a.Size))
}

// forEach calls fn for every entry currently in the tier. fn must not call
// back into the tier (no nested locking).
func (t *tier) forEach(fn func(CacheKey, *Artifact)) {
	for _, sh := range t.shards {
		sh.mu.Lock()
		for k, a := range sh.entries {
			fn(k, a)
		}
		sh.mu.Unlock()
	}
}

func (t *tier) count() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Get implements get(key). On a hit it reports the freshness class and, for
// hierarchy-enabled stores, handles L2->L1 promotion when the access count
// crosses PromotionThreshold.
func (s *Store) Get(key CacheKey) (*Artifact, FreshnessClass, bool) {
	now := s.cfg.now()
	l1, l2 := s.tier1(), s.tier2()

	if a, ok := l1.get(key); ok {
		a.Touch(now)
		class := Classify(a, now, s.cfg.SWRWindow)
		s.recordHit(class)
		return a, class, true
	}

	if l2 != nil {
		if a, ok := l2.get(key); ok {
			count := a.Touch(now)
			class := Classify(a, now, s.cfg.SWRWindow)
			s.recordHit(class)
			if count >= s.cfg.Hierarchy.PromotionThreshold {
				s.promote(key, a)
			}
			return a, class, true
		}
	}

	s.misses.Add(1)
	return nil, Expired, false
}

func (s *Store) recordHit(class FreshnessClass) {
	s.hits.Add(1)
	if class == Stale || class == ErrorStale {
		s.staleHits.Add(1)
	}
}

// GetForError implements get_for_error(key): returns the artifact
// regardless of whether it is Stale or ErrorStale, as long as it has not
// crossed into Expired, for use on upstream failure.
func (s *Store) GetForError(key CacheKey) (*Artifact, bool) {
	now := s.cfg.now()
	l1, l2 := s.tier1(), s.tier2()
	if a, ok := l1.get(key); ok {
		if Classify(a, now, s.cfg.SWRWindow) != Expired {
			return a, true
		}
		return nil, false
	}
	if l2 != nil {
		if a, ok := l2.get(key); ok {
			if Classify(a, now, s.cfg.SWRWindow) != Expired {
				return a, true
			}
		}
	}
	return nil, false
}

// promote moves an artifact from L2 to L1, demoting L1's coldest 10% first
// if the move would exceed L1's quota.
func (s *Store) promote(key CacheKey, a *Artifact) {
	l1, l2 := s.tier1(), s.tier2()
	l2.delete(key)
	l1.put(key, a)
	s.promotions.Add(1)

	if l1.maxBytes > 0 && l1.size.Load() > l1.maxBytes {
		s.demoteColdest(0.10)
	}
}

// demoteColdest moves the coldest fraction of L1 entries (by LRU-K score)
// down into L2 to bring L1 back under quota.
func (s *Store) demoteColdest(fraction float64) {
	type scored struct {
		key   CacheKey
		a     *Artifact
		score int64
	}
	now := s.cfg.now()
	l1, l2 := s.tier1(), s.tier2()
	var all []scored
	l1.forEach(func(k CacheKey, a *Artifact) {
		all = append(all, scored{k, a, lruScore(a, now)})
	})
	if len(all) == 0 {
		return
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score < all[j].score
		}
		return all[i].a.LastAccessed().Before(all[j].a.LastAccessed())
	})

	n := int(float64(len(all)) * fraction)
	if n == 0 {
		n = 1
	}
	for i := 0; i < n && i < len(all); i++ {
		l1.delete(all[i].key)
		l2.put(all[i].key, all[i].a)
		s.demotions.Add(1)
	}
}

// Set implements set(key, artifact): rejects oversize entries silently,
// evicts until there is room, and inserts. Returns false when the entry
// was rejected for being larger than MaxEntrySize (the caller should log a
// warning — this type has no logger of its own).
func (s *Store) Set(key CacheKey, a *Artifact) bool {
	if s.cfg.MaxEntrySize > 0 && int64(a.Size) > s.cfg.MaxEntrySize {
		return false
	}

	l1, l2 := s.tier1(), s.tier2()
	target := l1
	if l2 != nil && a.AccessCount() < s.cfg.Hierarchy.PromotionThreshold {
		target = l2
	}

	// Subtract any existing entry's size from the *total* budget
	// accounting before checking admission, wherever it currently lives.
	existingSize := int64(0)
	var existingTier *tier
	if old, ok := l1.get(key); ok {
		existingSize = int64(old.Size)
		existingTier = l1
	} else if l2 != nil {
		if old, ok := l2.get(key); ok {
			existingSize = int64(old.Size)
			existingTier = l2
		}
	}

	s.evictUntilFits(int64(a.Size) - existingSize)
	if existingTier != nil && existingTier != target {
		existingTier.delete(key)
	}
	target.put(key, a)
	return true
}

// totalSize is the sum of every tier's byte counter.
func (s *Store) totalSize() int64 {
	n := s.tier1().size.Load()
	if l2 := s.tier2(); l2 != nil {
		n += l2.size.Load()
	}
	return n
}

// evictUntilFits runs the two-pass eviction of §4.1 until admitting
// addBytes more would not exceed MaxTotalSize.
func (s *Store) evictUntilFits(addBytes int64) {
	if s.cfg.MaxTotalSize <= 0 {
		return
	}
	if s.totalSize()+addBytes <= s.cfg.MaxTotalSize {
		return
	}

	// Pass 1: unrecoverably expired entries (Expired under both windows).
	s.cleanupExpiredLocked()

	if s.totalSize()+addBytes <= s.cfg.MaxTotalSize {
		return
	}

	// Pass 2: LRU-K score eviction, coldest first, across both tiers.
	type scored struct {
		key   CacheKey
		a     *Artifact
		score int64
		t     *tier
	}
	now := s.cfg.now()
	l1, l2 := s.tier1(), s.tier2()
	var all []scored
	l1.forEach(func(k CacheKey, a *Artifact) { all = append(all, scored{k, a, lruScore(a, now), l1}) })
	if l2 != nil {
		l2.forEach(func(k CacheKey, a *Artifact) { all = append(all, scored{k, a, lruScore(a, now), l2}) })
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score < all[j].score
		}
		return all[i].a.LastAccessed().Before(all[j].a.LastAccessed())
	})

	for _, e := range all {
		if s.totalSize()+addBytes <= s.cfg.MaxTotalSize {
			break
		}
		if _, ok := e.t.delete(e.key); ok {
			s.tags.unlink(e.key, e.a.Tags)
			s.evictions.Add(1)
		}
	}
}

// lruScore implements §4.1's LRU-K score: access_count*1000 minus the
// (capped) age in seconds since last access. Lower scores are colder.
func lruScore(a *Artifact, now time.Time) int64 {
	age := int64(now.Sub(a.LastAccessed()).Seconds())
	if age > 1000 {
		age = 1000
	}
	return a.AccessCount()*1000 - age
}

// cleanupExpiredLocked removes every entry whose FreshnessClass is Expired
// across both tiers, unlinking tags as it goes. Exported as CleanupExpired
// for the periodic sweeper; evictUntilFits calls it inline during
// admission pressure.
func (s *Store) cleanupExpiredLocked() int {
	now := s.cfg.now()
	removed := 0
	sweep := func(t *tier) {
		var dead []CacheKey
		t.forEach(func(k CacheKey, a *Artifact) {
			if Classify(a, now, s.cfg.SWRWindow) == Expired {
				dead = append(dead, k)
			}
		})
		for _, k := range dead {
			if a, ok := t.delete(k); ok {
				s.tags.unlink(k, a.Tags)
				removed++
			}
		}
	}
	l1, l2 := s.tier1(), s.tier2()
	sweep(l1)
	if l2 != nil {
		sweep(l2)
	}
	return removed
}

// CleanupExpired implements cleanup_expired(): the periodic sweeper's
// entry point, independent of any admission pressure.
func (s *Store) CleanupExpired() int {
	n := s.cleanupExpiredLocked()
	s.evictions.Add(int64(n))
	return n
}

// Invalidate implements invalidate(key) -> bool, searching both tiers.
func (s *Store) Invalidate(key CacheKey) bool {
	found := false
	if a, ok := s.tier1().delete(key); ok {
		s.tags.unlink(key, a.Tags)
		found = true
	}
	if l2 := s.tier2(); l2 != nil {
		if a, ok := l2.delete(key); ok {
			s.tags.unlink(key, a.Tags)
			found = true
		}
	}
	return found
}

// InvalidatePrefix implements invalidate_prefix(prefix) -> count. It walks
// both tiers when hierarchy is enabled — the spec's open question about
// whether prefix invalidation should span both tiers is resolved here in
// favour of full coverage (see DESIGN.md).
func (s *Store) InvalidatePrefix(prefix string) int {
	var keys []CacheKey
	collect := func(t *tier) {
		t.forEach(func(k CacheKey, _ *Artifact) {
			if k.HasPrefix(prefix) {
				keys = append(keys, k)
			}
		})
	}
	collect(s.tier1())
	if l2 := s.tier2(); l2 != nil {
		collect(l2)
	}
	count := 0
	for _, k := range keys {
		if s.Invalidate(k) {
			count++
		}
	}
	return count
}

// InvalidateByTag implements invalidate_by_tag(tag) -> count: it snapshots
// the tag's key set first to avoid iterator invalidation, then invalidates
// each key.
func (s *Store) InvalidateByTag(tag string) int {
	keys := s.tags.snapshot(tag)
	count := 0
	for _, k := range keys {
		if s.Invalidate(k) {
			count++
		}
	}
	return count
}

// AddTags implements add_tags(key, tags): clamps the per-entry tag count,
// writes the tags onto the artifact and updates the tag index.
func (s *Store) AddTags(key CacheKey, newTags []string) bool {
	if !s.cfg.Tags.Enabled || len(newTags) == 0 {
		return false
	}

	l1, l2 := s.tier1(), s.tier2()
	a, ok := l1.get(key)
	if !ok && l2 != nil {
		a, ok = l2.get(key)
	}
	if !ok {
		return false
	}

	merged := mergeTags(a.Tags, newTags, s.cfg.Tags.MaxTagsPerEntry)
	added := diffTags(a.Tags, merged)
	a.Tags = merged
	s.tags.link(key, added)
	return true
}

func mergeTags(existing, add []string, max int) []string {
	seen := make(map[string]struct{}, len(existing))
	out := append([]string(nil), existing...)
	for _, t := range existing {
		seen[t] = struct{}{}
	}
	for _, t := range add {
		if _, dup := seen[t]; dup {
			continue
		}
		if max > 0 && len(out) >= max {
			break
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func diffTags(before, after []string) []string {
	seen := make(map[string]struct{}, len(before))
	for _, t := range before {
		seen[t] = struct{}{}
	}
	var added []string
	for _, t := range after {
		if _, ok := seen[t]; !ok {
			added = append(added, t)
		}
	}
	return added
}

// PurgeAll implements purge_all() -> count. It swaps in fresh, empty tiers
// via atomic.Pointer.Store rather than clearing the existing maps in
// place, so a concurrent Get/Set/Stats reading s.l1/s.l2 via tier1/tier2
// never observes a tier half-way through being replaced.
func (s *Store) PurgeAll() int {
	l1 := s.tier1()
	count := l1.count()
	s.l1.Store(newTier(len(l1.shards), l1.maxBytes))

	if l2 := s.tier2(); l2 != nil {
		count += l2.count()
		s.l2.Store(newTier(len(l2.shards), l2.maxBytes))
	}
	s.tags.clear()
	return count
}

// Stats reports the store-wide counters of §4.1.
type Stats struct {
	TotalEntries   int
	TotalSizeBytes int64
	Hits           int64
	Misses         int64
	HitRatio       float64
	Evictions      int64
	StaleHits      int64
	HotEntries     int
	TaggedEntries  int
	TotalTags      int
}

func (s *Store) Stats() Stats {
	l1, l2 := s.tier1(), s.tier2()
	st := Stats{
		TotalSizeBytes: s.totalSize(),
		Hits:           s.hits.Load(),
		Misses:         s.misses.Load(),
		Evictions:      s.evictions.Load(),
		StaleHits:      s.staleHits.Load(),
	}
	st.TotalEntries = l1.count()
	if l2 != nil {
		st.TotalEntries += l2.count()
	}
	if st.Hits+st.Misses > 0 {
		st.HitRatio = float64(st.Hits) / float64(st.Hits+st.Misses)
	}

	count := func(k CacheKey, a *Artifact) {
		if a.AccessCount() >= HotThreshold {
			st.HotEntries++
		}
		if len(a.Tags) > 0 {
			st.TaggedEntries++
			st.TotalTags += len(a.Tags)
		}
	}
	l1.forEach(count)
	if l2 != nil {
		l2.forEach(count)
	}
	return st
}

// HierarchyStats reports per-tier sizing and promotion/demotion counters.
type HierarchyStats struct {
	Enabled     bool
	L1Entries   int
	L1SizeBytes int64
	L2Entries   int
	L2SizeBytes int64
	Promotions  int64
	Demotions   int64
}

func (s *Store) HierarchyStats() HierarchyStats {
	l1, l2 := s.tier1(), s.tier2()
	hs := HierarchyStats{
		Enabled:     l2 != nil,
		L1Entries:   l1.count(),
		L1SizeBytes: l1.size.Load(),
		Promotions:  s.promotions.Load(),
		Demotions:   s.demotions.Load(),
	}
	if l2 != nil {
		hs.L2Entries = l2.count()
		hs.L2SizeBytes = l2.size.Load()
	}
	return hs
}
