package vm

// Inline caching for protocol dispatch.
//
// Call sites are overwhelmingly monomorphic: generic code tends to run
// over one concrete type at a time. Each dynamic dispatch site owns a
// cache indexed by its bytecode PC that remembers recently resolved
// (type id -> witness table) pairs and fast-paths repeated dispatch,
// falling back to the full resolver lookup on a miss.

// CacheState represents the current state of an inline cache.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // no cached lookup yet
	CacheMonomorphic                   // single (type, table) cached
	CachePolymorphic                   // 2-6 entries
	CacheMegamorphic                   // too many types, always full lookup
)

// MaxPICEntries is the maximum number of entries in a polymorphic inline
// cache before a site goes megamorphic.
const MaxPICEntries = 6

// InlineCacheEntry holds a single cached resolution.
type InlineCacheEntry struct {
	TypeID uint32
	Table  *WitnessTable
}

// InlineCache is the cache for a single dispatch site. It progresses
// through states: Empty -> Monomorphic -> Polymorphic -> Megamorphic.
type InlineCache struct {
	State   CacheState
	Entries [MaxPICEntries]InlineCacheEntry
	Count   int

	Hits   uint64
	Misses uint64
}

// Lookup checks the cache for the witness table of a type.
// Returns nil on a miss.
func (ic *InlineCache) Lookup(typeID uint32) *WitnessTable {
	switch ic.State {
	case CacheMonomorphic:
		if ic.Entries[0].TypeID == typeID {
			ic.Hits++
			return ic.Entries[0].Table
		}

	case CachePolymorphic:
		for i := 0; i < ic.Count; i++ {
			if ic.Entries[i].TypeID == typeID {
				ic.Hits++
				return ic.Entries[i].Table
			}
		}

	case CacheMegamorphic, CacheEmpty:
		// Always miss.
	}

	ic.Misses++
	return nil
}

// Update records a resolved (type, table) pair, potentially upgrading the
// cache state.
func (ic *InlineCache) Update(typeID uint32, table *WitnessTable) {
	if table == nil {
		return // don't cache failed lookups
	}

	switch ic.State {
	case CacheEmpty:
		ic.State = CacheMonomorphic
		ic.Entries[0] = InlineCacheEntry{TypeID: typeID, Table: table}
		ic.Count = 1

	case CacheMonomorphic:
		if ic.Entries[0].TypeID == typeID {
			return
		}
		ic.State = CachePolymorphic
		ic.Entries[1] = InlineCacheEntry{TypeID: typeID, Table: table}
		ic.Count = 2

	case CachePolymorphic:
		for i := 0; i < ic.Count; i++ {
			if ic.Entries[i].TypeID == typeID {
				return
			}
		}
		if ic.Count < MaxPICEntries {
			ic.Entries[ic.Count] = InlineCacheEntry{TypeID: typeID, Table: table}
			ic.Count++
		} else {
			ic.State = CacheMegamorphic
			for i := range ic.Entries {
				ic.Entries[i] = InlineCacheEntry{}
			}
			ic.Count = 0
		}

	case CacheMegamorphic:
		// Stay megamorphic.
	}
}

// HitRate returns the cache hit rate as a percentage (0-100).
func (ic *InlineCache) HitRate() float64 {
	total := ic.Hits + ic.Misses
	if total == 0 {
		return 0
	}
	return float64(ic.Hits) * 100 / float64(total)
}

// Reset clears the cache back to empty state.
func (ic *InlineCache) Reset() {
	*ic = InlineCache{}
}

// InlineCacheTable manages inline caches for all dispatch sites in a
// function, keyed by bytecode PC.
type InlineCacheTable struct {
	caches map[int]*InlineCache
}

// NewInlineCacheTable creates a new inline cache table.
func NewInlineCacheTable() *InlineCacheTable {
	return &InlineCacheTable{caches: make(map[int]*InlineCache)}
}

// GetOrCreate returns the cache for a given PC, creating one if needed.
func (t *InlineCacheTable) GetOrCreate(pc int) *InlineCache {
	if ic := t.caches[pc]; ic != nil {
		return ic
	}
	ic := &InlineCache{}
	t.caches[pc] = ic
	return ic
}

// Get returns the cache for a given PC, or nil if none exists.
func (t *InlineCacheTable) Get(pc int) *InlineCache {
	return t.caches[pc]
}

// Stats returns aggregate statistics for all caches in the table.
func (t *InlineCacheTable) Stats() (mono, poly, mega, empty int, hits, misses uint64) {
	for _, ic := range t.caches {
		switch ic.State {
		case CacheMonomorphic:
			mono++
		case CachePolymorphic:
			poly++
		case CacheMegamorphic:
			mega++
		case CacheEmpty:
			empty++
		}
		hits += ic.Hits
		misses += ic.Misses
	}
	return
}
