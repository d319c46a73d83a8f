package dozer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// recordSeparator joins the components of a canonical cache key. ASCII 30
// never appears in column names or formatted values, so keys can't collide
// across parameter boundaries.
const recordSeparator = string(rune(30))

// cacheKey canonicalizes a parameter set: pairs are sorted by column name,
// so two maps with the same contents always produce the same key.
func cacheKey(params map[string]any) string {
	parts := make([]string, 0, len(params))
	for col, v := range params {
		parts = append(parts, fmt.Sprintf("%s=%v", col, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, recordSeparator)
}

// queryKind segregates the keyspace for single-record and record-set
// lookups. The same parameter set can be queried through both QueryOne
// and QueryAll, and an entry cached by one must never be served to the
// other in the wrong shape.
type queryKind byte

const (
	kindOne queryKind = 'o'
	kindAll queryKind = 'a'
)

func entryKey(kind queryKind, params map[string]any) string {
	return string(kind) + recordSeparator + cacheKey(params)
}

type cacheEntry struct {
	// absent marks a query that ran and matched nothing, so repeated
	// lookups of a missing row don't hit the store every time.
	absent  bool
	record  Record
	records []Record
}

// ConfigCache is a read-through cache over one table's queries. Entries
// never expire on their own: code that writes to the table must call
// [ConfigCache.Invalidate] with the same parameters it queries by, or
// readers keep seeing the pre-write state.
//
// The cache is unbounded. It's meant for configuration-shaped tables
// (per-guild or per-channel settings) whose distinct parameter sets stay
// small, not for high-cardinality data.
type ConfigCache struct {
	table  string
	store  *Store
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry

	hits   atomic.Int64
	misses atomic.Int64
}

func NewConfigCache(store *Store, table string, logger *slog.Logger) *ConfigCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigCache{
		table:   table,
		store:   store,
		logger:  logger.With(loggerNameKey, "cache", "table", table),
		entries: map[string]cacheEntry{},
	}
}

// QueryOne returns the single record matching the given column = value
// parameters, or found=false if nothing matches. Both outcomes are
// cached.
func (c *ConfigCache) QueryOne(
	ctx context.Context,
	params map[string]any,
) (Record, bool, error) {
	key := entryKey(kindOne, params)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		if entry.absent {
			return nil, false, nil
		}
		return entry.record, true, nil
	}
	c.misses.Add(1)

	records, err := c.store.QueryWhere(ctx, c.table, conditions(params))
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(records) == 0 {
		c.entries[key] = cacheEntry{absent: true}
		return nil, false, nil
	}
	c.entries[key] = cacheEntry{record: records[0]}
	return records[0], true, nil
}

// QueryAll returns every record matching the given parameters (all
// records in the table, for empty params), caching the result set.
func (c *ConfigCache) QueryAll(
	ctx context.Context,
	params map[string]any,
) ([]Record, error) {
	key := entryKey(kindAll, params)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return entry.records, nil
	}
	c.misses.Add(1)

	records, err := c.store.QueryWhere(ctx, c.table, conditions(params))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{records: records}
	c.mu.Unlock()
	return records, nil
}

// Invalidate drops the single-record and record-set entries for exactly
// this parameter set. Other entries - including broader queries that
// happen to contain the same rows - are untouched; callers invalidate
// each parameter set they query by.
func (c *ConfigCache) Invalidate(params map[string]any) {
	c.mu.Lock()
	delete(c.entries, entryKey(kindOne, params))
	delete(c.entries, entryKey(kindAll, params))
	c.mu.Unlock()
}

// Len returns the number of cached parameter sets.
func (c *ConfigCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats reports cache effectiveness counters for the status API.
func (c *ConfigCache) Stats() (hits int64, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func conditions(params map[string]any) []Condition {
	cols := make([]string, 0, len(params))
	for col := range params {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	conds := make([]Condition, len(cols))
	for i, col := range cols {
		conds[i] = Condition{Column: col, Value: params[col]}
	}
	return conds
}
