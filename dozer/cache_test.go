package dozer

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t testing.TB, q Querier) *ConfigCache {
	t.Helper()
	store := newTestStore(t, q, testSchema())
	return NewConfigCache(store, "guild_settings", nil)
}

func TestCacheKeyOrderIndependent(t *testing.T) {
	t.Parallel()
	a := cacheKey(map[string]any{"guild_id": int64(1), "channel_id": int64(2)})
	b := cacheKey(map[string]any{"channel_id": int64(2), "guild_id": int64(1)})
	assert.Equal(t, a, b)

	c := cacheKey(map[string]any{"guild_id": int64(1), "channel_id": int64(3)})
	assert.NotEqual(t, a, c)
}

func TestCacheKeySeparatorPreventsBoundaryCollisions(t *testing.T) {
	t.Parallel()
	a := cacheKey(map[string]any{"a": "1", "b": "2"})
	b := cacheKey(map[string]any{"a": "1" + recordSeparator + "b=2"})
	assert.NotEqual(t, a, b)
}

func TestConfigCacheQueryOne(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{
		rows: newFakeRows(
			[]string{columnGuildID, "prefix", "welcome_message"},
			[]any{int64(1), "!", "hello"},
		),
	}
	cache := newTestCache(t, q)
	ctx := context.Background()
	params := map[string]any{columnGuildID: int64(1)}

	rec, found, err := cache.QueryOne(ctx, params)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "!", rec.String("prefix"))
	assert.Equal(t, 1, q.queryCount())

	// second lookup is served from the cache
	rec, found, err = cache.QueryOne(ctx, params)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "!", rec.String("prefix"))
	assert.Equal(t, 1, q.queryCount())

	hits, misses := cache.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestConfigCacheCachesAbsentResults(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{}
	cache := newTestCache(t, q)
	ctx := context.Background()
	params := map[string]any{columnGuildID: int64(404)}

	_, found, err := cache.QueryOne(ctx, params)
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = cache.QueryOne(ctx, params)
	require.NoError(t, err)
	assert.False(t, found)

	// the miss was cached too: only one query reached the store
	assert.Equal(t, 1, q.queryCount())
	assert.Equal(t, 1, cache.Len())
}

func TestConfigCacheInvalidate(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{
		rows: newFakeRows(
			[]string{columnGuildID, "prefix", "welcome_message"},
			[]any{int64(1), "!", nil},
		),
	}
	cache := newTestCache(t, q)
	ctx := context.Background()
	params := map[string]any{columnGuildID: int64(1)}

	_, _, err := cache.QueryOne(ctx, params)
	require.NoError(t, err)
	require.Equal(t, 1, q.queryCount())

	q.rows = newFakeRows(
		[]string{columnGuildID, "prefix", "welcome_message"},
		[]any{int64(1), "&", nil},
	)

	// without invalidation the stale prefix is still served
	rec, _, err := cache.QueryOne(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, "!", rec.String("prefix"))

	cache.Invalidate(params)
	rec, _, err = cache.QueryOne(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, "&", rec.String("prefix"))
	assert.Equal(t, 2, q.queryCount())
}

func TestConfigCacheInvalidateExactKeyOnly(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{
		rows: newFakeRows(
			[]string{columnGuildID, "prefix", "welcome_message"},
			[]any{int64(1), "!", nil},
		),
	}
	cache := newTestCache(t, q)
	ctx := context.Background()

	_, _, err := cache.QueryOne(ctx, map[string]any{columnGuildID: int64(1)})
	require.NoError(t, err)
	_, err = cache.QueryAll(
		ctx,
		map[string]any{columnGuildID: int64(1), "prefix": "!"},
	)
	require.NoError(t, err)
	require.Equal(t, 2, cache.Len())

	cache.Invalidate(map[string]any{columnGuildID: int64(1)})
	assert.Equal(t, 1, cache.Len())

	// invalidating a key that was never cached is a no-op
	cache.Invalidate(map[string]any{columnGuildID: int64(999)})
	assert.Equal(t, 1, cache.Len())
}

func TestConfigCacheQueryAll(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{
		rows: newFakeRows(
			[]string{columnGuildID, "prefix", "welcome_message"},
			[]any{int64(1), "!", nil},
			[]any{int64(2), "&", nil},
		),
	}
	cache := newTestCache(t, q)
	ctx := context.Background()

	records, err := cache.QueryAll(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = cache.QueryAll(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, 1, q.queryCount())
}

func TestConfigCacheQueryKindsDoNotShareEntries(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{
		queryFunc: func(string, []any) (pgx.Rows, error) {
			return newFakeRows(
				[]string{columnGuildID, "prefix", "welcome_message"},
				[]any{int64(1), "!", nil},
				[]any{int64(1), "&", nil},
			), nil
		},
	}
	cache := newTestCache(t, q)
	ctx := context.Background()
	params := map[string]any{columnGuildID: int64(1)}

	// a cached record set must not be served to a single-record lookup
	records, err := cache.QueryAll(ctx, params)
	require.NoError(t, err)
	require.Len(t, records, 2)

	rec, found, err := cache.QueryOne(ctx, params)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, rec)
	assert.Equal(t, "!", rec.String("prefix"))

	// and a cached single record must not shadow the full result set
	records, err = cache.QueryAll(ctx, params)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	// both shapes are cached under the same parameter set, and
	// invalidation drops them together
	require.Equal(t, 2, cache.Len())
	assert.Equal(t, 2, q.queryCount())
	cache.Invalidate(params)
	assert.Equal(t, 0, cache.Len())
}

func TestConfigCacheErrorsAreNotCached(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{queryErr: assert.AnError}
	cache := newTestCache(t, q)
	ctx := context.Background()
	params := map[string]any{columnGuildID: int64(1)}

	_, _, err := cache.QueryOne(ctx, params)
	require.Error(t, err)
	assert.Equal(t, 0, cache.Len())

	q.queryErr = nil
	_, found, err := cache.QueryOne(ctx, params)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 2, q.queryCount())
}
