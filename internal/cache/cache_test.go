package cache

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"filingsync/internal/metrics"
	"filingsync/internal/store"
)

func newTestCache(t *testing.T) (*Cache, *clocktesting.FakeClock, *metrics.Metrics) {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m := metrics.New(prometheus.NewRegistry())
	c, err := New(db, Config{
		DefaultTTL: time.Hour,
		TTL: map[string]time.Duration{
			"/committee/":      24 * time.Hour,
			"/committee/C001/": 48 * time.Hour,
		},
		StaleFraction: 0.5,
	}, clk, m)
	require.NoError(t, err)
	return c, clk, m
}

func TestKeyIsOrderIndependentAndIgnoresAPIKey(t *testing.T) {
	a := Key("/schedules/schedule_a/", url.Values{"committee_id": {"C1"}, "per_page": {"100"}, "api_key": {"one"}})
	b := Key("/schedules/schedule_a/", url.Values{"per_page": {"100"}, "committee_id": {"C1"}, "api_key": {"two"}})
	c := Key("/schedules/schedule_a/", url.Values{"per_page": {"100"}, "committee_id": {"C2"}})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, Key("/schedules/schedule_b/", url.Values{"committee_id": {"C1"}, "per_page": {"100"}}))
}

func TestTTLFor(t *testing.T) {
	c, _, _ := newTestCache(t)
	assert.Equal(t, time.Hour, c.TTLFor("/schedules/schedule_a/"))
	assert.Equal(t, 24*time.Hour, c.TTLFor("/committee/C999/"))
	assert.Equal(t, 48*time.Hour, c.TTLFor("/committee/C001/"))
}

func TestGetRespectsTTLAndStaleness(t *testing.T) {
	ctx := context.Background()
	c, clk, m := newTestCache(t)

	l, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, l)

	_, err = c.Put(ctx, "k", "/schedules/schedule_a/", []byte(`{"results":[]}`))
	require.NoError(t, err)

	clk.Step(29 * time.Minute)
	l, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.False(t, l.Stale)

	clk.Step(2 * time.Minute)
	l, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.True(t, l.Stale, "older than half the TTL")

	clk.Step(29 * time.Minute)
	l, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, l, "expired entries are not served")

	latest, err := c.Latest(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, latest, "but remain available as fallback")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests(metrics.CacheHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests(metrics.CacheStale)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheRequests(metrics.CacheMiss)))
}

func TestPutSupersedesAndPrune(t *testing.T) {
	ctx := context.Background()
	c, clk, _ := newTestCache(t)

	_, err := c.Put(ctx, "k", "/x", []byte("1"))
	require.NoError(t, err)
	clk.Step(2 * time.Hour)
	_, err = c.Put(ctx, "k", "/x", []byte("2"))
	require.NoError(t, err)

	l, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, []byte("2"), l.Entry.Payload)

	n, err := c.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
