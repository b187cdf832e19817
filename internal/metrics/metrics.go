package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const Prefix = "filingsync_"

type (
	CacheResult   string
	BackfillEvent string
)

const (
	CacheHit     CacheResult = "hit"
	CacheMiss    CacheResult = "miss"
	CacheStale   CacheResult = "stale"
	CacheExpired CacheResult = "expired_fallback"

	BackfillPresent  BackfillEvent = "present"
	BackfillDerived  BackfillEvent = "derived"
	BackfillEnqueued BackfillEvent = "enqueued"
	BackfillRejected BackfillEvent = "rejected"
	BackfillFetched  BackfillEvent = "fetched"
)

// Metrics holds every collector of the service. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	cacheRequests   *prometheus.CounterVec
	cacheRefreshes  *prometheus.CounterVec
	upstreamCalls   *prometheus.CounterVec
	upstreamRetries *prometheus.CounterVec
	coalesced       prometheus.Counter
	ingestRows      *prometheus.CounterVec
	ingestChunks    *prometheus.CounterVec
	backfillEvents  *prometheus.CounterVec
}

// New builds the collectors and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "cache_requests_total",
			Help: "Response cache lookups grouped by result",
		}, []string{"result"}),
		cacheRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "cache_refreshes_total",
			Help: "Background stale-while-revalidate refreshes grouped by outcome",
		}, []string{"outcome"}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "upstream_calls_total",
			Help: "Outbound API calls grouped by HTTP status class",
		}, []string{"status"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "upstream_retries_total",
			Help: "Outbound API retries grouped by reason",
		}, []string{"reason"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: Prefix + "upstream_coalesced_total",
			Help: "Requests served by joining an identical in-flight request",
		}),
		ingestRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "ingest_rows_total",
			Help: "Bulk rows processed grouped by dataset kind and outcome",
		}, []string{"kind", "outcome"}),
		ingestChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "ingest_chunks_total",
			Help: "Bulk chunks committed grouped by dataset kind and write path",
		}, []string{"kind", "path"}),
		backfillEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "backfill_events_total",
			Help: "Backfill resolutions grouped by event",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(m.cacheRequests, m.cacheRefreshes, m.upstreamCalls, m.upstreamRetries,
			m.coalesced, m.ingestRows, m.ingestChunks, m.backfillEvents)
	}
	return m
}

func (m *Metrics) RecordCache(result CacheResult) {
	if m == nil {
		return
	}
	m.cacheRequests.With(prometheus.Labels{"result": string(result)}).Inc()
}

func (m *Metrics) RecordRefresh(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.cacheRefreshes.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (m *Metrics) RecordUpstream(status string) {
	if m == nil {
		return
	}
	m.upstreamCalls.With(prometheus.Labels{"status": status}).Inc()
}

func (m *Metrics) RecordRetry(reason string) {
	if m == nil {
		return
	}
	m.upstreamRetries.With(prometheus.Labels{"reason": reason}).Inc()
}

func (m *Metrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) RecordRows(kind, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ingestRows.With(prometheus.Labels{"kind": kind, "outcome": outcome}).Add(float64(n))
}

func (m *Metrics) RecordChunk(kind, path string) {
	if m == nil {
		return
	}
	m.ingestChunks.With(prometheus.Labels{"kind": kind, "path": path}).Inc()
}

func (m *Metrics) RecordBackfill(event BackfillEvent) {
	if m == nil {
		return
	}
	m.backfillEvents.With(prometheus.Labels{"event": string(event)}).Inc()
}

// CacheRequests exposes the lookup counter for assertions in tests.
func (m *Metrics) CacheRequests(result CacheResult) prometheus.Counter {
	return m.cacheRequests.With(prometheus.Labels{"result": string(result)})
}

// UpstreamCalls exposes the outbound call counter for assertions in tests.
func (m *Metrics) UpstreamCalls(status string) prometheus.Counter {
	return m.upstreamCalls.With(prometheus.Labels{"status": status})
}
