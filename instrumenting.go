package docrag

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flarexio/docrag/backend"
)

var fieldKeys = []string{"method", "backend", "error"}

// NewPrometheusMetrics registers the request metrics with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (metrics.Counter, metrics.Histogram) {
	requestCount := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docrag",
			Name:      "requests_total",
			Help:      "Number of requests received.",
		},
		fieldKeys,
	)

	requestLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docrag",
			Name:      "request_duration_seconds",
			Help:      "Total duration of requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		fieldKeys,
	)

	reg.MustRegister(requestCount, requestLatency)

	return kitprometheus.NewCounter(requestCount), kitprometheus.NewHistogram(requestLatency)
}

func InstrumentingMiddleware(requestCount metrics.Counter, requestLatency metrics.Histogram) ServiceMiddleware {
	return func(next Service) Service {
		return &instrumentingMiddleware{
			requestCount:   requestCount,
			requestLatency: requestLatency,
			next:           next,
		}
	}
}

type instrumentingMiddleware struct {
	requestCount   metrics.Counter
	requestLatency metrics.Histogram
	next           Service
}

func (mw *instrumentingMiddleware) observe(method string, begin time.Time, err error) {
	lvs := []string{
		"method", method,
		"backend", mw.next.Backend().String(),
		"error", strconv.FormatBool(err != nil),
	}

	mw.requestCount.With(lvs...).Add(1)
	mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
}

func (mw *instrumentingMiddleware) Ingest(ctx context.Context, req IngestRequest) (n int, err error) {
	defer func(begin time.Time) {
		mw.observe("ingest", begin, err)
	}(time.Now())

	return mw.next.Ingest(ctx, req)
}

func (mw *instrumentingMiddleware) Query(ctx context.Context, collection string, query string, k int, maxContextChars int) (result *QueryResult, err error) {
	defer func(begin time.Time) {
		mw.observe("query", begin, err)
	}(time.Now())

	return mw.next.Query(ctx, collection, query, k, maxContextChars)
}

func (mw *instrumentingMiddleware) ListCollections(ctx context.Context) (collections []backend.CollectionSummary, err error) {
	defer func(begin time.Time) {
		mw.observe("list_collections", begin, err)
	}(time.Now())

	return mw.next.ListCollections(ctx)
}

func (mw *instrumentingMiddleware) DeleteCollection(ctx context.Context, name string) (deleted bool, err error) {
	defer func(begin time.Time) {
		mw.observe("delete_collection", begin, err)
	}(time.Now())

	return mw.next.DeleteCollection(ctx, name)
}

func (mw *instrumentingMiddleware) Stats(ctx context.Context, name string) (summary *backend.CollectionSummary, err error) {
	defer func(begin time.Time) {
		mw.observe("stats", begin, err)
	}(time.Now())

	return mw.next.Stats(ctx, name)
}

func (mw *instrumentingMiddleware) Backend() backend.Kind {
	return mw.next.Backend()
}

func (mw *instrumentingMiddleware) Close() error {
	return mw.next.Close()
}
