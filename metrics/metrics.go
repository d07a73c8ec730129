package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of requests by path, method and status_code.",
	}, []string{"path", "method", "status_code"})
	HttpRequestsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "http_requests_in_flight",
		Help: "Current requests being served.",
	}, []string{"path", "method"})
	HttpRequestsDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "http_requests_duration",
		Help: "Duration of HTTP requests in seconds by path and method.",
	}, []string{"path", "method"})
	HttpRequestsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "http_requests_rate_limited_total",
		Help: "Total number of requests rejected by the rate limiter.",
	})
	ExplorerApiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "explorer_api_requests_total",
		Help: "Total number of requests to the explorer api by endpoint and status_code.",
	}, []string{"endpoint", "status_code"})
	ExplorerApiRequestsDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "explorer_api_requests_duration",
		Help: "Duration of explorer api requests in seconds by endpoint.",
	}, []string{"endpoint"})
	ExporterCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exporter_cycle_duration",
		Help:    "Time it took to run an export cycle.",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
	})
	ExporterCyclesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exporter_cycles_skipped_total",
		Help: "Number of ticks skipped because the previous export cycle was still running.",
	})
	ExporterSlotsExported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exporter_slots_exported_total",
		Help: "Number of slots written to the store.",
	})
	ExporterSlotErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exporter_slot_errors_total",
		Help: "Number of slots that could not be exported by reason.",
	}, []string{"reason"})
	ExporterSlotsQuarantined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exporter_slots_quarantined_total",
		Help: "Number of slots given up on after reaching the maximum number of attempts.",
	})
	ExporterLatestSlot = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "exporter_latest_slot",
		Help: "Latest slot by source (chain or db).",
	}, []string{"source"})
	ParticipationRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "network_participation_rate",
		Help: "Last calculated network participation rate.",
	})
	DBConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "db_connections",
		Help: "Database connections by state.",
	}, []string{"state"})
)

// HttpMiddleware implements mux.MiddlewareFunc.
// This middleware uses the path template, so the label value will be /obj/{id} rather than /obj/123 which would risk a cardinality explosion.
// See https://www.robustperception.io/prometheus-middleware-for-gorilla-mux
func HttpMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := "UNDEFINED"
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		method := strings.ToUpper(r.Method)
		HttpRequestsInFlight.WithLabelValues(path, method).Inc()
		defer HttpRequestsInFlight.WithLabelValues(path, method).Dec()
		d := &responseWriterDelegator{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(d, r)
		status := strconv.Itoa(d.status)
		HttpRequestsTotal.WithLabelValues(path, method, status).Inc()
		HttpRequestsDuration.WithLabelValues(path, method).Observe(time.Since(start).Seconds())
	})
}

type responseWriterDelegator struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (r *responseWriterDelegator) WriteHeader(code int) {
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseWriterDelegator) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

// MonitorDB records the connection pool stats of the database every 10 seconds until ctx is done
func MonitorDB(ctx context.Context, db *sqlx.DB) {
	MonitorDBWithInterval(ctx, db, time.Second*10)
}

func MonitorDBWithInterval(ctx context.Context, db *sqlx.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats := db.Stats()
		DBConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
		DBConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
		DBConnections.WithLabelValues("idle").Set(float64(stats.Idle))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Serve serves prometheus metrics on the given address under /metrics
func Serve(addr string) error {
	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.Handler())
	router.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
<head><title>prometheus-metrics</title></head>
<body>
<h1>prometheus-metrics</h1>
<p><a href='/metrics'>metrics</a></p>
</body>
</html>`))
	}))
	srv := &http.Server{
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Second * 10,
		Handler:      router,
		Addr:         addr,
	}

	return srv.ListenAndServe()
}
