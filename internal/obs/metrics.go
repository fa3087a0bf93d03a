package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_login_attempts_total",
			Help: "Login handshake attempts by outcome.",
		},
		[]string{"outcome"},
	)

	secretsGranted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_secrets_granted_total",
		Help: "Service secret retrievals served to authenticated users.",
	})

	secretRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_secret_rotations_total",
		Help: "Completed service secret rotations.",
	})

	cipherRowsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_cipher_rows_written_total",
		Help: "Cipher rows written across fan-out and direct grants.",
	})

	fanoutRecipients = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_fanout_recipients_total",
		Help: "Users that received a wrapped key during fan-out.",
	})

	fanoutSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_fanout_skipped_total",
		Help: "Fan-out targets skipped for lack of a public key.",
	})
)

// Init registers all collectors with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginAttempts, secretsGranted, secretRotations,
		cipherRowsWritten, fanoutRecipients, fanoutSkipped,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountLogin records a login handshake outcome ("ok", "failed", "expired").
func CountLogin(outcome string) { loginAttempts.WithLabelValues(outcome).Inc() }

// CountSecretGranted records one served secret retrieval.
func CountSecretGranted() { secretsGranted.Inc() }

// CountSecretRotation records one completed rotation.
func CountSecretRotation() { secretRotations.Inc() }

// CountCipherRows records cipher rows written to the store.
func CountCipherRows(n int) { cipherRowsWritten.Add(float64(n)) }

// CountFanout records one fan-out run: how many users received a wrapped
// key and how many were skipped without a public key.
func CountFanout(recipients, skipped int) {
	fanoutRecipients.Add(float64(recipients))
	fanoutSkipped.Add(float64(skipped))
}

// Instrument wraps a handler with in-flight, count and latency metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses entity ids so metric cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /v1/<collection>/<id>[/<sub>[/<id>]]
	if len(parts) >= 4 && parts[1] == "v1" {
		switch parts[2] {
		case "services", "customers", "machines", "groups", "users":
			parts[3] = ":id"
			if len(parts) >= 6 && parts[4] == "users" {
				parts[5] = ":id"
			}
			return strings.Join(parts, "/")
		}
	}
	return path
}

// statusWriter captures the response code for labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
