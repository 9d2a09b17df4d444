// Package metrics holds the Prometheus collectors shared by the server's
// components.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandcats_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sandcats_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandcats_operations_total",
		Help: "Registry operations by operation and result.",
	}, []string{"operation", "result"})

	recoveryTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandcats_recovery_tokens_total",
		Help: "Recovery token requests by result (issued, rate_limited).",
	}, []string{"result"})

	dnsPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandcats_dns_publish_total",
		Help: "DNS publish attempts by result (success, retry, failure, dropped).",
	}, []string{"result"})

	udpProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandcats_udp_probes_total",
		Help: "UDP liveness probes by result (replied, silent, malformed).",
	}, []string{"result"})

	ledgerEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sandcats_ledger_entries_total",
		Help: "Total ownership ledger entries appended.",
	})
)

// Middleware records per-request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		requestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the Prometheus exposition format.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordOperation counts one registry operation outcome.
func RecordOperation(operation, result string) {
	operationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordRecoveryToken counts an issued or rate-limited recovery token request.
func RecordRecoveryToken(issued bool) {
	if issued {
		recoveryTokensTotal.WithLabelValues("issued").Inc()
	} else {
		recoveryTokensTotal.WithLabelValues("rate_limited").Inc()
	}
}

// RecordDNSPublish counts one publish attempt result.
func RecordDNSPublish(result string) {
	dnsPublishTotal.WithLabelValues(result).Inc()
}

// RecordUDPProbe counts one liveness probe result.
func RecordUDPProbe(result string) {
	udpProbesTotal.WithLabelValues(result).Inc()
}

// RecordLedgerAppend counts one ledger entry.
func RecordLedgerAppend() {
	ledgerEntriesTotal.Inc()
}
