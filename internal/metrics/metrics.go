package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes every Prometheus series the gateway emits: validator
// probe outcomes, pool occupancy/selection/eviction, judge health, live
// bridge sessions, aggregator yield, and the REST API's own traffic.
type Collector struct {
	checksTotal   *prometheus.CounterVec
	checksSuccess prometheus.Counter
	checksFailure prometheus.Counter
	checkDuration prometheus.Histogram

	poolSize          prometheus.Gauge
	poolSelections    *prometheus.CounterVec
	poolEvictions     *prometheus.CounterVec
	judgeHealthScore  *prometheus.GaugeVec
	bridgeSessions    prometheus.Gauge
	bridgeBytesTotal  *prometheus.CounterVec

	proxiesScraped *prometheus.CounterVec

	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	return &Collector{
		checksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checks_total",
				Help:      "Total number of validator protocol probes",
			},
			[]string{"protocol", "result"},
		),
		checksSuccess: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checks_success_total",
				Help:      "Total number of successful validator probes",
			},
		),
		checksFailure: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checks_failure_total",
				Help:      "Total number of failed validator probes",
			},
		),
		checkDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "check_duration_seconds",
				Help:      "Validator probe duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		poolSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_size",
				Help:      "Current number of proxy records held in the pool",
			},
		),
		poolSelections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_selections_total",
				Help:      "Total number of pool selection attempts",
			},
			[]string{"result"},
		),
		poolEvictions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_evictions_total",
				Help:      "Total number of proxy records evicted from the pool",
			},
			[]string{"cause"},
		),
		judgeHealthScore: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "judge_health_score",
				Help:      "Current health score of each judge endpoint",
			},
			[]string{"judge", "scheme"},
		),
		bridgeSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bridge_sessions",
				Help:      "Current number of bridged client<->upstream sessions",
			},
		),
		bridgeBytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bridge_bytes_total",
				Help:      "Total bytes relayed across bridged sessions",
			},
			[]string{"direction"},
		),
		proxiesScraped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxies_scraped_total",
				Help:      "Total number of proxies scraped from sources",
			},
			[]string{"source"},
		),
		apiRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}
}

func (c *Collector) RecordCheck(protocol string, success bool, seconds float64) {
	result := "failure"
	if success {
		result = "success"
		c.checksSuccess.Inc()
	} else {
		c.checksFailure.Inc()
	}
	c.checksTotal.WithLabelValues(protocol, result).Inc()
	c.checkDuration.Observe(seconds)
}

func (c *Collector) SetPoolSize(count int) {
	c.poolSize.Set(float64(count))
}

func (c *Collector) RecordSelection(eligible bool) {
	result := "miss"
	if eligible {
		result = "hit"
	}
	c.poolSelections.WithLabelValues(result).Inc()
}

func (c *Collector) RecordEviction(cause string) {
	c.poolEvictions.WithLabelValues(cause).Inc()
}

func (c *Collector) SetJudgeHealthScore(judgeURL, scheme string, score float64) {
	c.judgeHealthScore.WithLabelValues(judgeURL, scheme).Set(score)
}

func (c *Collector) IncBridgeSessions() {
	c.bridgeSessions.Inc()
}

func (c *Collector) DecBridgeSessions() {
	c.bridgeSessions.Dec()
}

func (c *Collector) RecordBridgeBytes(direction string, n int64) {
	c.bridgeBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (c *Collector) RecordProxiesScraped(source string, count int) {
	c.proxiesScraped.WithLabelValues(source).Add(float64(count))
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
