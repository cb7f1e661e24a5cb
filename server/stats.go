package server

import "github.com/prometheus/client_golang/prometheus"

// statsCollector exports client.Stats on every scrape.
type statsCollector struct {
	llm LLM

	circuitState *prometheus.Desc
	failureCount *prometheus.Desc
	active       *prometheus.Desc
	inWindow     *prometheus.Desc
	cacheSize    *prometheus.Desc
	rejected     *prometheus.Desc
}

func newStatsCollector(l LLM) *statsCollector {
	return &statsCollector{
		llm: l,
		circuitState: prometheus.NewDesc("llmguard_circuit_state",
			"Circuit breaker state (0 closed, 1 open, 2 half-open).", nil, nil),
		failureCount: prometheus.NewDesc("llmguard_circuit_failures",
			"Consecutive failures counted by the circuit breaker.", nil, nil),
		active: prometheus.NewDesc("llmguard_active_requests",
			"Remote calls currently in flight.", nil, nil),
		inWindow: prometheus.NewDesc("llmguard_requests_in_window",
			"Admissions in the current rate window.", nil, nil),
		cacheSize: prometheus.NewDesc("llmguard_cache_entries",
			"Responses held in the cache.", nil, nil),
		rejected: prometheus.NewDesc("llmguard_admission_rejected_total",
			"Attempts refused by admission control.", nil, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.circuitState
	ch <- c.failureCount
	ch <- c.active
	ch <- c.inWindow
	ch <- c.cacheSize
	ch <- c.rejected
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.llm.Stats()
	ch <- prometheus.MustNewConstMetric(c.circuitState, prometheus.GaugeValue, float64(st.CircuitState))
	ch <- prometheus.MustNewConstMetric(c.failureCount, prometheus.GaugeValue, float64(st.FailureCount))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(st.ActiveRequests))
	ch <- prometheus.MustNewConstMetric(c.inWindow, prometheus.GaugeValue, float64(st.RequestsInWindow))
	ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(st.CacheSize))
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(st.Rejected))
}

var _ prometheus.Collector = (*statsCollector)(nil)
