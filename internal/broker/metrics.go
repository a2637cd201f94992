package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts broker activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	endpointCalls *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	states        *prometheus.CounterVec
	tokens        *prometheus.CounterVec
}

// NewMetrics registers the broker collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		endpointCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drivecreds",
			Name:      "token_endpoint_requests_total",
			Help:      "Requests sent to the OAuth token and revocation endpoints.",
		}, []string{"grant", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drivecreds",
			Name:      "token_cache_lookups_total",
			Help:      "Access token cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		states: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drivecreds",
			Name:      "state_tokens_total",
			Help:      "State token issuance and consumption outcomes.",
		}, []string{"outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drivecreds",
			Name:      "access_tokens_served_total",
			Help:      "Access tokens handed to callers by credential provider.",
		}, []string{"provider"}),
	}
	if reg != nil {
		reg.MustRegister(m.endpointCalls, m.cacheLookups, m.states, m.tokens)
	}
	return m
}

func (m *Metrics) endpoint(grant, outcome string) {
	if m == nil {
		return
	}
	m.endpointCalls.WithLabelValues(grant, outcome).Inc()
}

func (m *Metrics) cache(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) state(outcome string) {
	if m == nil {
		return
	}
	m.states.WithLabelValues(outcome).Inc()
}

func (m *Metrics) served(provider string) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(provider).Inc()
}
