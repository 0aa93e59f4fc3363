package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coldbrook/crawlgate/internal/telemetry"
)

// PrometheusSink exports kernel metrics via Prometheus. It owns the collectors
// for task outcomes, admission drops, tier movements, breaker transitions, and
// memory gate flips.
type PrometheusSink struct {
	taskOutcomes   *prometheus.CounterVec
	admissionDrops *prometheus.CounterVec
	fetchBytes     *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	domainTier     *prometheus.GaugeVec
	breakerChanges *prometheus.CounterVec
	memoryPaused   prometheus.Gauge
	memoryFlips    prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlgate_task_outcomes_total",
			Help: "Task completions partitioned by domain, outcome, and path.",
		}, []string{"domain", "outcome", "path"}),
		admissionDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlgate_admission_rejections_total",
			Help: "Tasks rejected at admission partitioned by domain and reason.",
		}, []string{"domain", "reason"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlgate_fetch_bytes_total",
			Help: "Bytes downloaded per domain.",
		}, []string{"domain"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlgate_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by domain and outcome.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"domain", "outcome"}),
		domainTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlgate_domain_proxy_tier",
			Help: "Current proxy tier per domain (0=direct, 1=datacenter, 2=residential).",
		}, []string{"domain"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlgate_breaker_transitions_total",
			Help: "Circuit breaker state transitions partitioned by domain and target state.",
		}, []string{"domain", "to"}),
		memoryPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlgate_memory_paused",
			Help: "1 while the global memory gate is pausing admissions, else 0.",
		}),
		memoryFlips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlgate_memory_gate_flips_total",
			Help: "Total memory gate pause/resume flips.",
		}),
	}
	collectors := []prometheus.Collector{
		s.taskOutcomes, s.admissionDrops, s.fetchBytes, s.fetchDuration,
		s.domainTier, s.breakerChanges, s.memoryPaused, s.memoryFlips,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []telemetry.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt telemetry.Event) {
	switch evt.Kind {
	case telemetry.KindTaskOutcome:
		path := "fast"
		if evt.Headless {
			path = "slow"
		}
		s.taskOutcomes.WithLabelValues(evt.Domain, evt.Outcome.String(), path).Inc()
		if evt.Bytes > 0 {
			s.fetchBytes.WithLabelValues(evt.Domain).Add(float64(evt.Bytes))
		}
		if evt.Dur > 0 {
			s.fetchDuration.WithLabelValues(evt.Domain, evt.Outcome.String()).Observe(evt.Dur.Seconds())
		}
	case telemetry.KindAdmissionDrop:
		s.admissionDrops.WithLabelValues(evt.Domain, string(evt.Reject)).Inc()
	case telemetry.KindTierChange:
		s.domainTier.WithLabelValues(evt.Domain).Set(float64(evt.Tier))
	case telemetry.KindBreakerChange:
		s.breakerChanges.WithLabelValues(evt.Domain, evt.To).Inc()
	case telemetry.KindMemoryPause:
		if evt.Paused {
			s.memoryPaused.Set(1)
		} else {
			s.memoryPaused.Set(0)
		}
		s.memoryFlips.Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
