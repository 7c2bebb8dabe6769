package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clinval",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"route", "status"})

	validationFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinval",
		Subsystem: "pipeline",
		Name:      "findings_total",
		Help:      "Total findings emitted by the validation pipeline, by source and severity",
	}, []string{"source", "severity"})

	validationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinval",
		Subsystem: "pipeline",
		Name:      "requests_total",
		Help:      "Total /validate requests, by outcome",
	}, []string{"outcome"})
)
