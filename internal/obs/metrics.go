// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    OutboxPublished = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "outbox_published_total",
        Help: "Total number of outbox entries published to their destination",
    })
    OutboxRetried = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "outbox_retried_total",
        Help: "Total number of outbox publish retries scheduled",
    })
    OutboxFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "outbox_failed_total",
        Help: "Total number of outbox entries that exhausted their retries",
    })
    InboxProcessed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "inbox_processed_total",
        Help: "Total number of inbox entries handled successfully",
    })
    InboxFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "inbox_failed_total",
        Help: "Total number of inbox entries whose handler failed",
    })
    QueueDequeued = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "queue_dequeued_total",
        Help: "Total number of queue entries leased to the poller",
    })
    QueueAcknowledged = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "queue_acknowledged_total",
        Help: "Total number of queue entries acknowledged after handling",
    })
    QueueRejected = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "queue_rejected_total",
        Help: "Total number of queue entries rejected back or deleted",
    })
    DeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "dead_lettered_total",
        Help: "Total number of messages handed off to the dead-letter store",
    }, []string{"component"})
    DeadLetterRetried = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "dead_letter_retried_total",
        Help: "Total number of dead-letter entries resubmitted by the retrier",
    })
    HandlerDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "handler_duration_seconds",
        Help:    "Histogram of downstream handler invocation durations",
        Buckets: prometheus.DefBuckets,
    })
    CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    }, []string{"dispatcher"})
    CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "circuit_breaker_trips_total",
        Help: "Count of times a dispatcher breaker transitioned to Open",
    }, []string{"dispatcher"})
)

func init() {
    prometheus.MustRegister(OutboxPublished, OutboxRetried, OutboxFailed, InboxProcessed, InboxFailed,
        QueueDequeued, QueueAcknowledged, QueueRejected, DeadLettered, DeadLetterRetried,
        HandlerDuration, CircuitBreakerState, CircuitBreakerTrips)
}

// StartMetricsServer exposes /metrics and returns the server for controlled
// shutdown.
func StartMetricsServer(port int) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
