package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// ResultHit labels lookups that found a decodable value.
	ResultHit = "hit"
	// ResultMiss labels lookups for absent keys.
	ResultMiss = "miss"
	// ResultCorrupt labels lookups whose stored value could not be decoded.
	ResultCorrupt = "corrupt"

	// OutcomeAllowed labels rate-limit checks that stayed within the limit.
	OutcomeAllowed = "allowed"
	// OutcomeLimited labels rate-limit checks that exceeded the limit.
	OutcomeLimited = "limited"

	// DeliveryAcked labels queue entries removed after their handler succeeded.
	DeliveryAcked = "acked"
	// DeliveryFailed labels queue entries left in place after their handler failed.
	DeliveryFailed = "failed"
	// DeliveryDeferred labels failed queue entries moved to a later score.
	DeliveryDeferred = "deferred"

	// StatusOK labels store commands that succeeded.
	StatusOK = "ok"
	// StatusError labels store commands that failed.
	StatusError = "error"
)

var (
	lookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cachemachine",
			Name:      "lookups_total",
			Help:      "Total number of scalar cache lookups, partitioned by result.",
		},
		[]string{"result"},
	)

	rateLimitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cachemachine",
			Name:      "rate_limit_checks_total",
			Help:      "Total number of rate-limit checks, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	queueOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cachemachine",
			Name:      "queue_operations_total",
			Help:      "Total number of delayed-queue operations, partitioned by operation.",
		},
		[]string{"op"},
	)

	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cachemachine",
			Name:      "worker_deliveries_total",
			Help:      "Total number of queue entries handed to a worker handler, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	commandDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cachemachine",
			Name:      "command_seconds",
			Help:      "Facade operation latency in seconds, including every store round trip.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"op", "status"},
	)
)

// Register attaches cachemachine collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		lookupsTotal,
		rateLimitTotal,
		queueOperationsTotal,
		deliveriesTotal,
		commandDurationSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveLookup counts a scalar lookup by result label.
func ObserveLookup(result string) {
	switch result {
	case ResultHit, ResultMiss, ResultCorrupt:
	default:
		result = ResultMiss
	}
	lookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimit counts a rate-limit decision.
func ObserveRateLimit(limited bool) {
	outcome := OutcomeAllowed
	if limited {
		outcome = OutcomeLimited
	}
	rateLimitTotal.WithLabelValues(outcome).Inc()
}

// ObserveQueue counts a delayed-queue operation.
func ObserveQueue(op string) {
	queueOperationsTotal.WithLabelValues(op).Inc()
}

// ObserveDelivery counts a worker delivery by outcome label.
func ObserveDelivery(outcome string) {
	deliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveCommand records the latency and status of a facade operation.
func ObserveCommand(op string, duration time.Duration, err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	if duration < 0 {
		duration = 0
	}
	commandDurationSeconds.WithLabelValues(op, status).Observe(duration.Seconds())
}
