package metrics

import "time"

const (
	KindAnalysis = "analysis"
	KindQuery    = "query"
)

// RecordInference observes one inference round trip.
func RecordInference(kind string, d time.Duration, err error) {
	InferenceDuration.WithLabelValues(kind).Observe(d.Seconds())
	result := "success"
	if err != nil {
		result = "failure"
	}
	InferenceRequests.WithLabelValues(kind, result).Inc()
}

func RecordSample(outcome string) {
	SamplesTotal.WithLabelValues(outcome).Inc()
}

// RecordBreakerTransition takes state names as rendered by the breaker.
func RecordBreakerTransition(name, from, to string) {
	CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
	CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
}

func breakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	}
	return 0
}
