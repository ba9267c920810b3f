package learner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var thresholdUpdateCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modhound_threshold_updates",
	Help: "Number of learned threshold writes",
})
