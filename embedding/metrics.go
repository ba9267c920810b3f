package embedding

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var embedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modhound_embedding_requests",
	Help: "Number of successful embedding generator calls",
})

var embedErrorCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modhound_embedding_errors",
	Help: "Number of failed embedding generator calls",
})

var embedDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "modhound_embedding_duration_sec",
	Help: "Duration of embedding generator calls",
})
